package handlers

import (
	"context"
	"fmt"

	"github.com/muaviaUsmani/planner/internal/delivery"
	"github.com/muaviaUsmani/planner/internal/personalize"
	"github.com/muaviaUsmani/planner/internal/task"
	"github.com/muaviaUsmani/planner/internal/worker"
)

// IndividualEmailHandler sends one personalized email per recipient of a
// fan-out task. Sends run on a bounded pool and are aggregated after all of
// them return.
type IndividualEmailHandler struct {
	email     delivery.EmailService
	directory delivery.UserDirectory
	pool      *worker.Pool
}

// NewIndividualEmailHandler creates an IndividualEmailHandler
func NewIndividualEmailHandler(email delivery.EmailService, dir delivery.UserDirectory, pool *worker.Pool) *IndividualEmailHandler {
	return &IndividualEmailHandler{email: email, directory: dir, pool: pool}
}

// Name implements worker.Handler
func (h *IndividualEmailHandler) Name() string { return "IndividualEmailHandler" }

type individualInput struct {
	EmailInput
	recipients []task.RecipientVariables
}

func (h *IndividualEmailHandler) parse(data task.Data) (individualInput, error) {
	var in individualInput
	if err := decode(data, &in.EmailInput); err != nil {
		return in, err
	}
	if !data.Bool("send_individual_messages") {
		return in, task.Errorf(task.KindValidation, "send_individual_messages must be true for individual email tasks")
	}

	recipients, err := task.ParseRecipients(data["per_user_variables"])
	if err != nil {
		return in, err
	}
	count, err := task.ParseRecipientCount(data["recipient_count"])
	if err != nil {
		return in, err
	}
	if err := task.ValidateRecipients(true, recipients, count); err != nil {
		return in, err
	}
	in.recipients = recipients

	if err := in.validateBase(); err != nil {
		return in, err
	}
	return in, nil
}

// Validate implements worker.Validator
func (h *IndividualEmailHandler) Validate(data task.Data) error {
	_, err := h.parse(data)
	return err
}

// Execute implements worker.Handler
func (h *IndividualEmailHandler) Execute(ctx context.Context, data task.Data) task.Result {
	in, err := h.parse(data)
	if err != nil {
		return invalid(err)
	}

	userIDs := make([]string, len(in.recipients))
	for i, r := range in.recipients {
		userIDs[i] = r.UserID
	}

	emails, err := h.directory.FetchUserEmails(ctx, userIDs)
	if err != nil {
		return task.Failed(task.KindUnexpected, "Failed to fetch user emails", err.Error())
	}
	if len(emails) != len(userIDs) {
		return task.Failed(task.KindProvider, "Failed to fetch all user emails",
			fmt.Sprintf("expected %d email addresses, got %d", len(userIDs), len(emails)))
	}

	messages, err := personalize.PrepareMessageData(userIDs, emails, in.recipients, in.TemplateVariables)
	if err != nil {
		return task.Failed(task.KindUnexpected, "Failed to prepare message data", err.Error())
	}

	outcomes := worker.Map(ctx, h.pool, messages, func(ctx context.Context, m personalize.MessageData) (delivery.EmailResponse, error) {
		return h.email.Send(ctx, h.request(in.EmailInput, m))
	})

	results := make([]task.RecipientResult, len(messages))
	successes := 0
	for i, o := range outcomes {
		m := messages[i]
		r := task.RecipientResult{UserID: m.UserID, Email: m.Email}
		switch {
		case o.Err != nil:
			r.Message = "Failed to send email"
			r.Error = o.Err.Error()
		case !o.Value.Success:
			r.Message = o.Value.Message
			r.Error = o.Value.Error
		default:
			r.Success = true
			r.Message = o.Value.Message
			r.EmailID = o.Value.EmailID
			successes++
		}
		results[i] = r
	}
	failures := len(results) - successes

	res := task.Result{
		Success:      successes > 0,
		SuccessCount: successes,
		FailureCount: failures,
		Recipients:   results,
		Metadata: map[string]any{
			"template":        in.TemplateName,
			"email_type":      in.EmailType,
			"totalRecipients": len(results),
			"processedAt":     processedAt(),
		},
	}
	if successes == 0 {
		res.Kind = task.KindProvider
		res.Message = "All individual emails failed to send"
		res.Error = fmt.Sprintf("%d of %d sends failed", failures, len(results))
		return res
	}
	res.Message = fmt.Sprintf("Sent %d of %d individual emails", successes, len(results))
	return res
}

// request renders the subject and content for one recipient
func (h *IndividualEmailHandler) request(in EmailInput, m personalize.MessageData) delivery.EmailRequest {
	req := in.request()
	req.ToAddress = m.Email
	req.RecipientSource = ""
	req.Subject = personalize.ProcessTemplateVariables(in.Subject, m.MergedVariables)
	req.Content = personalize.ProcessTemplateVariables(in.Content, m.MergedVariables)
	req.TemplateVariables = m.MergedVariables
	req.Metadata = map[string]any{"user_id": m.UserID}
	return req
}
