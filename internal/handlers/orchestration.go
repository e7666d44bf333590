package handlers

import (
	"context"
	"fmt"

	"github.com/muaviaUsmani/planner/internal/delivery"
	"github.com/muaviaUsmani/planner/internal/task"
)

// OrchestrationInput is the typed payload of an orchestration task
type OrchestrationInput struct {
	Mode                   string         `json:"mode"`
	Users                  []string       `json:"users"`
	RecipientSource        string         `json:"recipient_source"`
	Title                  string         `json:"title"`
	Content                string         `json:"content"`
	ContentKey             string         `json:"content_key"`
	ContentSource          string         `json:"content_source"`
	EmailType              string         `json:"email_type"`
	TemplateVariables      map[string]any `json:"template_variables"`
	SendIndividualMessages bool           `json:"send_individual_messages"`

	recipients     []task.RecipientVariables
	recipientCount *int
}

// OrchestrationHandler routes a notification across channels through the
// NotificationOrchestrator, or hands individual messaging to the
// individual_email handler.
type OrchestrationHandler struct {
	orchestrator delivery.NotificationOrchestrator
	dispatcher   Dispatcher
}

// NewOrchestrationHandler creates an OrchestrationHandler. The dispatcher is
// consulted at execution time, so the individual_email handler may be
// registered after this one.
func NewOrchestrationHandler(o delivery.NotificationOrchestrator, d Dispatcher) *OrchestrationHandler {
	return &OrchestrationHandler{orchestrator: o, dispatcher: d}
}

// Name implements worker.Handler
func (h *OrchestrationHandler) Name() string { return "OrchestrationHandler" }

func (h *OrchestrationHandler) parse(data task.Data) (OrchestrationInput, error) {
	var in OrchestrationInput
	if err := decode(data, &in); err != nil {
		return in, err
	}

	switch in.Mode {
	case "":
		return in, task.Errorf(task.KindValidation, "mode is required")
	case delivery.ModePushPreferred, delivery.ModeBoth:
	default:
		return in, task.Errorf(task.KindValidation, "Invalid mode %q. Allowed modes: %s, %s", in.Mode, delivery.ModePushPreferred, delivery.ModeBoth)
	}

	if in.SendIndividualMessages {
		if in.Mode != delivery.ModeBoth {
			return in, task.Errorf(task.KindValidation, "individual messaging currently only supports email mode")
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
		in.recipients, in.recipientCount = recipients, count
		if in.ContentKey == "" && in.ContentSource == "" && in.Content == "" {
			return in, task.Errorf(task.KindValidation, "content_key, content_source or content is required")
		}
		return in, nil
	}

	if len(in.Users) == 0 && in.RecipientSource == "" {
		return in, task.Errorf(task.KindValidation, "No recipients specified")
	}
	if in.ContentKey == "" && in.ContentSource == "" && (in.Title == "" || in.Content == "") {
		return in, task.Errorf(task.KindValidation, "No content specified: provide title and content, content_key, or content_source")
	}
	return in, nil
}

// Validate implements worker.Validator
func (h *OrchestrationHandler) Validate(data task.Data) error {
	_, err := h.parse(data)
	return err
}

// Execute implements worker.Handler
func (h *OrchestrationHandler) Execute(ctx context.Context, data task.Data) task.Result {
	in, err := h.parse(data)
	if err != nil {
		return invalid(err)
	}

	if in.SendIndividualMessages {
		return h.routeIndividual(ctx, in, data)
	}

	resp, err := h.orchestrator.Send(ctx, delivery.OrchestrationRequest{
		Mode:              in.Mode,
		Users:             in.Users,
		RecipientSource:   in.RecipientSource,
		Title:             in.Title,
		Content:           in.Content,
		ContentKey:        in.ContentKey,
		ContentSource:     in.ContentSource,
		EmailType:         in.EmailType,
		TemplateVariables: in.TemplateVariables,
	})
	if err != nil {
		return task.Failed(task.KindUnexpected, "Orchestration handler execution failed", err.Error())
	}
	if !resp.Success {
		return task.Failed(task.KindProvider, resp.Message, resp.Error)
	}

	md := map[string]any{
		"mode":        in.Mode,
		"processedAt": processedAt(),
	}
	if resp.WorkflowID != "" {
		md["workflowId"] = resp.WorkflowID
	}
	if resp.PushResults != nil {
		md["push_results"] = resp.PushResults
	}
	if resp.EmailResults != nil {
		md["email_results"] = resp.EmailResults
	}
	return task.Succeeded(resp.Message, md)
}

// routeIndividual translates the orchestration payload into an
// individual_email payload and runs it through the dispatcher
func (h *OrchestrationHandler) routeIndividual(ctx context.Context, in OrchestrationInput, data task.Data) task.Result {
	if h.dispatcher == nil || !h.dispatcher.HasHandler(task.TypeIndividualEmail) {
		return task.Failed(task.KindHandlerMissing, "IndividualEmailHandler not available",
			fmt.Sprintf("No handler registered for task type %s", task.TypeIndividualEmail))
	}

	emailType := in.EmailType
	if emailType == "" {
		emailType = "notification"
	}

	perUser := make([]any, len(in.recipients))
	for i, r := range in.recipients {
		perUser[i] = map[string]any{"user_id": r.UserID, "variables": r.Variables}
	}

	emailData := task.Data{
		"send_individual_messages": true,
		"per_user_variables":       perUser,
		"email_type":               emailType,
	}
	// content_source names a template too; content_key wins when both are set
	switch {
	case in.ContentKey != "":
		emailData["template_name"] = in.ContentKey
	case in.ContentSource != "":
		emailData["template_name"] = in.ContentSource
	}
	if in.Title != "" {
		emailData["subject"] = in.Title
	}
	if in.Content != "" {
		emailData["content"] = in.Content
	}
	if in.TemplateVariables != nil {
		emailData["template_variables"] = in.TemplateVariables
	}
	if in.recipientCount != nil {
		emailData["recipient_count"] = *in.recipientCount
	}

	result := h.dispatcher.Execute(ctx, task.TypeIndividualEmail, emailData)

	md := make(map[string]any, len(result.Metadata)+2)
	for k, v := range result.Metadata {
		md[k] = v
	}
	md["routedToIndividualHandler"] = true
	md["orchestrationMode"] = in.Mode
	result.Metadata = md
	return result
}
