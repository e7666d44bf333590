package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Orchestrator is the reference NotificationOrchestrator. push_preferred
// tries push and falls back to email when push fails; both sends on both
// channels and succeeds when either channel delivered.
type Orchestrator struct {
	Push      PushService
	Email     EmailService
	Directory UserDirectory
}

// NewOrchestrator wires an orchestrator over the given collaborators
func NewOrchestrator(push PushService, email EmailService, dir UserDirectory) *Orchestrator {
	return &Orchestrator{Push: push, Email: email, Directory: dir}
}

// Send implements NotificationOrchestrator
func (o *Orchestrator) Send(ctx context.Context, req OrchestrationRequest) (OrchestrationResponse, error) {
	resp := OrchestrationResponse{WorkflowID: uuid.NewString()}

	switch req.Mode {
	case ModePushPreferred:
		push, err := o.sendPush(ctx, req)
		if err != nil {
			return resp, err
		}
		resp.PushResults = &push
		if push.Success {
			resp.Success = true
			resp.Message = "Delivered by push"
			return resp, nil
		}

		email, err := o.sendEmail(ctx, req)
		if err != nil {
			return resp, err
		}
		resp.EmailResults = &email
		resp.Success = email.Success
		if email.Success {
			resp.Message = "Push failed, delivered by email"
		} else {
			resp.Message = "Push and email fallback both failed"
			resp.Error = email.Error
		}
		return resp, nil

	case ModeBoth:
		push, err := o.sendPush(ctx, req)
		if err != nil {
			return resp, err
		}
		email, err := o.sendEmail(ctx, req)
		if err != nil {
			return resp, err
		}
		resp.PushResults = &push
		resp.EmailResults = &email
		resp.Success = push.Success || email.Success
		switch {
		case push.Success && email.Success:
			resp.Message = "Delivered by push and email"
		case resp.Success:
			resp.Message = "Delivered on one channel"
		default:
			resp.Message = "Push and email both failed"
			resp.Error = fmt.Sprintf("push: %s; email: %s", push.Error, email.Error)
		}
		return resp, nil

	default:
		return OrchestrationResponse{Success: false, Message: "Unsupported mode", Error: fmt.Sprintf("mode %q is not supported", req.Mode)}, nil
	}
}

func (o *Orchestrator) sendPush(ctx context.Context, req OrchestrationRequest) (PushResponse, error) {
	title, content := req.Title, req.Content
	if title == "" && req.ContentKey != "" {
		title = req.ContentKey
	}
	return o.Push.Send(ctx, PushRequest{
		Title:           title,
		Content:         content,
		Users:           req.Users,
		RecipientSource: req.RecipientSource,
		Data:            req.TemplateVariables,
	})
}

func (o *Orchestrator) sendEmail(ctx context.Context, req OrchestrationRequest) (EmailResponse, error) {
	base := EmailRequest{
		EmailType:         req.EmailType,
		TemplateName:      req.ContentKey,
		Subject:           req.Title,
		Content:           req.Content,
		TemplateVariables: req.TemplateVariables,
	}
	if base.EmailType == "" {
		base.EmailType = "notification"
	}

	if req.RecipientSource != "" {
		base.RecipientSource = req.RecipientSource
		return o.Email.Send(ctx, base)
	}

	if o.Directory == nil {
		return EmailResponse{Success: false, Message: "No user directory configured", Error: "cannot resolve users to email addresses"}, nil
	}
	addresses, err := o.Directory.FetchUserEmails(ctx, req.Users)
	if err != nil {
		return EmailResponse{}, fmt.Errorf("failed to fetch user emails: %w", err)
	}
	if len(addresses) == 0 {
		return EmailResponse{Success: false, Message: "No email addresses found", Error: "none of the users has an email address"}, nil
	}

	sent := 0
	var lastErr string
	for _, addr := range addresses {
		r := base
		r.ToAddress = addr
		resp, err := o.Email.Send(ctx, r)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		if !resp.Success {
			lastErr = resp.Error
			continue
		}
		sent++
	}

	return EmailResponse{
		Success: sent > 0,
		Message: fmt.Sprintf("Sent %d of %d emails", sent, len(addresses)),
		Error:   lastErr,
	}, nil
}
