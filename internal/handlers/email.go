package handlers

import (
	"context"

	"github.com/muaviaUsmani/planner/internal/delivery"
	"github.com/muaviaUsmani/planner/internal/task"
)

// EmailInput is the typed payload of an email task
type EmailInput struct {
	EmailType         string         `json:"email_type"`
	TemplateName      string         `json:"template_name"`
	Subject           string         `json:"subject"`
	Content           string         `json:"content"`
	ToAddress         string         `json:"to_address"`
	RecipientSource   string         `json:"recipient_source"`
	FromAddress       string         `json:"from_address"`
	TemplateVariables map[string]any `json:"template_variables"`
}

// validateBase checks the fields every email needs, recipients aside
func (in EmailInput) validateBase() error {
	if in.EmailType == "" {
		return task.Errorf(task.KindValidation, "email_type is required")
	}
	if in.TemplateName == "" && in.Content == "" {
		return task.Errorf(task.KindValidation, "template_name or content is required")
	}
	return nil
}

func (in EmailInput) request() delivery.EmailRequest {
	return delivery.EmailRequest{
		EmailType:         in.EmailType,
		TemplateName:      in.TemplateName,
		Subject:           in.Subject,
		Content:           in.Content,
		ToAddress:         in.ToAddress,
		RecipientSource:   in.RecipientSource,
		FromAddress:       in.FromAddress,
		TemplateVariables: in.TemplateVariables,
	}
}

// EmailHandler sends one email through the EmailService
type EmailHandler struct {
	email delivery.EmailService
}

// NewEmailHandler creates an EmailHandler
func NewEmailHandler(email delivery.EmailService) *EmailHandler {
	return &EmailHandler{email: email}
}

// Name implements worker.Handler
func (h *EmailHandler) Name() string { return "EmailHandler" }

func (h *EmailHandler) parse(data task.Data) (EmailInput, error) {
	var in EmailInput
	if err := decode(data, &in); err != nil {
		return in, err
	}
	if err := in.validateBase(); err != nil {
		return in, err
	}
	if in.ToAddress == "" && in.RecipientSource == "" {
		return in, task.Errorf(task.KindValidation, "No recipients specified")
	}
	return in, nil
}

// Validate implements worker.Validator
func (h *EmailHandler) Validate(data task.Data) error {
	_, err := h.parse(data)
	return err
}

// Execute implements worker.Handler
func (h *EmailHandler) Execute(ctx context.Context, data task.Data) task.Result {
	in, err := h.parse(data)
	if err != nil {
		return invalid(err)
	}

	resp, err := h.email.Send(ctx, in.request())
	if err != nil {
		return task.Failed(task.KindUnexpected, "Email handler execution failed", err.Error())
	}
	if !resp.Success {
		return task.Failed(task.KindProvider, resp.Message, resp.Error)
	}

	md := map[string]any{
		"template":    in.TemplateName,
		"email_type":  in.EmailType,
		"processedAt": processedAt(),
	}
	if resp.EmailID != "" {
		md["emailId"] = resp.EmailID
	}
	if resp.WorkflowID != "" {
		md["workflowId"] = resp.WorkflowID
	}
	return task.Succeeded(resp.Message, md)
}
