// Package delivery defines the collaborators the channel handlers deliver
// through, plus small reference implementations used by the planner binary.
package delivery

import "context"

// EmailRequest is a single email send
type EmailRequest struct {
	EmailType         string         `json:"email_type"`
	TemplateName      string         `json:"template_name,omitempty"`
	Subject           string         `json:"subject,omitempty"`
	Content           string         `json:"content,omitempty"`
	ToAddress         string         `json:"to_address,omitempty"`
	RecipientSource   string         `json:"recipient_source,omitempty"`
	FromAddress       string         `json:"from_address,omitempty"`
	TemplateVariables map[string]any `json:"template_variables,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// EmailResponse is the provider's answer to an EmailRequest. Success false
// is a provider-reported failure; a Go error from Send is a transport failure.
type EmailResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	EmailID    string `json:"emailId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PushRequest is a push notification to a set of users
type PushRequest struct {
	Title           string         `json:"title"`
	Content         string         `json:"content"`
	Users           []string       `json:"users,omitempty"`
	RecipientSource string         `json:"recipient_source,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// PushResponse is the provider's answer to a PushRequest
type PushResponse struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message,omitempty"`
	TicketIDs []string `json:"ticketIds,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Orchestration modes
const (
	ModePushPreferred = "push_preferred"
	ModeBoth          = "both"
)

// OrchestrationRequest asks for a push and/or email notification per Mode
type OrchestrationRequest struct {
	Mode              string         `json:"mode"`
	Users             []string       `json:"users,omitempty"`
	RecipientSource   string         `json:"recipient_source,omitempty"`
	Title             string         `json:"title,omitempty"`
	Content           string         `json:"content,omitempty"`
	ContentKey        string         `json:"content_key,omitempty"`
	ContentSource     string         `json:"content_source,omitempty"`
	EmailType         string         `json:"email_type,omitempty"`
	TemplateVariables map[string]any `json:"template_variables,omitempty"`
}

// OrchestrationResponse reports the combined outcome and each channel's part
type OrchestrationResponse struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message,omitempty"`
	WorkflowID   string         `json:"workflowId,omitempty"`
	PushResults  *PushResponse  `json:"push_results,omitempty"`
	EmailResults *EmailResponse `json:"email_results,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// EmailService delivers one email
type EmailService interface {
	Send(ctx context.Context, req EmailRequest) (EmailResponse, error)
}

// PushService delivers one push notification
type PushService interface {
	Send(ctx context.Context, req PushRequest) (PushResponse, error)
}

// NotificationOrchestrator composes push and email per mode
type NotificationOrchestrator interface {
	Send(ctx context.Context, req OrchestrationRequest) (OrchestrationResponse, error)
}

// UserDirectory resolves user ids to email addresses. The result follows the
// order of userIDs; unknown ids are skipped, so callers detect gaps by length.
type UserDirectory interface {
	FetchUserEmails(ctx context.Context, userIDs []string) ([]string, error)
}
