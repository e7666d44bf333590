package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/muaviaUsmani/planner/internal/logger"
)

// LogEmailService "sends" email by logging it. It stands in for a real
// provider when the planner runs without one.
type LogEmailService struct {
	log logger.Logger
}

// NewLogEmailService creates a LogEmailService
func NewLogEmailService() *LogEmailService {
	return &LogEmailService{log: logger.Default().WithComponent(logger.ComponentDelivery)}
}

// Send implements EmailService
func (s *LogEmailService) Send(ctx context.Context, req EmailRequest) (EmailResponse, error) {
	if req.ToAddress == "" && req.RecipientSource == "" {
		return EmailResponse{Success: false, Message: "No recipients specified", Error: "to_address or recipient_source is required"}, nil
	}

	id := uuid.NewString()
	s.log.InfoContext(ctx, "Email sent",
		"email_id", id,
		"email_type", req.EmailType,
		"template", req.TemplateName,
		"to", req.ToAddress,
		"recipient_source", req.RecipientSource,
		"subject", req.Subject)

	resp := EmailResponse{Success: true, Message: "Email sent", EmailID: id}
	if req.RecipientSource != "" && req.ToAddress == "" {
		resp = EmailResponse{Success: true, Message: "Email workflow started", WorkflowID: id}
	}
	return resp, nil
}

// LogPushService "sends" push notifications by logging them
type LogPushService struct {
	log logger.Logger
}

// NewLogPushService creates a LogPushService
func NewLogPushService() *LogPushService {
	return &LogPushService{log: logger.Default().WithComponent(logger.ComponentDelivery)}
}

// Send implements PushService
func (s *LogPushService) Send(ctx context.Context, req PushRequest) (PushResponse, error) {
	if len(req.Users) == 0 && req.RecipientSource == "" {
		return PushResponse{Success: false, Message: "No recipients specified", Error: "users or recipient_source is required"}, nil
	}

	tickets := make([]string, 0, len(req.Users))
	for range req.Users {
		tickets = append(tickets, uuid.NewString())
	}
	if len(tickets) == 0 {
		tickets = append(tickets, uuid.NewString())
	}

	s.log.InfoContext(ctx, "Push notification sent",
		"title", req.Title,
		"users", len(req.Users),
		"recipient_source", req.RecipientSource,
		"tickets", len(tickets))

	return PushResponse{
		Success:   true,
		Message:   fmt.Sprintf("Push sent to %d device tickets", len(tickets)),
		TicketIDs: tickets,
	}, nil
}
