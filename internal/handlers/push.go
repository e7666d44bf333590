package handlers

import (
	"context"

	"github.com/muaviaUsmani/planner/internal/delivery"
	"github.com/muaviaUsmani/planner/internal/task"
)

// PushInput is the typed payload of a push task
type PushInput struct {
	Title           string         `json:"title"`
	Content         string         `json:"content"`
	Users           []string       `json:"users"`
	RecipientSource string         `json:"recipient_source"`
	Data            map[string]any `json:"data"`
}

// PushHandler sends a push notification through the PushService
type PushHandler struct {
	push delivery.PushService
}

// NewPushHandler creates a PushHandler
func NewPushHandler(push delivery.PushService) *PushHandler {
	return &PushHandler{push: push}
}

// Name implements worker.Handler
func (h *PushHandler) Name() string { return "PushHandler" }

func (h *PushHandler) parse(data task.Data) (PushInput, error) {
	var in PushInput
	if err := decode(data, &in); err != nil {
		return in, err
	}
	if in.Title == "" || in.Content == "" {
		return in, task.Errorf(task.KindValidation, "title and content are required")
	}
	if len(in.Users) == 0 && in.RecipientSource == "" {
		return in, task.Errorf(task.KindValidation, "No recipients specified")
	}
	return in, nil
}

// Validate implements worker.Validator
func (h *PushHandler) Validate(data task.Data) error {
	_, err := h.parse(data)
	return err
}

// Execute implements worker.Handler
func (h *PushHandler) Execute(ctx context.Context, data task.Data) task.Result {
	in, err := h.parse(data)
	if err != nil {
		return invalid(err)
	}

	resp, err := h.push.Send(ctx, delivery.PushRequest{
		Title:           in.Title,
		Content:         in.Content,
		Users:           in.Users,
		RecipientSource: in.RecipientSource,
		Data:            in.Data,
	})
	if err != nil {
		return task.Failed(task.KindUnexpected, "Push handler execution failed", err.Error())
	}
	if !resp.Success {
		return task.Failed(task.KindProvider, resp.Message, resp.Error)
	}

	return task.Succeeded(resp.Message, map[string]any{
		"ticketIds":   resp.TicketIDs,
		"processedAt": processedAt(),
	})
}
