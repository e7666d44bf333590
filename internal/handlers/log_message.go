package handlers

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/task"
)

// LogMessageHandler writes the task's message to the log. It backs the
// custom task type.
type LogMessageHandler struct {
	log logger.Logger
	now func() time.Time
}

// NewLogMessageHandler creates a LogMessageHandler writing to l
func NewLogMessageHandler(l logger.Logger) *LogMessageHandler {
	return &LogMessageHandler{log: l, now: time.Now}
}

// Name implements worker.Handler
func (h *LogMessageHandler) Name() string { return "LogMessageHandler" }

type logMessageInput struct {
	message   string
	level     logger.LogLevel
	timestamp time.Time
}

func (h *LogMessageHandler) parse(data task.Data) (logMessageInput, error) {
	if data == nil {
		return logMessageInput{}, task.Errorf(task.KindValidation, "Invalid data: expected an object")
	}
	msg, ok := data["message"].(string)
	if !ok {
		return logMessageInput{}, task.Errorf(task.KindValidation, "message is required and must be a string")
	}

	in := logMessageInput{message: msg, level: logger.LevelInfo, timestamp: h.now()}

	if raw, ok := data["level"]; ok && raw != nil {
		s, _ := raw.(string)
		level, err := logger.ParseLevel(s)
		if err != nil {
			return logMessageInput{}, task.Errorf(task.KindValidation, "Invalid level %v: must be one of debug, info, warn, error", raw)
		}
		in.level = level
	}

	if raw, ok := data["timestamp"]; ok && raw != nil {
		s, _ := raw.(string)
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return logMessageInput{}, task.Errorf(task.KindValidation, "Invalid timestamp %v: must be RFC3339", raw)
		}
		in.timestamp = ts
	}

	return in, nil
}

// Validate implements worker.Validator
func (h *LogMessageHandler) Validate(data task.Data) error {
	_, err := h.parse(data)
	return err
}

// Execute implements worker.Handler
func (h *LogMessageHandler) Execute(ctx context.Context, data task.Data) task.Result {
	in, err := h.parse(data)
	if err != nil {
		return invalid(err)
	}

	h.log.Log(ctx, in.level, in.message)

	return task.Succeeded("Message logged", map[string]any{
		"loggedAt":      in.timestamp.UTC().Format(time.RFC3339),
		"level":         string(in.level),
		"messageLength": utf8.RuneCountInString(in.message),
	})
}
