package task

import (
	"time"
)

// Result is what a handler returns for one execution. Handlers never change
// task status themselves; the scheduler interprets the result.
type Result struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Kind     Kind           `json:"kind,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Fan-out accounting, set by handlers that send to several recipients
	SuccessCount int               `json:"successCount,omitempty"`
	FailureCount int               `json:"failureCount,omitempty"`
	Recipients   []RecipientResult `json:"results,omitempty"`
}

// RecipientResult is the outcome of one per-recipient send
type RecipientResult struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	EmailID string `json:"emailId,omitempty"`
}

// Succeeded builds a successful result
func Succeeded(message string, metadata map[string]any) Result {
	return Result{Success: true, Message: message, Metadata: metadata}
}

// Failed builds a failed result of the given kind
func Failed(kind Kind, message, errMsg string) Result {
	return Result{Success: false, Kind: kind, Message: message, Error: errMsg}
}

// FailedWith builds a failed result from a Go error; *Error values keep their
// kind and message, anything else is unexpected.
func FailedWith(err error, message string) Result {
	kind := KindOf(err)
	if te, ok := err.(*Error); ok && message == "" {
		return Failed(te.Kind, te.Message, errString(te.Err))
	}
	return Failed(kind, message, err.Error())
}

// Retryable reports whether a failed result may be retried. Validation and
// missing-handler failures are deterministic and never retried.
func (r Result) Retryable() bool {
	if r.Success {
		return false
	}
	return r.Kind != KindValidation && r.Kind != KindHandlerMissing
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Execution records one completed dispatch of a task
type Execution struct {
	// TaskID is the unique identifier of the task
	TaskID string `json:"task_id"`

	// Status is the status the task moved to after this execution
	// (completed, failed, or pending when a retry was scheduled)
	Status Status `json:"status"`

	// Result is the handler result
	Result Result `json:"result"`

	// Attempt is 1 for the first run and increases with each retry
	Attempt int `json:"attempt"`

	// CompletedAt is when the handler returned
	CompletedAt time.Time `json:"completed_at"`

	// Duration is how long the handler ran
	Duration time.Duration `json:"duration"`
}

// IsSuccess returns true if the execution completed the task
func (e *Execution) IsSuccess() bool {
	return e.Status == StatusCompleted
}

// IsFailed returns true if the execution left the task failed
func (e *Execution) IsFailed() bool {
	return e.Status == StatusFailed
}
