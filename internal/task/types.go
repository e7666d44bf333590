// Package task defines the scheduled task model shared by the scheduler,
// the durable stores and the channel handlers.
package task

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies which handler executes a task
type Type string

const (
	TypeEmail           Type = "email"
	TypePush            Type = "push"
	TypeOrchestration   Type = "orchestration"
	TypeCustom          Type = "custom"
	TypeIndividualEmail Type = "individual_email"
	TypeDatabaseUpdate  Type = "database_update"
)

var knownTypes = map[Type]struct{}{
	TypeEmail:           {},
	TypePush:            {},
	TypeOrchestration:   {},
	TypeCustom:          {},
	TypeIndividualEmail: {},
	TypeDatabaseUpdate:  {},
}

// Valid reports whether t is one of the closed set of task types
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns every known task type in sorted order
func Types() []Type {
	types := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ParseType converts a raw string into a Type, rejecting unknown values
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		names := make([]string, 0, len(knownTypes))
		for _, known := range Types() {
			names = append(names, string(known))
		}
		return "", Errorf(KindValidation, "Invalid task type %q. Allowed types: %s", s, strings.Join(names, ", "))
	}
	return t, nil
}

// Status represents the lifecycle state of a task
type Status string

const (
	// StatusPending indicates the task is waiting for its execution time
	StatusPending Status = "pending"
	// StatusProcessing indicates a handler is currently running the task
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the handler reported success
	StatusCompleted Status = "completed"
	// StatusFailed indicates the handler failed and no retries remain
	StatusFailed Status = "failed"
	// StatusCancelled indicates the task was cancelled before it ran
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransitionTo reports whether moving from s to next is allowed.
// processing -> pending is reserved for retries and stale recovery.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority represents the priority level of a task
type Priority string

const (
	// PriorityHigh tasks are listed and dispatched first
	PriorityHigh Priority = "high"
	// PriorityNormal is the default priority
	PriorityNormal Priority = "normal"
	// PriorityLow tasks are listed and dispatched last
	PriorityLow Priority = "low"
)

// Rank orders priorities high > normal > low. Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority validates a priority, defaulting empty input to normal
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	default:
		return "", Errorf(KindValidation, "Invalid priority %q. Allowed priorities: high, normal, low", s)
	}
}

// RetryPolicy controls how failed executions are retried
type RetryPolicy struct {
	MaxRetries   int   `json:"maxRetries"`
	RetryDelayMs int64 `json:"retryDelayMs"`
}

// Delay returns the backoff between attempts
func (p RetryPolicy) Delay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// RecipientVariables holds the template variables for one recipient of a
// fan-out task
type RecipientVariables struct {
	UserID    string         `json:"user_id"`
	Variables map[string]any `json:"variables"`
}

// Task represents a unit of work scheduled for future execution
type Task struct {
	// ID is the unique identifier for the task
	ID string `json:"id"`
	// Type selects the handler
	Type Type `json:"type"`
	// Data is the handler-specific payload
	Data Data `json:"data"`
	// ExecuteAt is when the task becomes due
	ExecuteAt time.Time `json:"executeAt"`
	// Priority determines listing and dispatch order
	Priority Priority `json:"priority"`
	// Status is the current lifecycle state
	Status Status `json:"status"`
	// RetryPolicy is optional; nil means failures are final
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`
	// RetryCount is the number of retries already scheduled
	RetryCount int `json:"retryCount"`

	SendIndividualMessages bool                 `json:"send_individual_messages"`
	PerUserVariables       []RecipientVariables `json:"per_user_variables,omitempty"`
	RecipientCount         *int                 `json:"recipient_count,omitempty"`

	// Metadata is a free-form diagnostic attachment
	Metadata map[string]any `json:"metadata,omitempty"`
	// Result is the last handler result, set once the task has run
	Result *Result `json:"result,omitempty"`
	// LastError is the error message of the last failed attempt
	LastError string `json:"lastError,omitempty"`

	// Seq is the store-assigned schedule order used to break priority ties
	Seq int64 `json:"seq"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New creates a pending task with a fresh ID
func New(t Type, data Data, executeAt time.Time, priority Priority) *Task {
	now := time.Now()
	if priority == "" {
		priority = PriorityNormal
	}
	return &Task{
		ID:        uuid.New().String(),
		Type:      t,
		Data:      data,
		ExecuteAt: executeAt,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdateStatus updates the task's status and UpdatedAt timestamp
func (t *Task) UpdateStatus(status Status, now time.Time) {
	t.Status = status
	t.UpdatedAt = now
}

// RetriesLeft reports whether another attempt may be scheduled
func (t *Task) RetriesLeft() bool {
	return t.RetryPolicy != nil && t.RetryCount < t.RetryPolicy.MaxRetries
}

// Clone returns a deep-enough copy for handing out of a cache: the slices and
// maps owned by the task are copied, their values are shared.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Data = t.Data.Clone()
	if t.RetryPolicy != nil {
		rp := *t.RetryPolicy
		c.RetryPolicy = &rp
	}
	if t.PerUserVariables != nil {
		c.PerUserVariables = append([]RecipientVariables(nil), t.PerUserVariables...)
	}
	if t.RecipientCount != nil {
		n := *t.RecipientCount
		c.RecipientCount = &n
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

// String implements fmt.Stringer for log lines
func (t *Task) String() string {
	return fmt.Sprintf("%s[%s %s %s]", t.Type, t.ID, t.Status, t.ExecuteAt.Format(time.RFC3339))
}
