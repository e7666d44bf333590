// Package scheduler accepts delayed tasks, keeps them in the durable store
// and a near-term RAM tier, and runs the engine that dispatches them.
package scheduler

import (
	"context"
	"time"

	"github.com/muaviaUsmani/planner/internal/clock"
	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/metrics"
	"github.com/muaviaUsmani/planner/internal/store"
	"github.com/muaviaUsmani/planner/internal/task"
)

// DefaultHorizon is how far ahead tasks are held in the RAM tier
const DefaultHorizon = time.Hour

// Config tunes the scheduler
type Config struct {
	// Horizon is how far ahead of now a task must be due to sit in RAM
	Horizon time.Duration
	// CleanupFailed makes Cleanup also purge failed tasks
	CleanupFailed bool
	// DefaultRetry applies to tasks scheduled without a retry policy when
	// MaxRetries > 0
	DefaultRetry task.RetryPolicy
	// DisableRAMTier keeps tasks out of RAM. Set it when this process runs
	// no engine: only the engine keeps the tier in step with the store.
	DisableRAMTier bool
}

// Input describes a task to schedule
type Input struct {
	Type                   task.Type
	Data                   task.Data
	ExecuteAt              time.Time
	Priority               task.Priority
	RetryPolicy            *task.RetryPolicy
	SendIndividualMessages bool
	PerUserVariables       []task.RecipientVariables
	RecipientCount         *int
	Metadata               map[string]any
}

// StatusInfo is the lightweight view returned by GetStatus
type StatusInfo struct {
	ID         string        `json:"id"`
	Type       task.Type     `json:"type"`
	Status     task.Status   `json:"status"`
	Priority   task.Priority `json:"priority"`
	ExecuteAt  time.Time     `json:"executeAt"`
	RetryCount int           `json:"retryCount"`
	LastError  string        `json:"lastError,omitempty"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Stats counts tasks by status. The per-status counts sum to Total.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	RAMTasks   int `json:"ramTasks"`
}

// Scheduler is the only writer of task status
type Scheduler struct {
	store   store.Store
	ram     *ramTier
	cfg     Config
	clock   clock.Clock
	log     logger.Logger
	metrics *metrics.Collector
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger replaces the default logger
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) { s.log = l.WithComponent(logger.ComponentScheduler) }
}

// WithMetrics replaces the global metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler over st
func New(st store.Store, cfg Config, opts ...Option) *Scheduler {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	s := &Scheduler{
		store:   st,
		cfg:     cfg,
		clock:   clock.Real(),
		log:     logger.Default().WithComponent(logger.ComponentScheduler),
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ram = newRAMTier(cfg.Horizon, cfg.DisableRAMTier)
	return s
}

// Store returns the durable store
func (s *Scheduler) Store() store.Store {
	return s.store
}

// Horizon returns the RAM tier horizon
func (s *Scheduler) Horizon() time.Duration {
	return s.cfg.Horizon
}

// Schedule validates in, persists it and returns the new task id. Nothing is
// persisted when validation fails.
func (s *Scheduler) Schedule(ctx context.Context, in Input) (string, error) {
	t, err := s.build(in)
	if err != nil {
		return "", err
	}

	inRAM, err := s.ram.admitAfter(t, s.clock.Now(), func() error {
		return s.store.Create(ctx, t)
	})
	if err != nil {
		return "", storeErr(err, "Failed to schedule task")
	}
	s.metrics.RecordScheduled(t.Type, t.Priority)
	s.log.Info("Task scheduled",
		"task_id", t.ID,
		"type", t.Type,
		"priority", t.Priority,
		"execute_at", t.ExecuteAt,
		"ram", inRAM)
	return t.ID, nil
}

func (s *Scheduler) build(in Input) (*task.Task, error) {
	typ, err := task.ParseType(string(in.Type))
	if err != nil {
		return nil, err
	}
	priority, err := task.ParsePriority(string(in.Priority))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !in.ExecuteAt.After(now) {
		return nil, task.Errorf(task.KindValidation, "Cannot schedule tasks for the past")
	}
	if err := task.ValidateRecipients(in.SendIndividualMessages, in.PerUserVariables, in.RecipientCount); err != nil {
		return nil, err
	}

	retry := in.RetryPolicy
	if retry != nil {
		if retry.MaxRetries < 0 || retry.RetryDelayMs < 0 {
			return nil, task.Errorf(task.KindValidation, "retryPolicy values must not be negative")
		}
		rp := *retry
		retry = &rp
	} else if s.cfg.DefaultRetry.MaxRetries > 0 {
		rp := s.cfg.DefaultRetry
		retry = &rp
	}

	data := in.Data
	if data == nil {
		data = task.Data{}
	}

	t := task.New(typ, data.Clone(), in.ExecuteAt, priority)
	t.CreatedAt = now
	t.UpdatedAt = now
	t.RetryPolicy = retry
	t.SendIndividualMessages = in.SendIndividualMessages
	t.PerUserVariables = in.PerUserVariables
	t.RecipientCount = in.RecipientCount
	t.Metadata = in.Metadata
	return t, nil
}

// GetTask reads the task from the durable store. The RAM tier is never
// consulted: engines in other processes update the store, not this tier.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err, "Failed to get task")
	}
	return t, nil
}

// GetStatus returns nil for unknown ids; it never fails
func (s *Scheduler) GetStatus(ctx context.Context, id string) *StatusInfo {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		if task.KindOf(err) != task.KindNotFound {
			s.log.Warn("Failed to get task status", "task_id", id, "error", err)
		}
		return nil
	}
	return &StatusInfo{
		ID:         t.ID,
		Type:       t.Type,
		Status:     t.Status,
		Priority:   t.Priority,
		ExecuteAt:  t.ExecuteAt,
		RetryCount: t.RetryCount,
		LastError:  t.LastError,
		UpdatedAt:  t.UpdatedAt,
	}
}

// Cancel moves a pending task to cancelled
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	t, err := s.transition(ctx, id, task.StatusPending, task.StatusCancelled, nil)
	if err != nil {
		return transitionErr(err, "Only pending tasks can be cancelled")
	}

	s.metrics.RecordCancelled(t.Type)
	s.log.Info("Task cancelled", "task_id", id)
	return nil
}

// Reschedule moves a pending task to a new execution time
func (s *Scheduler) Reschedule(ctx context.Context, id string, at time.Time) error {
	now := s.clock.Now()
	if !at.After(now) {
		return task.Errorf(task.KindValidation, "Cannot schedule tasks for the past")
	}

	t, err := s.transition(ctx, id, task.StatusPending, task.StatusPending, func(t *task.Task, _ time.Time) {
		t.ExecuteAt = at
	})
	if err != nil {
		return transitionErr(err, "Only pending tasks can be rescheduled")
	}

	_, inRAM := s.ram.get(t.ID)
	s.log.Info("Task rescheduled", "task_id", id, "execute_at", at, "ram", inRAM)
	return nil
}

// transition is the single path for status writes. It refuses moves the
// status table does not allow, applies mutate to the stored task while it is
// still in from, stamps the new status and refreshes the RAM tier. from == to
// edits a live task in place.
func (s *Scheduler) transition(ctx context.Context, id string, from, to task.Status, mutate func(t *task.Task, now time.Time)) (*task.Task, error) {
	if (from == to && from.Terminal()) || (from != to && !from.CanTransitionTo(to)) {
		return nil, task.Errorf(task.KindConflict, "Cannot move task %s from %s to %s", id, from, to)
	}

	now := s.clock.Now()
	t, err := s.store.Transition(ctx, id, from, func(t *task.Task) {
		if mutate != nil {
			mutate(t, now)
		}
		t.UpdateStatus(to, now)
	})
	if err != nil {
		return nil, err
	}
	s.ram.admit(t, now)
	return t, nil
}

// ListPendingTasks returns pending tasks, high priority first and in
// schedule order within a priority
func (s *Scheduler) ListPendingTasks(ctx context.Context) ([]*task.Task, error) {
	tasks, err := s.store.List(ctx, store.Filter{Statuses: []task.Status{task.StatusPending}})
	if err != nil {
		return nil, storeErr(err, "Failed to list pending tasks")
	}
	sortByPriority(tasks)
	return tasks, nil
}

// ListAllTasks returns every task in schedule order
func (s *Scheduler) ListAllTasks(ctx context.Context) ([]*task.Task, error) {
	tasks, err := s.store.List(ctx, store.Filter{})
	if err != nil {
		return nil, storeErr(err, "Failed to list tasks")
	}
	return tasks, nil
}

// GetStats counts tasks by status
func (s *Scheduler) GetStats(ctx context.Context) (Stats, error) {
	tasks, err := s.store.List(ctx, store.Filter{})
	if err != nil {
		return Stats{}, storeErr(err, "Failed to get stats")
	}

	stats := Stats{Total: len(tasks), RAMTasks: s.ram.len()}
	for _, t := range tasks {
		switch t.Status {
		case task.StatusPending:
			stats.Pending++
		case task.StatusProcessing:
			stats.Processing++
		case task.StatusCompleted:
			stats.Completed++
		case task.StatusFailed:
			stats.Failed++
		case task.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Cleanup deletes completed and cancelled tasks, plus failed ones when
// configured, and returns how many were removed
func (s *Scheduler) Cleanup(ctx context.Context) (int, error) {
	statuses := []task.Status{task.StatusCompleted, task.StatusCancelled}
	if s.cfg.CleanupFailed {
		statuses = append(statuses, task.StatusFailed)
	}

	tasks, err := s.store.List(ctx, store.Filter{Statuses: statuses})
	if err != nil {
		return 0, storeErr(err, "Failed to list tasks for cleanup")
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	n, err := s.store.Delete(ctx, ids...)
	if err != nil {
		return 0, storeErr(err, "Failed to delete tasks")
	}
	s.ram.evict(ids...)

	s.log.Info("Cleaned up tasks", "removed", n, "include_failed", s.cfg.CleanupFailed)
	return n, nil
}

// storeErr keeps domain errors and wraps anything else as unexpected
func storeErr(err error, message string) error {
	if _, ok := err.(*task.Error); ok {
		return err
	}
	return task.Wrap(task.KindUnexpected, err, message)
}

func transitionErr(err error, conflictMessage string) error {
	if task.KindOf(err) == task.KindConflict {
		return task.Wrap(task.KindConflict, err, conflictMessage)
	}
	return storeErr(err, "Failed to update task")
}
