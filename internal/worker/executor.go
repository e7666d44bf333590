package worker

import (
	"context"
	"errors"
	"time"

	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/metrics"
	"github.com/muaviaUsmani/planner/internal/task"
)

// Executor runs a single task through the registry with a deadline
type Executor struct {
	registry *Registry
	timeout  time.Duration
	metrics  *metrics.Collector
	log      logger.Logger
}

// NewExecutor creates an executor recording recipient counts in m, or in the
// global collector when m is nil. A timeout of zero disables the per-task
// deadline.
func NewExecutor(registry *Registry, timeout time.Duration, m *metrics.Collector) *Executor {
	if m == nil {
		m = metrics.Default()
	}
	return &Executor{
		registry: registry,
		timeout:  timeout,
		metrics:  m,
		log:      logger.Default().WithComponent(logger.ComponentHandler).WithSource(logger.LogSourceTask),
	}
}

// Registry returns the registry the executor dispatches through
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs t's handler and returns its result and how long it took.
// Handler failures are reported in the result, never as a Go error.
func (e *Executor) Execute(ctx context.Context, t *task.Task) (task.Result, time.Duration) {
	ctx = logger.WithTaskID(ctx, t.ID)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.log.InfoContext(ctx, "Executing task", "type", t.Type, "priority", t.Priority, "attempt", t.RetryCount+1)

	start := time.Now()
	result := e.registry.Execute(ctx, t.Type, t.HandlerData())
	duration := time.Since(start)

	if !result.Success {
		if result.Kind == "" {
			result.Kind = task.KindUnexpected
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && result.Error == "" {
			result.Error = "task execution timed out after " + e.timeout.String()
		}
	}

	if result.SuccessCount > 0 || result.FailureCount > 0 {
		e.metrics.RecordRecipients(result.SuccessCount, result.FailureCount)
	}

	if result.Success {
		e.log.InfoContext(ctx, "Task handler succeeded", "type", t.Type, "duration", duration)
	} else {
		e.log.WarnContext(ctx, "Task handler failed",
			"type", t.Type,
			"duration", duration,
			"kind", result.Kind,
			"message", result.Message,
			"error", result.Error)
	}

	return result, duration
}
