package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muaviaUsmani/planner/internal/clock"
	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/metrics"
	"github.com/muaviaUsmani/planner/internal/result"
	"github.com/muaviaUsmani/planner/internal/store"
	"github.com/muaviaUsmani/planner/internal/task"
	"github.com/muaviaUsmani/planner/internal/worker"
)

const (
	// DefaultPollInterval is how often the engine looks for due tasks
	DefaultPollInterval = time.Second
	// DefaultMaxInFlight bounds concurrent dispatches
	DefaultMaxInFlight = 16
	// DefaultStaleAfter is how long a task may sit in processing before the
	// engine assumes its process died
	DefaultStaleAfter = 10 * time.Minute

	recoveryLockTTL = time.Minute

	// finishAttempts bounds how often a result write is tried before the
	// task is left for stale recovery
	finishAttempts = 3
	finishBackoff  = 50 * time.Millisecond
)

// EngineConfig tunes the execution loop
type EngineConfig struct {
	PollInterval time.Duration
	MaxInFlight  int
	StaleAfter   time.Duration
}

// EngineStatus is a snapshot of the engine
type EngineStatus struct {
	Running  bool  `json:"running"`
	RAMTasks int   `json:"ramTasks"`
	InFlight int64 `json:"inFlight"`
}

// Engine polls the RAM tier and dispatches due tasks to their handlers
type Engine struct {
	sched    *Scheduler
	executor *worker.Executor
	results  result.Backend
	cfg      EngineConfig
	clock    clock.Clock
	log      logger.Logger
	metrics  *metrics.Collector

	sem      chan struct{}
	inFlight atomic.Int64
	wg       sync.WaitGroup
	// active holds the ids this engine is running; recovery skips them
	active sync.Map

	// lastRecovery is the UnixNano of the last stale scan, 0 before the first
	lastRecovery atomic.Int64

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithResultBackend records every execution in b
func WithResultBackend(b result.Backend) EngineOption {
	return func(e *Engine) { e.results = b }
}

// NewEngine creates the execution engine for s. Tasks run through executor.
func NewEngine(s *Scheduler, executor *worker.Executor, cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	e := &Engine{
		sched:    s,
		executor: executor,
		cfg:      cfg,
		clock:    s.clock,
		log:      s.log.WithComponent(logger.ComponentEngine),
		metrics:  s.metrics,
		sem:      make(chan struct{}, cfg.MaxInFlight),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start recovers stale tasks and starts the polling loop. Calling Start on a
// running engine does nothing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}

	e.runRecovery(ctx, e.clock.Now())

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running.Store(true)

	ticker := e.clock.NewTicker(e.cfg.PollInterval)
	go e.loop(loopCtx, ticker, e.done)

	e.log.Info("Engine started",
		"poll_interval", e.cfg.PollInterval,
		"max_in_flight", e.cfg.MaxInFlight,
		"horizon", e.sched.cfg.Horizon)
	return nil
}

func (e *Engine) loop(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.Tick(ctx)
		}
	}
}

// Stop ends the polling loop and waits for in-flight dispatches, so no task
// is left processing. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}

	e.cancel()
	<-e.done
	e.wg.Wait()
	e.running.Store(false)
	e.log.Info("Engine stopped")
}

// Status reports whether the loop runs and how much work it holds
func (e *Engine) Status() EngineStatus {
	return EngineStatus{
		Running:  e.running.Load(),
		RAMTasks: e.sched.ram.len(),
		InFlight: e.inFlight.Load(),
	}
}

// Tick recovers stale tasks every StaleAfter/2, promotes tasks entering the
// horizon, then claims and dispatches every due task while capacity lasts.
// Returns the number dispatched.
func (e *Engine) Tick(ctx context.Context) int {
	now := e.clock.Now()
	if last := e.lastRecovery.Load(); last == 0 || now.Sub(time.Unix(0, last)) >= e.cfg.StaleAfter/2 {
		e.runRecovery(ctx, now)
	}
	e.promote(ctx, now)

	dispatched := 0
	for _, t := range e.sched.ram.due(now) {
		if ctx.Err() != nil {
			break
		}
		select {
		case e.sem <- struct{}{}:
		default:
			e.log.Debug("Dispatch capacity reached, deferring remaining tasks", "max_in_flight", e.cfg.MaxInFlight)
			e.recordGauges()
			return dispatched
		}

		claimed, err := e.claim(ctx, t.ID)
		if err != nil {
			<-e.sem
			if task.KindOf(err) == task.KindConflict || task.KindOf(err) == task.KindNotFound {
				e.sched.ram.evict(t.ID)
				e.log.Debug("Task no longer claimable", "task_id", t.ID, "error", err)
			} else {
				e.log.Error("Failed to claim task", "task_id", t.ID, "error", err)
			}
			continue
		}

		e.active.Store(claimed.ID, struct{}{})
		e.inFlight.Add(1)
		e.wg.Add(1)
		dispatched++
		go e.dispatch(context.WithoutCancel(ctx), claimed)
	}

	e.recordGauges()
	return dispatched
}

// promote admits durable pending tasks that entered the horizon
func (e *Engine) promote(ctx context.Context, now time.Time) {
	due, err := e.sched.store.DuePending(ctx, now.Add(e.sched.cfg.Horizon))
	if err != nil {
		e.log.Error("Failed to load due tasks from store", "error", err)
		return
	}
	for _, t := range due {
		e.sched.ram.admit(t, now)
	}
}

func (e *Engine) claim(ctx context.Context, id string) (*task.Task, error) {
	return e.sched.transition(ctx, id, task.StatusPending, task.StatusProcessing, func(t *task.Task, now time.Time) {
		started := now
		t.StartedAt = &started
	})
}

func (e *Engine) dispatch(ctx context.Context, t *task.Task) {
	defer func() {
		e.active.Delete(t.ID)
		e.inFlight.Add(-1)
		<-e.sem
		e.wg.Done()
		e.recordGauges()
	}()

	e.metrics.RecordDispatched(t.Type)
	e.recordGauges()

	res, duration := e.executor.Execute(ctx, t)
	e.finish(ctx, t, res, duration)
}

// finish records the handler result: completed on success, back to pending
// when a retry is allowed, failed otherwise. Store errors are retried; a task
// whose result cannot be written stays processing until stale recovery.
func (e *Engine) finish(ctx context.Context, t *task.Task, res task.Result, duration time.Duration) {
	attempt := t.RetryCount + 1

	to := task.StatusFailed
	switch {
	case res.Success:
		to = task.StatusCompleted
	case res.Retryable() && t.RetriesLeft():
		to = task.StatusPending
	}

	var (
		updated *task.Task
		err     error
	)
	for try := 1; ; try++ {
		updated, err = e.sched.transition(ctx, t.ID, task.StatusProcessing, to, func(t *task.Task, now time.Time) {
			r := res
			t.Result = &r
			done := now

			switch to {
			case task.StatusCompleted:
				t.LastError = ""
				t.CompletedAt = &done
			case task.StatusPending:
				t.StartedAt = nil
				t.RetryCount++
				t.ExecuteAt = now.Add(t.RetryPolicy.Delay())
				t.LastError = failureText(res)
			default:
				t.LastError = failureText(res)
				t.CompletedAt = &done
			}
		})
		if err == nil || try == finishAttempts || !retryableWrite(err) {
			break
		}
		e.log.Warn("Failed to record task result, retrying", "task_id", t.ID, "attempt", try, "error", err)
		time.Sleep(time.Duration(try) * finishBackoff)
	}
	if err != nil {
		e.sched.ram.evict(t.ID)
		e.log.Error("Failed to record task result", "task_id", t.ID, "success", res.Success, "error", err)
		return
	}
	now := updated.UpdatedAt

	switch updated.Status {
	case task.StatusCompleted:
		e.metrics.RecordCompleted(updated.Type, duration)
		e.log.Info("Task completed", "task_id", updated.ID, "type", updated.Type, "duration", duration)
	case task.StatusPending:
		e.metrics.RecordRetried(updated.Type, duration)
		e.log.Warn("Task failed, retry scheduled",
			"task_id", updated.ID,
			"type", updated.Type,
			"retry", updated.RetryCount,
			"max_retries", updated.RetryPolicy.MaxRetries,
			"execute_at", updated.ExecuteAt,
			"error", updated.LastError)
	default:
		e.metrics.RecordFailed(updated.Type, duration)
		e.log.Error("Task failed",
			"task_id", updated.ID,
			"type", updated.Type,
			"kind", res.Kind,
			"attempt", attempt,
			"error", updated.LastError)
	}

	if e.results != nil {
		exec := &task.Execution{
			TaskID:      updated.ID,
			Status:      updated.Status,
			Result:      res,
			Attempt:     attempt,
			CompletedAt: now,
			Duration:    duration,
		}
		if err := e.results.StoreResult(ctx, exec); err != nil {
			e.log.Warn("Failed to store execution result", "task_id", updated.ID, "error", err)
		}
	}
}

func (e *Engine) runRecovery(ctx context.Context, now time.Time) {
	e.lastRecovery.Store(now.UnixNano())
	if err := e.recoverStale(ctx); err != nil {
		e.log.Error("Stale task recovery failed", "error", err)
	}
}

// recoverStale returns tasks left processing by a dead process, or whose
// result could not be written, to pending. With a shared store only the
// instance holding the recovery lock does this.
func (e *Engine) recoverStale(ctx context.Context) error {
	if locker, ok := e.sched.store.(store.Locker); ok {
		lock, err := locker.TryLock(ctx, "recovery", recoveryLockTTL)
		if err != nil {
			return err
		}
		if lock == nil {
			e.log.Debug("Another instance is recovering stale tasks")
			return nil
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				e.log.Warn("Failed to release recovery lock", "error", err)
			}
		}()
	}

	processing, err := e.sched.store.List(ctx, store.Filter{Statuses: []task.Status{task.StatusProcessing}})
	if err != nil {
		return err
	}

	now := e.clock.Now()
	cutoff := now.Add(-e.cfg.StaleAfter)
	recovered := 0
	for _, t := range processing {
		since := t.UpdatedAt
		if t.StartedAt != nil {
			since = *t.StartedAt
		}
		if since.After(cutoff) {
			continue
		}
		if _, running := e.active.Load(t.ID); running {
			continue
		}

		_, err := e.sched.transition(ctx, t.ID, task.StatusProcessing, task.StatusPending, func(t *task.Task, _ time.Time) {
			t.StartedAt = nil
			t.LastError = "recovered after being left processing"
		})
		if err != nil {
			e.log.Warn("Failed to recover stale task", "task_id", t.ID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		e.log.Warn("Recovered stale tasks", "count", recovered, "stale_after", e.cfg.StaleAfter)
	}
	return nil
}

func (e *Engine) recordGauges() {
	e.metrics.RecordInFlight(e.inFlight.Load(), int64(e.cfg.MaxInFlight))
	e.metrics.RecordRAMTier(e.sched.ram.len())
}

// wait blocks until every dispatch started so far has finished
func (e *Engine) wait() {
	e.wg.Wait()
}

// retryableWrite reports whether a failed status write may succeed if tried
// again. Conflicts and missing tasks will not.
func retryableWrite(err error) bool {
	switch task.KindOf(err) {
	case task.KindConflict, task.KindNotFound, task.KindValidation:
		return false
	}
	return true
}

func failureText(res task.Result) string {
	if res.Error != "" {
		return res.Error
	}
	return res.Message
}
