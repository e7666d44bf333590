package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/planner/internal/clock"
	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/metrics"
	"github.com/muaviaUsmani/planner/internal/serialization"
	"github.com/muaviaUsmani/planner/internal/store"
	"github.com/muaviaUsmani/planner/internal/task"
	"github.com/muaviaUsmani/planner/internal/worker"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRedisStore(t *testing.T) (*store.RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStore(client, "test", serialization.NewJSONSerializer())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func setupSQLiteStore(t *testing.T) *store.SQLiteStore {
	s, err := store.OpenSQLite(context.Background(), ":memory:", serialization.NewJSONSerializer())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newScheduler(st store.Store, cfg Config) (*Scheduler, *clock.Fake) {
	clk := clock.NewFake(base)
	s := New(st, cfg,
		WithClock(clk),
		WithLogger(&logger.NoOpLogger{}),
		WithMetrics(metrics.NewCollector()))
	return s, clk
}

func setupScheduler(t *testing.T, cfg Config) (*Scheduler, *clock.Fake, *store.RedisStore) {
	st, _ := setupRedisStore(t)
	s, clk := newScheduler(st, cfg)
	return s, clk, st
}

func input(at time.Time, p task.Priority) Input {
	return Input{
		Type:      task.TypeCustom,
		Data:      task.Data{"message": "hello"},
		ExecuteAt: at,
		Priority:  p,
	}
}

// complete drives a task through processing to status using the store
func complete(t *testing.T, st store.Store, id string, status task.Status) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.Transition(ctx, id, task.StatusPending, func(t *task.Task) { t.Status = task.StatusProcessing }); err != nil {
		t.Fatalf("failed to claim %s: %v", id, err)
	}
	if status == task.StatusProcessing {
		return
	}
	if _, err := st.Transition(ctx, id, task.StatusProcessing, func(t *task.Task) { t.Status = status }); err != nil {
		t.Fatalf("failed to finish %s: %v", id, err)
	}
}

func TestNew_Defaults(t *testing.T) {
	st, _ := setupRedisStore(t)
	s := New(st, Config{})

	if s.Horizon() != DefaultHorizon {
		t.Errorf("expected default horizon %v, got %v", DefaultHorizon, s.Horizon())
	}
	if s.Store() != st {
		t.Error("expected Store() to return the configured store")
	}
}

func TestSchedule_PersistsAndAdmitsImminentTask(t *testing.T) {
	s, _, st := setupScheduler(t, Config{})
	ctx := context.Background()

	id, err := s.Schedule(ctx, input(base.Add(10*time.Minute), ""))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected an id")
	}

	stored, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("expected task in store: %v", err)
	}
	if stored.Status != task.StatusPending || stored.Priority != task.PriorityNormal {
		t.Errorf("expected pending normal task, got %s %s", stored.Status, stored.Priority)
	}
	if !stored.CreatedAt.Equal(base) {
		t.Errorf("expected CreatedAt from the clock, got %v", stored.CreatedAt)
	}
	if _, ok := s.ram.get(id); !ok {
		t.Error("expected imminent task in RAM tier")
	}
}

func TestSchedule_FarFutureStaysOutOfRAM(t *testing.T) {
	s, _, _ := setupScheduler(t, Config{Horizon: time.Hour})
	ctx := context.Background()

	id, err := s.Schedule(ctx, input(base.Add(2*time.Hour), task.PriorityHigh))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if s.ram.len() != 0 {
		t.Errorf("expected empty RAM tier, got %d", s.ram.len())
	}

	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask should fall back to the store: %v", err)
	}
	if got.Priority != task.PriorityHigh {
		t.Errorf("expected high priority, got %s", got.Priority)
	}
}

func TestSchedule_Validation(t *testing.T) {
	two := 2
	tests := []struct {
		name    string
		mutate  func(in *Input)
		wantMsg string
	}{
		{"unknown type", func(in *Input) { in.Type = "sms" }, "Invalid task type"},
		{"past", func(in *Input) { in.ExecuteAt = base.Add(-time.Second) }, "Cannot schedule tasks for the past"},
		{"now", func(in *Input) { in.ExecuteAt = base }, "Cannot schedule tasks for the past"},
		{"bad priority", func(in *Input) { in.Priority = "urgent" }, "Invalid priority"},
		{"individual without recipients", func(in *Input) { in.SendIndividualMessages = true }, "per_user_variables is required"},
		{"empty user id", func(in *Input) {
			in.SendIndividualMessages = true
			in.PerUserVariables = []task.RecipientVariables{
				{UserID: "u1", Variables: map[string]any{}},
				{UserID: "", Variables: map[string]any{}},
			}
		}, "Invalid user_id at index 1"},
		{"nil variables", func(in *Input) {
			in.SendIndividualMessages = true
			in.PerUserVariables = []task.RecipientVariables{{UserID: "u1"}}
		}, "Invalid variables at index 0"},
		{"count mismatch", func(in *Input) {
			in.SendIndividualMessages = true
			in.PerUserVariables = []task.RecipientVariables{{UserID: "u1", Variables: map[string]any{}}}
			in.RecipientCount = &two
		}, "recipient_count (2) does not match per_user_variables length (1)"},
		{"negative retries", func(in *Input) { in.RetryPolicy = &task.RetryPolicy{MaxRetries: -1} }, "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, st := setupScheduler(t, Config{})
			ctx := context.Background()

			in := input(base.Add(time.Minute), "")
			tt.mutate(&in)
			id, err := s.Schedule(ctx, in)

			if !errors.Is(err, task.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %q", tt.wantMsg, err.Error())
			}
			if id != "" {
				t.Errorf("expected no id, got %s", id)
			}
			all, _ := st.List(ctx, store.Filter{})
			if len(all) != 0 {
				t.Errorf("expected nothing persisted, got %d tasks", len(all))
			}
		})
	}
}

func TestSchedule_IndividualMessaging(t *testing.T) {
	s, _, _ := setupScheduler(t, Config{})
	ctx := context.Background()

	count := 2
	in := input(base.Add(time.Minute), "")
	in.Type = task.TypeIndividualEmail
	in.SendIndividualMessages = true
	in.PerUserVariables = []task.RecipientVariables{
		{UserID: "u1", Variables: map[string]any{"firstName": "Ann"}},
		{UserID: "u2", Variables: map[string]any{}},
	}
	in.RecipientCount = &count

	id, err := s.Schedule(ctx, in)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	got, _ := s.GetTask(ctx, id)
	if !got.SendIndividualMessages || len(got.PerUserVariables) != 2 || *got.RecipientCount != 2 {
		t.Errorf("recipient fields not kept: %+v", got)
	}
}

func TestSchedule_DefaultRetryPolicy(t *testing.T) {
	s, _, _ := setupScheduler(t, Config{DefaultRetry: task.RetryPolicy{MaxRetries: 3, RetryDelayMs: 500}})
	ctx := context.Background()

	id, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
	got, _ := s.GetTask(ctx, id)
	if got.RetryPolicy == nil || got.RetryPolicy.MaxRetries != 3 {
		t.Errorf("expected default retry policy, got %+v", got.RetryPolicy)
	}

	in := input(base.Add(time.Minute), "")
	in.RetryPolicy = &task.RetryPolicy{MaxRetries: 1}
	id, _ = s.Schedule(ctx, in)
	got, _ = s.GetTask(ctx, id)
	if got.RetryPolicy.MaxRetries != 1 {
		t.Errorf("explicit policy should win, got %+v", got.RetryPolicy)
	}
}

func TestGetTask_Unknown(t *testing.T) {
	s, _, _ := setupScheduler(t, Config{})

	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, task.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	s, _, _ := setupScheduler(t, Config{})
	ctx := context.Background()

	if info := s.GetStatus(ctx, "missing"); info != nil {
		t.Errorf("expected nil for unknown id, got %+v", info)
	}

	at := base.Add(5 * time.Minute)
	id, _ := s.Schedule(ctx, input(at, task.PriorityLow))
	info := s.GetStatus(ctx, id)
	if info == nil {
		t.Fatal("expected status info")
	}
	if info.ID != id || info.Status != task.StatusPending || info.Priority != task.PriorityLow || !info.ExecuteAt.Equal(at) {
		t.Errorf("unexpected status info: %+v", info)
	}
}

func TestCancel(t *testing.T) {
	s, _, st := setupScheduler(t, Config{})
	ctx := context.Background()

	id, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := s.GetTask(ctx, id)
	if got.Status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if _, ok := s.ram.get(id); ok {
		t.Error("expected cancelled task evicted from RAM")
	}

	if err := s.Cancel(ctx, id); !errors.Is(err, task.ErrConflict) {
		t.Errorf("expected conflict cancelling twice, got %v", err)
	}
	if err := s.Cancel(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	} else if !strings.Contains(err.Error(), "No task found") {
		t.Errorf("unexpected message %q", err.Error())
	}

	running, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
	complete(t, st, running, task.StatusProcessing)
	if err := s.Cancel(ctx, running); !errors.Is(err, task.ErrConflict) {
		t.Errorf("expected conflict cancelling a processing task, got %v", err)
	}
	got, _ = st.Get(ctx, running)
	if got.Status != task.StatusProcessing {
		t.Errorf("failed cancel changed status to %s", got.Status)
	}
}

func TestReschedule(t *testing.T) {
	s, _, st := setupScheduler(t, Config{Horizon: time.Hour})
	ctx := context.Background()

	id, _ := s.Schedule(ctx, input(base.Add(10*time.Minute), ""))

	later := base.Add(3*time.Hour + 123*time.Millisecond)
	if err := s.Reschedule(ctx, id, later); err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	got, _ := st.Get(ctx, id)
	if !got.ExecuteAt.Equal(later) {
		t.Errorf("expected executeAt %v, got %v", later, got.ExecuteAt)
	}
	if _, ok := s.ram.get(id); ok {
		t.Error("expected task outside the horizon to leave RAM")
	}

	sooner := base.Add(30 * time.Minute)
	if err := s.Reschedule(ctx, id, sooner); err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	cached, ok := s.ram.get(id)
	if !ok || !cached.ExecuteAt.Equal(sooner) {
		t.Errorf("expected task back in RAM at %v, got %v", sooner, cached)
	}

	if err := s.Reschedule(ctx, id, base.Add(-time.Minute)); !errors.Is(err, task.ErrValidation) {
		t.Errorf("expected validation error for past time, got %v", err)
	}
	if err := s.Reschedule(ctx, "missing", later); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	s.Cancel(ctx, id)
	if err := s.Reschedule(ctx, id, later); !errors.Is(err, task.ErrConflict) {
		t.Errorf("expected conflict for cancelled task, got %v", err)
	}
}

func TestListPendingTasks_PriorityOrder(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Store{
		"redis":  func(t *testing.T) store.Store { st, _ := setupRedisStore(t); return st },
		"sqlite": func(t *testing.T) store.Store { return setupSQLiteStore(t) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s, _ := newScheduler(open(t), Config{})
			ctx := context.Background()
			at := base.Add(time.Minute)

			low, _ := s.Schedule(ctx, input(at, task.PriorityLow))
			high, _ := s.Schedule(ctx, input(at, task.PriorityHigh))
			normal, _ := s.Schedule(ctx, input(at, task.PriorityNormal))
			high2, _ := s.Schedule(ctx, input(at, task.PriorityHigh))
			cancelled, _ := s.Schedule(ctx, input(at, task.PriorityHigh))
			s.Cancel(ctx, cancelled)

			pending, err := s.ListPendingTasks(ctx)
			if err != nil {
				t.Fatalf("ListPendingTasks failed: %v", err)
			}
			want := []string{high, high2, normal, low}
			if len(pending) != len(want) {
				t.Fatalf("expected %d pending tasks, got %d", len(want), len(pending))
			}
			for i, id := range want {
				if pending[i].ID != id {
					t.Errorf("position %d: expected %s (%s), got %s", i, id, pending[i].Priority, pending[i].ID)
				}
			}
		})
	}
}

func TestListAllTasks_ScheduleOrder(t *testing.T) {
	s, _, _ := setupScheduler(t, Config{})
	ctx := context.Background()

	var ids []string
	for _, p := range []task.Priority{task.PriorityLow, task.PriorityHigh, task.PriorityNormal} {
		id, _ := s.Schedule(ctx, input(base.Add(time.Minute), p))
		ids = append(ids, id)
	}
	s.Cancel(ctx, ids[1])

	all, err := s.ListAllTasks(ctx)
	if err != nil {
		t.Fatalf("ListAllTasks failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	for i, id := range ids {
		if all[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, all[i].ID)
		}
	}
}

func TestGetStats(t *testing.T) {
	s, _, st := setupScheduler(t, Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		id, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
		ids = append(ids, id)
	}
	complete(t, st, ids[0], task.StatusCompleted)
	complete(t, st, ids[1], task.StatusFailed)
	complete(t, st, ids[2], task.StatusProcessing)
	s.Cancel(ctx, ids[3])

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Total != 6 || stats.Pending != 2 || stats.Processing != 1 || stats.Completed != 1 || stats.Failed != 1 || stats.Cancelled != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if sum := stats.Pending + stats.Processing + stats.Completed + stats.Failed + stats.Cancelled; sum != stats.Total {
		t.Errorf("status counts sum to %d, total is %d", sum, stats.Total)
	}
}

func TestCleanup(t *testing.T) {
	for _, cleanupFailed := range []bool{false, true} {
		name := "keeps failed"
		if cleanupFailed {
			name = "purges failed"
		}
		t.Run(name, func(t *testing.T) {
			s, _, st := setupScheduler(t, Config{CleanupFailed: cleanupFailed})
			ctx := context.Background()

			pending, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
			processing, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
			completed, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
			failed, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
			cancelled, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
			complete(t, st, processing, task.StatusProcessing)
			complete(t, st, completed, task.StatusCompleted)
			complete(t, st, failed, task.StatusFailed)
			s.Cancel(ctx, cancelled)

			n, err := s.Cleanup(ctx)
			if err != nil {
				t.Fatalf("Cleanup failed: %v", err)
			}
			want := 2
			if cleanupFailed {
				want = 3
			}
			if n != want {
				t.Errorf("expected %d removed, got %d", want, n)
			}

			for _, id := range []string{pending, processing} {
				if _, err := s.GetTask(ctx, id); err != nil {
					t.Errorf("expected %s to survive cleanup: %v", id, err)
				}
			}
			_, err = s.GetTask(ctx, failed)
			if cleanupFailed != errors.Is(err, task.ErrNotFound) {
				t.Errorf("failed task presence wrong for cleanupFailed=%v: %v", cleanupFailed, err)
			}

			if n, _ := s.Cleanup(ctx); n != 0 {
				t.Errorf("expected second cleanup to remove nothing, got %d", n)
			}
		})
	}
}

func TestGetStatus_ReflectsAnotherEngine(t *testing.T) {
	for _, cfg := range []Config{{DisableRAMTier: true}, {}} {
		t.Run(fmt.Sprintf("ram_disabled=%v", cfg.DisableRAMTier), func(t *testing.T) {
			st, _ := setupRedisStore(t)
			ctx := context.Background()

			api, _ := newScheduler(st, cfg)
			id, err := api.Schedule(ctx, input(base.Add(time.Second), ""))
			if err != nil {
				t.Fatalf("Schedule failed: %v", err)
			}
			if _, ok := api.ram.get(id); ok == cfg.DisableRAMTier {
				t.Errorf("expected RAM admission %v, got %v", !cfg.DisableRAMTier, ok)
			}

			runner, clk := newScheduler(st, Config{})
			registry := worker.NewRegistry()
			registry.Register(task.TypeCustom, (&recorder{}).handler())
			e := NewEngine(runner, worker.NewExecutor(registry, 0, runner.metrics), EngineConfig{})
			clk.Set(base.Add(time.Second))
			if n := e.Tick(ctx); n != 1 {
				t.Fatalf("expected 1 dispatch, got %d", n)
			}
			e.wait()

			if info := api.GetStatus(ctx, id); info == nil || info.Status != task.StatusCompleted {
				t.Errorf("expected completed status, got %+v", info)
			}
			got, err := api.GetTask(ctx, id)
			if err != nil || got.Status != task.StatusCompleted {
				t.Errorf("expected completed task, got %+v %v", got, err)
			}
		})
	}
}

func TestTransition_RefusesMovesOutsideTheTable(t *testing.T) {
	s, _, st := setupScheduler(t, Config{})
	ctx := context.Background()

	id, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
	complete(t, st, id, task.StatusCompleted)

	tests := []struct {
		from, to task.Status
	}{
		{task.StatusCompleted, task.StatusPending},
		{task.StatusCompleted, task.StatusCompleted},
		{task.StatusPending, task.StatusCompleted},
		{task.StatusCancelled, task.StatusProcessing},
		{task.StatusFailed, task.StatusPending},
	}
	for _, tt := range tests {
		_, err := s.transition(ctx, id, tt.from, tt.to, nil)
		if !errors.Is(err, task.ErrConflict) {
			t.Errorf("%s -> %s: expected conflict, got %v", tt.from, tt.to, err)
		}
	}

	got, _ := st.Get(ctx, id)
	if got.Status != task.StatusCompleted {
		t.Errorf("refused moves changed status to %s", got.Status)
	}

	pending, _ := s.Schedule(ctx, input(base.Add(time.Minute), ""))
	s.transition(ctx, pending, task.StatusPending, task.StatusProcessing, nil)
	updated, err := s.transition(ctx, pending, task.StatusProcessing, task.StatusFailed, func(t *task.Task, _ time.Time) {
		t.LastError = "boom"
	})
	if err != nil {
		t.Fatalf("expected processing -> failed allowed, got %v", err)
	}
	if updated.Status != task.StatusFailed || updated.LastError != "boom" || !updated.UpdatedAt.Equal(base) {
		t.Errorf("unexpected task after transition: %s %q %v", updated.Status, updated.LastError, updated.UpdatedAt)
	}
}

// racingStore completes the task on an engine while Create is still in
// flight, the way a concurrent tick would
type racingStore struct {
	store.Store
	onCreate func()
}

func (r *racingStore) Create(ctx context.Context, t *task.Task) error {
	if err := r.Store.Create(ctx, t); err != nil {
		return err
	}
	if r.onCreate != nil {
		r.onCreate()
	}
	return nil
}

func TestSchedule_ConcurrentTickLeavesNoStaleCopy(t *testing.T) {
	inner, _ := setupRedisStore(t)
	st := &racingStore{Store: inner}
	s, clk := newScheduler(st, Config{})
	registry := worker.NewRegistry()
	registry.Register(task.TypeCustom, (&recorder{}).handler())
	e := NewEngine(s, worker.NewExecutor(registry, 0, s.metrics), EngineConfig{})
	ctx := context.Background()

	ticked := make(chan int, 1)
	st.onCreate = func() {
		clk.Set(base.Add(time.Second))
		go func() { ticked <- e.Tick(ctx) }()
		// give the tick time to overtake Schedule
		time.Sleep(50 * time.Millisecond)
	}

	id, err := s.Schedule(ctx, named("raced", base.Add(time.Second), ""))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if n := <-ticked; n != 1 {
		t.Fatalf("expected the racing tick to dispatch, got %d", n)
	}
	e.wait()

	got, _ := inner.Get(ctx, id)
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if cached, ok := s.ram.get(id); ok {
		t.Errorf("expected no RAM copy after completion, got %s", cached.Status)
	}
}
