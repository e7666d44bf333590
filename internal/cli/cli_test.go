package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/planner/internal/config"
	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/scheduler"
	"github.com/muaviaUsmani/planner/internal/task"
	"github.com/muaviaUsmani/planner/pkg/client"
)

// setupEnv points the CLI at a fresh miniredis
func setupEnv(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv(config.ConfigFileEnv, "")
	t.Setenv("MODE", "")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("KEY_PREFIX", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("POLL_INTERVAL", "100ms")
	t.Setenv("API_PORT", "")
	return mr
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func scheduleID(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, append([]string{"schedule"}, args...)...)
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		t.Fatal("expected task id on stdout")
	}
	return id
}

func TestSchedule_GetAndStatus(t *testing.T) {
	setupEnv(t)
	id := scheduleID(t, "--type", "custom", "--data", `{"message":"hello"}`, "--in", "1h", "--priority", "high")

	out, err := run(t, "get", id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var got task.Task
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("failed to decode task: %v", err)
	}
	if got.ID != id || got.Priority != task.PriorityHigh || got.Data["message"] != "hello" {
		t.Errorf("unexpected task %+v", got)
	}

	out, err = run(t, "status", id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var info scheduler.StatusInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if info.Status != task.StatusPending {
		t.Errorf("expected pending, got %s", info.Status)
	}
}

func TestSchedule_Errors(t *testing.T) {
	setupEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"past", []string{"--type", "custom", "--at", "2001-01-01T00:00:00Z"}, "Cannot schedule tasks for the past"},
		{"no time", []string{"--type", "custom"}, "one of --at or --in is required"},
		{"both times", []string{"--type", "custom", "--at", "2099-01-01T00:00:00Z", "--in", "1m"}, "mutually exclusive"},
		{"bad data", []string{"--type", "custom", "--data", "[1,2]", "--in", "1m"}, "JSON object"},
		{"bad type", []string{"--type", "fax", "--in", "1m"}, "Invalid task type"},
		{"bad recipients", []string{"--type", "individual_email", "--in", "1m", "--individual", "--recipients", `[{"user_id":""}]`}, "Invalid user_id"},
		{"count mismatch", []string{
			"--type", "individual_email", "--in", "1m", "--individual",
			"--recipients", `[{"user_id":"u1","variables":{}}]`, "--recipient-count", "2",
		}, "recipient_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, append([]string{"schedule"}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	out, err := run(t, "list", "--json")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected no tasks persisted, got %s", out)
	}
}

func TestSchedule_DataFile(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte(`{"message":"from file"}`), 0o600); err != nil {
		t.Fatalf("failed to write data file: %v", err)
	}

	id := scheduleID(t, "--type", "custom", "--data-file", path, "--in", "1h", "--max-retries", "2", "--retry-delay", "5s")
	out, err := run(t, "get", id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var got task.Task
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("failed to decode task: %v", err)
	}
	if got.Data["message"] != "from file" {
		t.Errorf("expected data from file, got %v", got.Data)
	}
	if got.RetryPolicy == nil || got.RetryPolicy.MaxRetries != 2 || got.RetryPolicy.RetryDelayMs != 5000 {
		t.Errorf("unexpected retry policy %+v", got.RetryPolicy)
	}
}

func TestList_CancelRescheduleCleanup(t *testing.T) {
	setupEnv(t)
	low := scheduleID(t, "--type", "custom", "--in", "1h", "--priority", "low")
	high := scheduleID(t, "--type", "custom", "--in", "2h", "--priority", "high")

	out, err := run(t, "list", "--pending")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.Index(out, high) > strings.Index(out, low) {
		t.Errorf("expected high priority task listed first:\n%s", out)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("expected table header, got %q", out)
	}

	if out, err = run(t, "reschedule", low, "--in", "3h"); err != nil || !strings.HasPrefix(out, "Rescheduled "+low) {
		t.Errorf("unexpected reschedule output %q %v", out, err)
	}
	if out, err = run(t, "cancel", low); err != nil || strings.TrimSpace(out) != "Cancelled "+low {
		t.Errorf("unexpected cancel output %q %v", out, err)
	}
	if _, err = run(t, "cancel", low); err == nil || !strings.Contains(err.Error(), "Only pending tasks can be cancelled") {
		t.Errorf("expected conflict on second cancel, got %v", err)
	}

	out, err = run(t, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats scheduler.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Cancelled != 1 || stats.Pending != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	if out, err = run(t, "cleanup"); err != nil || strings.TrimSpace(out) != "Removed 1 tasks" {
		t.Errorf("unexpected cleanup output %q %v", out, err)
	}
}

func TestGet_NotFound(t *testing.T) {
	setupEnv(t)

	for _, cmd := range []string{"get", "status", "cancel"} {
		if _, err := run(t, cmd, "missing"); err == nil || !strings.Contains(err.Error(), "No task found") {
			t.Errorf("%s: expected not found error, got %v", cmd, err)
		}
	}
}

func TestSchedule_WaitForResult(t *testing.T) {
	mr := setupEnv(t)

	cfg := config.Default()
	cfg.KeyPrefix = "test"
	cfg.PollInterval = 100 * time.Millisecond
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	worker, err := client.New(context.Background(), cfg, client.WithRedisClient(rc), client.WithLogger(&logger.NoOpLogger{}))
	if err != nil {
		t.Fatalf("failed to create engine client: %v", err)
	}
	t.Cleanup(func() { worker.Close() })
	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}

	out, err := run(t, "schedule", "--type", "custom", "--data", `{"message":"wait for me"}`, "--in", "200ms", "--wait", "5s")
	if err != nil {
		t.Fatalf("schedule --wait failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Message logged") {
		t.Errorf("expected execution result in output, got %s", out)
	}
}

func TestSchedule_WaitTimesOut(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "schedule", "--type", "custom", "--data", `{"message":"nobody runs me"}`, "--in", "1h", "--wait", "200ms")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestServe_EngineMode(t *testing.T) {
	setupEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := BuildCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--mode", "engine"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}

func TestServe_InvalidMode(t *testing.T) {
	setupEnv(t)

	if _, err := run(t, "serve", "--mode", "bogus"); err == nil || !strings.Contains(err.Error(), "invalid mode") {
		t.Errorf("expected invalid mode error, got %v", err)
	}
}

func TestResolveTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := resolveTime("", 90*time.Second, now)
	if err != nil || !got.Equal(now.Add(90*time.Second)) {
		t.Errorf("expected now+90s, got %v %v", got, err)
	}
	got, err = resolveTime("2026-04-01T08:30:00Z", 0, now)
	if err != nil || !got.Equal(time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected parsed time %v %v", got, err)
	}
	if _, err := resolveTime("tomorrow", 0, now); err == nil {
		t.Error("expected error for a non RFC 3339 time")
	}
}
