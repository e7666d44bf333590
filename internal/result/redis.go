package result

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/planner/internal/task"
)

// RedisBackend implements Backend with one expiring hash per task and a
// pub/sub channel per task for waiters
type RedisBackend struct {
	client     *redis.Client
	keyPrefix  string
	successTTL time.Duration
	failureTTL time.Duration
}

// NewRedisBackend creates a new Redis-backed result backend. The client is
// shared with the store and is not closed by the backend.
func NewRedisBackend(client *redis.Client, prefix string, successTTL, failureTTL time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "planner"
	}
	return &RedisBackend{
		client:     client,
		keyPrefix:  strings.TrimSuffix(prefix, ":") + ":result:",
		successTTL: successTTL,
		failureTTL: failureTTL,
	}
}

func (r *RedisBackend) key(taskID string) string {
	return r.keyPrefix + taskID
}

func (r *RedisBackend) channel(taskID string) string {
	return r.keyPrefix + "notify:" + taskID
}

// StoreResult stores an execution in Redis and notifies waiters
func (r *RedisBackend) StoreResult(ctx context.Context, exec *task.Execution) error {
	res, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	data := map[string]interface{}{
		"status":       string(exec.Status),
		"attempt":      exec.Attempt,
		"completed_at": exec.CompletedAt.Format(time.RFC3339Nano),
		"duration_ms":  exec.Duration.Milliseconds(),
		"result":       string(res),
	}

	ttl := r.successTTL
	if !exec.IsSuccess() {
		ttl = r.failureTTL
	}

	// HSET + EXPIRE + PUBLISH in one round trip
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.key(exec.TaskID))
	pipe.HSet(ctx, r.key(exec.TaskID), data)
	pipe.Expire(ctx, r.key(exec.TaskID), ttl)
	pipe.Publish(ctx, r.channel(exec.TaskID), "ready")

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// GetResult retrieves an execution from Redis
func (r *RedisBackend) GetResult(ctx context.Context, taskID string) (*task.Execution, error) {
	data, err := r.client.HGetAll(ctx, r.key(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	exec := &task.Execution{
		TaskID: taskID,
		Status: task.Status(data["status"]),
	}
	if v, ok := data["attempt"]; ok {
		exec.Attempt, _ = strconv.Atoi(v)
	}
	if v, ok := data["completed_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			exec.CompletedAt = t
		}
	}
	if v, ok := data["duration_ms"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			exec.Duration = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := data["result"]; ok {
		if err := json.Unmarshal([]byte(v), &exec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return exec, nil
}

// WaitForResult blocks until a result is available or timeout is reached.
// It subscribes before checking for an existing result so a result stored
// between the two steps is not missed.
func (r *RedisBackend) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*task.Execution, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pubsub := r.client.Subscribe(waitCtx, r.channel(taskID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(waitCtx); err != nil {
		if waitCtx.Err() != nil {
			return r.GetResult(ctx, taskID)
		}
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	exec, err := r.GetResult(ctx, taskID)
	if err != nil || exec != nil {
		return exec, err
	}

	select {
	case <-waitCtx.Done():
		// One final check in case the notification raced the timeout
		return r.GetResult(ctx, taskID)
	case msg := <-pubsub.Channel():
		if msg != nil && msg.Payload == "ready" {
			return r.GetResult(ctx, taskID)
		}
		return nil, nil
	}
}

// DeleteResult removes a result from Redis
func (r *RedisBackend) DeleteResult(ctx context.Context, taskID string) error {
	if err := r.client.Del(ctx, r.key(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return nil
}
