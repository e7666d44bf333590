package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/serialization"
	"github.com/muaviaUsmani/planner/internal/task"
)

// maxTxRetries bounds optimistic retries when a watched task key changes
// underneath a Transition
const maxTxRetries = 10

// RedisStore keeps each task in a hash and indexes it in two sorted sets:
// every task by Seq, and pending tasks by ExecuteAt.
//
//	<prefix>:task:<id>      hash {meta: task JSON without data, data: encoded payload}
//	<prefix>:tasks          zset id -> seq
//	<prefix>:tasks:pending  zset id -> execute_at (unix ms)
//	<prefix>:tasks:seq      counter
type RedisStore struct {
	client     *redis.Client
	serializer *serialization.Serializer
	log        logger.Logger
	keyPrefix  string
	// Pre-computed keys
	allKey     string
	pendingKey string
	seqKey     string
}

// Connect parses a Redis URL and verifies the server answers
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store over client. The store owns the client and
// closes it on Close.
func NewRedisStore(client *redis.Client, prefix string, ser *serialization.Serializer) *RedisStore {
	if prefix == "" {
		prefix = "planner"
	}
	if ser == nil {
		ser = serialization.NewJSONSerializer()
	}
	prefix = strings.TrimSuffix(prefix, ":") + ":"
	return &RedisStore{
		client:     client,
		serializer: ser,
		log:        logger.Default().WithComponent(logger.ComponentStore),
		keyPrefix:  prefix,
		allKey:     prefix + "tasks",
		pendingKey: prefix + "tasks:pending",
		seqKey:     prefix + "tasks:seq",
	}
}

// Client returns the underlying Redis client
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) taskKey(id string) string {
	var b strings.Builder
	b.Grow(len(s.keyPrefix) + 5 + len(id)) // "task:" = 5 chars
	b.WriteString(s.keyPrefix)
	b.WriteString("task:")
	b.WriteString(id)
	return b.String()
}

func (s *RedisStore) encode(t *task.Task) (meta []byte, data []byte, err error) {
	data, err = s.serializer.EncodeData(t.Data)
	if err != nil {
		return nil, nil, err
	}
	stripped := *t
	stripped.Data = nil
	meta, err = json.Marshal(&stripped)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return meta, data, nil
}

func (s *RedisStore) decode(meta, data string) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(meta), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	d, err := s.serializer.DecodeData([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode data for task %s: %w", t.ID, err)
	}
	t.Data = d
	return &t, nil
}

// write queues the hash and index updates for t on pipe
func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, t *task.Task) error {
	meta, data, err := s.encode(t)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, s.taskKey(t.ID), "meta", meta, "data", data)
	pipe.ZAdd(ctx, s.allKey, redis.Z{Score: float64(t.Seq), Member: t.ID})
	if t.Status == task.StatusPending {
		pipe.ZAdd(ctx, s.pendingKey, redis.Z{Score: float64(t.ExecuteAt.UnixMilli()), Member: t.ID})
	} else {
		pipe.ZRem(ctx, s.pendingKey, t.ID)
	}
	return nil
}

// Create implements Store
func (s *RedisStore) Create(ctx context.Context, t *task.Task) error {
	seq, err := s.client.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	t.Seq = seq

	var writeErr error
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeErr = s.write(ctx, pipe, t)
		return writeErr
	}); err != nil {
		if writeErr != nil {
			return writeErr
		}
		return fmt.Errorf("failed to create task: %w", err)
	}

	s.log.Debug("Created task", "task_id", t.ID, "seq", seq, "execute_at", t.ExecuteAt)
	return nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, id string) (*task.Task, error) {
	vals, err := c.HMGet(ctx, s.taskKey(id), "meta", "data").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	meta, ok := vals[0].(string)
	if !ok {
		return nil, task.NotFound(id)
	}
	data, _ := vals[1].(string)
	return s.decode(meta, data)
}

// Transition implements Store using WATCH/MULTI on the task key
func (s *RedisStore) Transition(ctx context.Context, id string, from task.Status, mutate func(*task.Task)) (*task.Task, error) {
	key := s.taskKey(id)
	var updated *task.Task

	txf := func(tx *redis.Tx) error {
		t, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != from {
			return conflict(id, t.Status, from)
		}
		mutate(t)

		var writeErr error
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeErr = s.write(ctx, pipe, t)
			return writeErr
		})
		if writeErr != nil {
			return writeErr
		}
		if err != nil {
			return err
		}
		updated = t
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, task.Errorf(task.KindConflict, "Task %s changed concurrently, giving up after %d attempts", id, maxTxRetries)
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	dels := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		dels[i] = pipe.Del(ctx, s.taskKey(id))
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe.ZRem(ctx, s.allKey, members...)
	pipe.ZRem(ctx, s.pendingKey, members...)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}

	removed := 0
	for _, d := range dels {
		removed += int(d.Val())
	}
	return removed, nil
}

// List implements Store
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*task.Task, error) {
	ids, err := s.client.ZRange(ctx, s.allKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return s.load(ctx, ids, filter)
}

// DuePending implements Store
func (s *RedisStore) DuePending(ctx context.Context, before time.Time) ([]*task.Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get due tasks: %w", err)
	}

	tasks, err := s.load(ctx, ids, Filter{Statuses: []task.Status{task.StatusPending}})
	if err != nil {
		return nil, err
	}
	sortBySeq(tasks)
	return tasks, nil
}

// load fetches ids in one pipeline, preserving order and skipping ids whose
// hash disappeared between the index read and the fetch
func (s *RedisStore) load(ctx context.Context, ids []string, filter Filter) ([]*task.Task, error) {
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.taskKey(id), "meta", "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		meta, ok := vals[0].(string)
		if !ok {
			s.log.Warn("Task indexed but data not found", "task_id", ids[i])
			continue
		}
		data, _ := vals[1].(string)
		t, err := s.decode(meta, data)
		if err != nil {
			s.log.Error("Skipping undecodable task", "task_id", ids[i], "error", err)
			continue
		}
		if filter.Match(t) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// TryLock implements Locker
func (s *RedisStore) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	return AcquireLock(ctx, s.client, s.keyPrefix+"lock:"+name, ttl)
}

// Ping implements Store
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	return nil
}
