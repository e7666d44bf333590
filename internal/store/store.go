// Package store holds the durable task stores. The durable store is the
// single source of truth for tasks; the scheduler's RAM tier only caches it.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/muaviaUsmani/planner/internal/task"
)

// Store persists tasks. Implementations must make Transition atomic with
// respect to concurrent callers, in this process or another.
type Store interface {
	// Create persists a new task and assigns its Seq
	Create(ctx context.Context, t *task.Task) error

	// Get returns the task or a not_found *task.Error
	Get(ctx context.Context, id string) (*task.Task, error)

	// Transition applies mutate to the task if and only if its status is
	// still from, and persists the result. A task in any other status yields
	// a conflict *task.Error and is left untouched.
	Transition(ctx context.Context, id string, from task.Status, mutate func(*task.Task)) (*task.Task, error)

	// Delete removes tasks and returns how many existed
	Delete(ctx context.Context, ids ...string) (int, error)

	// List returns tasks ordered by Seq, optionally restricted to statuses
	List(ctx context.Context, filter Filter) ([]*task.Task, error)

	// DuePending returns pending tasks with ExecuteAt <= before, ordered by Seq
	DuePending(ctx context.Context, before time.Time) ([]*task.Task, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	Close() error
}

// Locker is implemented by stores shared between processes
type Locker interface {
	// TryLock returns nil, nil when another holder owns name
	TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error)
}

// Filter restricts List. The zero Filter matches every task.
type Filter struct {
	Statuses []task.Status
}

// Match reports whether t passes the filter
func (f Filter) Match(t *task.Task) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

func conflict(id string, actual, expected task.Status) *task.Error {
	return task.Errorf(task.KindConflict, "Task %s is %s, expected %s", id, actual, expected)
}

func sortBySeq(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
}
