package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/muaviaUsmani/planner/internal/task"
)

// ramTier caches pending and processing tasks due within the imminent
// horizon. Every write goes to the durable store first; the tier only saves
// the engine a store scan per tick.
type ramTier struct {
	mu      sync.RWMutex
	tasks   map[string]*task.Task
	horizon time.Duration
	// disabled tiers hold nothing; admit only evicts
	disabled bool
}

func newRAMTier(horizon time.Duration, disabled bool) *ramTier {
	return &ramTier{
		tasks:    make(map[string]*task.Task),
		horizon:  horizon,
		disabled: disabled,
	}
}

// admit stores a copy of t when it belongs in the tier at now and evicts it
// otherwise. Reports whether t is held afterwards.
func (r *ramTier) admit(t *task.Task, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitLocked(t, now)
}

// admitAfter runs write with the tier locked and admits t only if write
// succeeds. Engine admits wait for the write, so a copy taken before the
// write can never overwrite state the engine recorded after it.
func (r *ramTier) admitAfter(t *task.Task, now time.Time, write func() error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := write(); err != nil {
		return false, err
	}
	return r.admitLocked(t, now), nil
}

func (r *ramTier) admitLocked(t *task.Task, now time.Time) bool {
	if !r.belongs(t, now) {
		delete(r.tasks, t.ID)
		return false
	}
	r.tasks[t.ID] = t.Clone()
	return true
}

func (r *ramTier) belongs(t *task.Task, now time.Time) bool {
	if r.disabled {
		return false
	}
	if t.Status != task.StatusPending && t.Status != task.StatusProcessing {
		return false
	}
	return !t.ExecuteAt.After(now.Add(r.horizon))
}

func (r *ramTier) get(id string) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (r *ramTier) evict(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.tasks, id)
	}
}

// due returns the pending tasks with ExecuteAt <= now, highest priority
// first and in schedule order within a priority
func (r *ramTier) due(now time.Time) []*task.Task {
	r.mu.RLock()
	due := make([]*task.Task, 0)
	for _, t := range r.tasks {
		if t.Status == task.StatusPending && !t.ExecuteAt.After(now) {
			due = append(due, t.Clone())
		}
	}
	r.mu.RUnlock()

	sortByPriority(due)
	return due
}

func (r *ramTier) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func sortByPriority(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return tasks[i].Seq < tasks[j].Seq
	})
}
