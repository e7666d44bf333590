// Package result stores the outcome of each task execution so callers can
// fetch it or block until it is available.
package result

import (
	"context"
	"time"

	"github.com/muaviaUsmani/planner/internal/task"
)

// Backend defines the interface for storing and retrieving execution results
type Backend interface {
	// StoreResult stores an execution and notifies waiters
	StoreResult(ctx context.Context, exec *task.Execution) error

	// GetResult retrieves the latest execution of a task.
	// Returns nil if the task has not run yet or the result expired.
	GetResult(ctx context.Context, taskID string) (*task.Execution, error)

	// WaitForResult blocks until a result is available or the timeout is reached.
	// Returns nil and no error on timeout.
	WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*task.Execution, error)

	// DeleteResult removes a result. Missing results are not an error.
	DeleteResult(ctx context.Context, taskID string) error
}
