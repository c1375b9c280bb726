// Package queue provides the pluggable task-queue abstraction for TaskFlow:
// a common Backend contract implemented by an in-memory priority queue and
// by a Redis-backed remote adapter.
//
// Both implementations guarantee at-least-once delivery and idempotent
// status transitions. Only the in-memory backend guarantees strict
// priority ordering across dequeues; the remote backend carries priority as
// routing metadata but delivers FIFO-ish within each priority class (see
// RemoteQueue's doc comment).
package queue

import (
	"context"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/task"
)

// Backend is the uniform contract both queue implementations satisfy.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Enqueue constructs a new task, assigns it a fresh id, and inserts it
	// respecting the ordering law. Never blocks. Returns ErrInvalidInput if
	// priority is out of [1,5] or name is out of [1,100] characters.
	Enqueue(ctx context.Context, name string, priority int, payload map[string]any) (string, error)

	// Dequeue returns and transitions to Processing the lowest-numbered
	// pending task, breaking ties by insertion order. Blocks up to timeout
	// (or indefinitely if timeout <= 0) waiting for a task to arrive.
	// Returns (nil, nil) on timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error)

	// GetTask returns a snapshot of the task, or (nil, nil) if unknown.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// GetAllTasks returns a point-in-time snapshot of every known task.
	GetAllTasks(ctx context.Context) ([]*task.Task, error)

	// GetTasksByStatus returns a point-in-time snapshot filtered by status.
	GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)

	// UpdateTaskStatus transitions a task's status. Idempotent on equal
	// status. Returns false if the id is unknown or the transition is
	// disallowed by the status DAG. Transitioning to Pending re-inserts the
	// task into the priority structure and wakes one waiter.
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) (bool, error)

	// DeleteTask removes the task from the index (and, for remote backends,
	// acknowledges/removes it server-side). Returns false if unknown.
	DeleteTask(ctx context.Context, id string) (bool, error)

	// Size returns the approximate count of pending tasks.
	Size(ctx context.Context) (int, error)
}
