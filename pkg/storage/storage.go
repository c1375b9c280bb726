// Package storage provides the durable-persistence collaborator the worker
// and the delete path consume. Two backends are provided: a local
// filesystem store and a Redis-backed remote store that stands in for the
// cloud object store the design treats as an out-of-scope collaborator
// (see DESIGN.md for why no AWS SDK is wired here).
package storage

import (
	"context"

	"github.com/guido-cesarano/taskflow/pkg/task"
)

// Storage persists terminal task state. Implementations must make SaveTask
// atomic and idempotent on task.ID: writing the same task twice must yield
// content-equal persisted bytes.
type Storage interface {
	SaveTask(ctx context.Context, t *task.Task) (bool, error)
	LoadTask(ctx context.Context, id string) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	ListAllTasks(ctx context.Context) ([]string, error)
	// BackupAllTasks snapshots every persisted task and returns an opaque
	// handle identifying the point-in-time backup.
	BackupAllTasks(ctx context.Context) (string, error)
}
