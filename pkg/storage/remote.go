package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/task"
	"github.com/redis/go-redis/v9"
)

const remoteKeyPrefix = "storage:tasks:"
const remoteBackupPrefix = "storage:backups:"

// RemoteStorage is a Redis-backed Storage implementation, selected when
// USE_S3=true. It stands in for the cloud object store the design marks as
// an out-of-scope collaborator (specified only by the Storage interface) —
// see DESIGN.md for why Redis rather than a real AWS SDK client fills that
// role here. Each task is a single string key; listing uses SCAN with the
// task key prefix, mirroring the original S3 backend's "tasks/" prefix
// scheme.
type RemoteStorage struct {
	rdb *redis.Client
}

// NewRemoteStorage connects to Redis at addr for remote task persistence.
func NewRemoteStorage(addr string) *RemoteStorage {
	return &RemoteStorage{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func remoteTaskKey(id string) string { return remoteKeyPrefix + id }

func (s *RemoteStorage) SaveTask(ctx context.Context, t *task.Task) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	if err := s.rdb.Set(ctx, remoteTaskKey(t.ID), data, 0).Err(); err != nil {
		logger.Log.Error().Err(err).Str("task_id", t.ID).Msg("failed to save task to remote storage")
		return false, err
	}
	return true, nil
}

func (s *RemoteStorage) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.rdb.Get(ctx, remoteTaskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		logger.Log.Error().Err(err).Str("task_id", id).Msg("corrupted remote task entry")
		return nil, nil
	}
	return &t, nil
}

func (s *RemoteStorage) DeleteTask(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Del(ctx, remoteTaskKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RemoteStorage) ListAllTasks(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, remoteKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(remoteKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *RemoteStorage) BackupAllTasks(ctx context.Context) (string, error) {
	ids, err := s.ListAllTasks(ctx)
	if err != nil {
		return "", err
	}
	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.LoadTask(ctx, id)
		if err != nil {
			return "", err
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}

	data, err := json.Marshal(tasks)
	if err != nil {
		return "", err
	}

	handle := fmt.Sprintf("%d", time.Now().Unix())
	if err := s.rdb.Set(ctx, remoteBackupPrefix+handle, data, 30*24*time.Hour).Err(); err != nil {
		return "", err
	}
	logger.Log.Info().Str("backup", handle).Int("tasks", len(tasks)).Msg("remote backup created")
	return handle, nil
}
