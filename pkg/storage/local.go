package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/task"
)

// LocalStorage persists tasks as JSON files under a base directory,
// sharded by the first two characters of the task id so no single
// directory accumulates every task, grounded on original_source's
// file_storage.py. Writes are atomic: each save goes to a temp file in the
// same directory, then os.Rename replaces the target, so a crash never
// leaves a half-written task file.
type LocalStorage struct {
	basePath   string
	tasksDir   string
	backupsDir string
	mu         sync.Mutex
}

// NewLocalStorage creates the tasks/ and backups/ directory structure
// under basePath, creating directories as needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	s := &LocalStorage{
		basePath:   basePath,
		tasksDir:   filepath.Join(basePath, "tasks"),
		backupsDir: filepath.Join(basePath, "backups"),
	}
	if err := os.MkdirAll(s.tasksDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.backupsDir, 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

func shardPrefix(id string) string {
	if len(id) >= 2 {
		return id[:2]
	}
	return id
}

func (s *LocalStorage) taskPath(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("task id cannot be empty")
	}
	return filepath.Join(s.tasksDir, shardPrefix(id), id+".json"), nil
}

func (s *LocalStorage) SaveTask(ctx context.Context, t *task.Task) (bool, error) {
	path, err := s.taskPath(t.ID)
	if err != nil {
		return false, err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		logger.Log.Error().Err(err).Str("task_id", t.ID).Msg("failed to write task file")
		return false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		logger.Log.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist task file")
		return false, err
	}
	return true, nil
}

func (s *LocalStorage) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	path, err := s.taskPath(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		logger.Log.Error().Err(err).Str("task_id", id).Msg("corrupted task file")
		return nil, nil
	}
	return &t, nil
}

func (s *LocalStorage) DeleteTask(ctx context.Context, id string) (bool, error) {
	path, err := s.taskPath(id)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *LocalStorage) ListAllTasks(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.tasksDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *LocalStorage) BackupAllTasks(ctx context.Context) (string, error) {
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

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return "", err
	}

	backupName := fmt.Sprintf("backup_%d.json", time.Now().Unix())
	backupPath := filepath.Join(s.backupsDir, backupName)

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.backupsDir, ".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, backupPath); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	logger.Log.Info().Str("backup", backupPath).Int("tasks", len(tasks)).Msg("backup created")
	return backupPath, nil
}
