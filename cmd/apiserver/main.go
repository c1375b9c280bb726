// Package main implements the TaskFlow API server.
//
// API Endpoints:
//
//	GET    /health             - service health and queue depth
//	POST   /tasks              - enqueue a new task
//	GET    /tasks/{id}         - fetch a task by id
//	PUT    /tasks/{id}/status  - transition a task's status
//	GET    /tasks              - list tasks, optionally filtered by ?status=
//	DELETE /tasks/{id}         - delete a task
//	GET    /stats              - queue size, worker state, per-status counts
//
// Usage:
//
//	go run cmd/apiserver/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/apiserver"
	"github.com/guido-cesarano/taskflow/pkg/config"
	"github.com/guido-cesarano/taskflow/pkg/eventbus"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/storage"
	"github.com/guido-cesarano/taskflow/pkg/task"
	"github.com/guido-cesarano/taskflow/pkg/worker"
	"github.com/robfig/cron/v3"
)

func main() {
	cfg := config.Load()

	var backend queue.Backend
	if cfg.UseRemoteQueue {
		rq := queue.NewRemoteQueue(cfg.RedisAddr)
		defer rq.Close()
		backend = rq
	} else {
		backend = queue.NewInMemoryQueue()
	}

	var store storage.Storage
	if cfg.UseRemoteStorage {
		store = storage.NewRemoteStorage(cfg.RedisAddr)
	} else {
		s, err := storage.NewLocalStorage(cfg.StoragePath)
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("failed to initialize local storage")
		}
		store = s
	}

	bus := eventbus.New()
	if retrier, ok := backend.(eventbus.RetryIncrementer); ok {
		eventbus.NewRetryHandler(retrier, bus)
	}
	eventbus.NewDependencyHandler(backend, bus)
	eventbus.NewSystemHandler(bus)

	w := worker.New(backend, store, simpleTaskProcessor, bus)
	w.Start()
	defer w.Stop()

	c := cron.New()
	if cfg.BackupInterval > 0 {
		spec := "@every " + cfg.BackupInterval.String()
		if _, err := c.AddFunc(spec, func() { runBackup(store) }); err != nil {
			logger.Log.Error().Err(err).Msg("failed to schedule storage backup")
		}
	}
	if cfg.HealthCheckEventInterval > 0 {
		spec := "@every " + cfg.HealthCheckEventInterval.String()
		if _, err := c.AddFunc(spec, func() { publishHealthCheck(bus, backend) }); err != nil {
			logger.Log.Error().Err(err).Msg("failed to schedule health check event")
		}
	}
	c.Start()
	defer c.Stop()

	srv := apiserver.New(backend, store, w, cfg.APIKey)
	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: srv}

	go func() {
		logger.Log.Info().Str("addr", cfg.APIAddr).Msg("TaskFlow API server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Log.Info().Msg("shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("error during API server shutdown")
	}
}

// simpleTaskProcessor is the default processor: it always succeeds after a
// brief simulated delay, matching original_source/task_worker.py's
// simple_task_processor placeholder.
func simpleTaskProcessor(t *task.Task) bool {
	time.Sleep(100 * time.Millisecond)
	return true
}

func runBackup(store storage.Storage) {
	handle, err := store.BackupAllTasks(context.Background())
	if err != nil {
		logger.Log.Error().Err(err).Msg("scheduled backup failed")
		return
	}
	logger.Log.Info().Str("backup", handle).Msg("scheduled backup completed")
}

func publishHealthCheck(bus *eventbus.EventBus, backend queue.Backend) {
	size, err := backend.Size(context.Background())
	healthy := err == nil
	bus.Publish(eventbus.SystemHealthCheck, map[string]any{
		"queue": map[string]any{
			"healthy": healthy,
			"size":    size,
		},
	}, "apiserver_cron", "")
}
