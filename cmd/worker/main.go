// Package main implements a standalone TaskFlow worker process, useful for
// scaling processing capacity independently of the API server (which also
// runs an embedded worker). It connects to the same queue/storage backends
// via pkg/config and exposes Prometheus metrics.
//
// Usage:
//
//	go run cmd/worker/main.go
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/config"
	"github.com/guido-cesarano/taskflow/pkg/eventbus"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/storage"
	"github.com/guido-cesarano/taskflow/pkg/task"
	"github.com/guido-cesarano/taskflow/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	w := worker.New(backend, store, processTask, bus)
	w.Start()
	logger.Log.Info().Msg("worker started, waiting for tasks")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Log.Info().Msg("shutting down worker")
	w.Stop()
}

// processTask dispatches on an optional "task_type" payload field,
// matching the teacher's type-switch in the original startWorker loop,
// generalized from a fixed "type" field to TaskFlow's free-form payload
// convention.
func processTask(t *task.Task) bool {
	start := time.Now()
	logger.Log.Info().
		Str("task_id", t.ID).
		Str("name", t.Name).
		Int("retry_count", t.RetryCount).
		Msg("processing task")

	taskType, _ := t.Payload["task_type"].(string)
	switch taskType {
	case "email":
		time.Sleep(200 * time.Millisecond)
	case "image_resize":
		time.Sleep(500 * time.Millisecond)
	case "report_generation":
		time.Sleep(300 * time.Millisecond)
	default:
		time.Sleep(100 * time.Millisecond)
	}

	logger.Log.Debug().Str("task_id", t.ID).Dur("duration", time.Since(start)).Msg("task processed")
	return true
}
