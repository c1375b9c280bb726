// Package worker implements the TaskFlow worker loop: it pulls tasks from a
// queue.Backend, runs an injected processor, and durably records terminal
// state before moving on. Grounded on the teacher's cmd/worker/main.go
// startWorker loop and original_source/task_worker.py's TaskWorker class.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/eventbus"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/storage"
	"github.com/guido-cesarano/taskflow/pkg/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dequeueTimeout bounds each blocking dequeue call so Stop() is observed
// promptly at the top of the next loop iteration.
const dequeueTimeout = 1 * time.Second

// Processor executes a task's work. It returns true on success, false on
// failure; it may also return having paniced-as-error via a recover in the
// loop (an injected processor is trusted but not required to be
// panic-free).
type Processor func(*task.Task) bool

var (
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_tasks_processed_total",
		Help: "Total tasks processed by the worker, by terminal status.",
	}, []string{"status"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskflow_task_duration_seconds",
		Help:    "Processor execution duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskflow_queue_latency_seconds",
		Help:    "Time a task spent queued before a worker picked it up.",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})

	// queueDepth tracks the number of tasks sitting in each named queue
	// (queue:high, queue:default, queue:low, processing_queue,
	// dead_letter_queue, delayed_queue), matching the teacher's
	// goqueue_queue_depth gauge. Only populated when the backend exposes
	// QueueDepths (the Redis-backed RemoteQueue); the in-memory backend has
	// no per-priority-list breakdown to report.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskflow_queue_depth",
		Help: "Number of tasks in each named queue.",
	}, []string{"queue"})
)

// queueDepthInterval is how often the background collector polls the
// backend for per-queue depths, matching the teacher's collectQueueMetrics
// 5-second cadence.
const queueDepthInterval = 5 * time.Second

// depthReporter is implemented by queue.RemoteQueue; it is checked via a
// type assertion rather than added to queue.Backend because the in-memory
// backend has no equivalent per-named-queue breakdown to report.
type depthReporter interface {
	QueueDepths(ctx context.Context) map[string]int64
}

// Worker drains a queue.Backend and persists terminal results via a
// storage.Storage. One logical worker per process; Start is idempotent and
// Stop blocks until the loop has exited.
type Worker struct {
	queue     queue.Backend
	storage   storage.Storage
	processor Processor
	bus       *eventbus.EventBus

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a worker over the given queue, storage, and processor.
// bus may be nil if no event is desired on completion/failure (tests
// commonly pass nil).
func New(q queue.Backend, s storage.Storage, processor Processor, bus *eventbus.EventBus) *Worker {
	return &Worker{queue: q, storage: s, processor: processor, bus: bus}
}

// Running reports whether the worker loop is currently active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start launches the worker loop in a background goroutine. Calling Start
// on an already-running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	if reporter, ok := w.queue.(depthReporter); ok {
		go w.collectQueueMetrics(ctx, reporter)
	}

	go func() {
		defer close(w.done)
		w.loop(ctx)
	}()
}

// collectQueueMetrics periodically polls the backend's per-queue depths and
// updates the queueDepth gauge, matching the teacher's collectQueueMetrics.
func (w *Worker) collectQueueMetrics(ctx context.Context, reporter depthReporter) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, depth := range reporter.QueueDepths(ctx) {
				queueDepth.WithLabelValues(name).Set(float64(depth))
			}
		}
	}
}

// Stop signals the loop to exit and blocks until it has; in-flight tasks
// finish before the loop observes the stop signal at the top of the next
// iteration.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
	logger.Log.Info().Msg("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	logger.Log.Info().Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if t == nil {
			continue
		}

		queueLatency.WithLabelValues(t.Name).Observe(time.Since(t.CreatedAt).Seconds())
		w.process(ctx, t)
	}
}

func (w *Worker) process(ctx context.Context, t *task.Task) {
	start := time.Now()
	ok := w.runProcessor(t)
	duration := time.Since(start)

	finalStatus := task.Completed
	if !ok {
		finalStatus = task.Failed
	}
	taskDuration.WithLabelValues(string(finalStatus)).Observe(duration.Seconds())

	t.Status = finalStatus
	t.UpdatedAt = time.Now().UTC()

	if _, err := w.storage.SaveTask(ctx, t); err != nil {
		logger.Log.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist terminal task state")
		return
	}

	// Ack after the durable write (spec's resolved Open Question: always
	// ack post-persist, rely on the event bus for retry), so a crash
	// between dequeue and this point only ever causes redelivery, never
	// data loss.
	if _, err := w.queue.UpdateTaskStatus(ctx, t.ID, finalStatus); err != nil {
		logger.Log.Error().Err(err).Str("task_id", t.ID).Msg("failed to ack terminal task state")
	}

	tasksProcessed.WithLabelValues(string(finalStatus)).Inc()

	if w.bus == nil {
		return
	}
	if finalStatus == task.Completed {
		w.bus.Publish(eventbus.TaskCompleted, map[string]any{
			"task_id":   t.ID,
			"name":      t.Name,
			"task_type": payloadString(t.Payload, "task_type"),
		}, "worker", "")
	} else {
		w.bus.Publish(eventbus.TaskFailed, map[string]any{
			"task_id":       t.ID,
			"name":          t.Name,
			"priority":      t.Priority,
			"payload":       t.Payload,
			"retry_count":   t.RetryCount,
			"max_retries":   t.MaxRetries,
			"error_message": t.ErrorMessage,
		}, "worker", "")
	}
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// runProcessor invokes the processor, converting a panic into a failed
// result so a misbehaving processor never takes the worker loop down.
func (w *Worker) runProcessor(t *task.Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().Interface("panic", r).Str("task_id", t.ID).Msg("processor panicked")
			t.ErrorMessage = "processor panicked"
			ok = false
		}
	}()
	return w.processor(t)
}
