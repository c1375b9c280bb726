package eventbus

import (
	"context"
	"fmt"

	"github.com/guido-cesarano/taskflow/pkg/logger"
)

// RetryIncrementer is the retry method the retry handler needs. It is not
// part of queue.Backend: both queue.InMemoryQueue and queue.RemoteQueue
// implement it in addition to Backend, so callers holding a queue.Backend
// type-assert to RetryIncrementer. It's defined here (rather than imported
// from pkg/queue) to avoid a pkg/eventbus <-> pkg/queue import cycle, since
// pkg/queue's own Backend doesn't need to know about the event bus.
type RetryIncrementer interface {
	IncrementRetryCount(ctx context.Context, id string, errMsg string) (retryCount, maxRetries int, err error)
}

// RetryHandler subscribes to TaskFailed and re-queues the task via
// IncrementRetryCount (the in-memory backend flips it straight back to
// Pending; the remote backend schedules a delayed retry) while retry_count
// stays within max_retries. Past that bound it logs final abandonment and
// does not re-queue — grounded on event_handlers.py's _handle_task_retry.
type RetryHandler struct {
	backend RetryIncrementer
	bus     *EventBus
}

// NewRetryHandler builds a retry handler wired to backend and bus, and
// subscribes it to TaskFailed immediately.
func NewRetryHandler(backend RetryIncrementer, bus *EventBus) *RetryHandler {
	h := &RetryHandler{backend: backend, bus: bus}
	bus.Subscribe(TaskFailed, h.handle)
	return h
}

func (h *RetryHandler) handle(event Event) {
	taskID, _ := event.Payload["task_id"].(string)
	errMsg, _ := event.Payload["error_message"].(string)
	if taskID == "" {
		return
	}

	retryCount, maxRetries, err := h.backend.IncrementRetryCount(context.Background(), taskID, errMsg)
	if err != nil {
		logger.Log.Error().Err(err).Str("task_id", taskID).Msg("retry handler failed to increment retry count")
		return
	}
	if retryCount == 0 && maxRetries == 0 {
		// Unknown task id; nothing to do.
		return
	}

	if retryCount <= maxRetries {
		logger.Log.Info().Str("task_id", taskID).Int("attempt", retryCount).Int("max_retries", maxRetries).Msg("task re-queued for retry")
		h.bus.Publish(TaskCreated, map[string]any{
			"task_id":     taskID,
			"retry_count": retryCount,
			"max_retries": maxRetries,
		}, "retry_handler", event.CorrelationID)
		return
	}

	logger.Log.Error().Str("task_id", taskID).Int("max_retries", maxRetries).Msg("task reached max retries, abandoning")
}

// TaskEnqueuer is the subset of queue.Backend the dependency handler needs
// to actually create the follow-up task (not just announce it).
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, name string, priority int, payload map[string]any) (string, error)
}

// DependencyHandler subscribes to TaskCompleted and, for tasks whose
// payload carries task_type == "data_processing", enqueues a follow-up
// report-generation task and publishes TaskCreated for it — grounded on
// event_handlers.py's _trigger_dependent_tasks.
type DependencyHandler struct {
	backend TaskEnqueuer
	bus     *EventBus
}

// NewDependencyHandler builds a dependency handler wired to backend and
// bus, and subscribes it to TaskCompleted immediately.
func NewDependencyHandler(backend TaskEnqueuer, bus *EventBus) *DependencyHandler {
	h := &DependencyHandler{backend: backend, bus: bus}
	bus.Subscribe(TaskCompleted, h.handle)
	return h
}

func (h *DependencyHandler) handle(event Event) {
	taskType, _ := event.Payload["task_type"].(string)
	if taskType != "data_processing" {
		return
	}

	parentID, _ := event.Payload["task_id"].(string)
	name := fmt.Sprintf("Report for task %s", parentID)
	payload := map[string]any{
		"task_type":      "report_generation",
		"parent_task_id": parentID,
	}

	newID, err := h.backend.Enqueue(context.Background(), name, 3, payload)
	if err != nil {
		logger.Log.Error().Err(err).Str("parent_task_id", parentID).Msg("failed to enqueue dependent report task")
		return
	}

	logger.Log.Info().Str("parent_task_id", parentID).Str("new_task_id", newID).Msg("triggered dependent report generation task")
	h.bus.Publish(TaskCreated, map[string]any{
		"task_id":        newID,
		"name":           name,
		"parent_task_id": parentID,
	}, "dependency_handler", event.CorrelationID)
}

// SystemHandler subscribes to SystemHealthCheck and logs a warning
// whenever any reported service is unhealthy, grounded on
// event_handlers.py's SystemEventHandlers.
type SystemHandler struct{}

// NewSystemHandler builds a system handler and subscribes it immediately.
func NewSystemHandler(bus *EventBus) *SystemHandler {
	h := &SystemHandler{}
	bus.Subscribe(SystemHealthCheck, h.handle)
	return h
}

func (h *SystemHandler) handle(event Event) {
	var unhealthy []string
	for service, v := range event.Payload {
		status, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if healthy, ok := status["healthy"].(bool); ok && !healthy {
			unhealthy = append(unhealthy, service)
		}
	}
	if len(unhealthy) > 0 {
		logger.Log.Warn().Strs("services", unhealthy).Msg("unhealthy services detected")
	}
}
