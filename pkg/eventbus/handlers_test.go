package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRetryBackend struct {
	mu         sync.Mutex
	calls      map[string]int
	maxRetries int
}

func (f *fakeRetryBackend) IncrementRetryCount(ctx context.Context, id string, errMsg string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[id]++
	return f.calls[id], f.maxRetries, nil
}

func TestRetryHandlerRequeuesWithinMaxRetries(t *testing.T) {
	bus := New()
	backend := &fakeRetryBackend{maxRetries: 3}
	NewRetryHandler(backend, bus)

	var mu sync.Mutex
	var sawRequeue bool
	bus.Subscribe(TaskCreated, func(e Event) {
		mu.Lock()
		sawRequeue = true
		mu.Unlock()
	})

	bus.Publish(TaskFailed, map[string]any{"task_id": "t1", "error_message": "boom"}, "worker", "")

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawRequeue
	})
}

func TestRetryHandlerAbandonsPastMaxRetries(t *testing.T) {
	bus := New()
	backend := &fakeRetryBackend{maxRetries: 0}
	NewRetryHandler(backend, bus)

	var mu sync.Mutex
	var sawRequeue bool
	bus.Subscribe(TaskCreated, func(e Event) {
		mu.Lock()
		sawRequeue = true
		mu.Unlock()
	})

	bus.Publish(TaskFailed, map[string]any{"task_id": "t1", "error_message": "boom"}, "worker", "")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if sawRequeue {
		t.Error("expected no TaskCreated republish once max_retries is exceeded")
	}
}

func TestRetryHandlerIgnoresMissingTaskID(t *testing.T) {
	bus := New()
	backend := &fakeRetryBackend{maxRetries: 3}
	NewRetryHandler(backend, bus)

	bus.Publish(TaskFailed, map[string]any{"error_message": "boom"}, "worker", "")
	time.Sleep(50 * time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.calls) != 0 {
		t.Errorf("expected no IncrementRetryCount calls without a task_id, got %d", len(backend.calls))
	}
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	calls  []string
	nextID string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, name string, priority int, payload map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.nextID, nil
}

func TestDependencyHandlerEnqueuesReportForDataProcessing(t *testing.T) {
	bus := New()
	backend := &fakeEnqueuer{nextID: "report-1"}
	NewDependencyHandler(backend, bus)

	bus.Publish(TaskCompleted, map[string]any{"task_id": "parent-1", "task_type": "data_processing"}, "worker", "")

	waitForCondition(t, time.Second, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.calls) == 1
	})
}

func TestDependencyHandlerIgnoresOtherTaskTypes(t *testing.T) {
	bus := New()
	backend := &fakeEnqueuer{nextID: "report-1"}
	NewDependencyHandler(backend, bus)

	bus.Publish(TaskCompleted, map[string]any{"task_id": "parent-1", "task_type": "email"}, "worker", "")
	time.Sleep(100 * time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.calls) != 0 {
		t.Errorf("expected no follow-up task for a non-data_processing task, got %d calls", len(backend.calls))
	}
}

func TestSystemHandlerLogsUnhealthyServices(t *testing.T) {
	bus := New()
	NewSystemHandler(bus)

	// No subscriber-observable effect beyond logging; this just verifies
	// publishing a health-check event with a mixed healthy/unhealthy
	// payload doesn't panic the handler goroutine.
	bus.Publish(SystemHealthCheck, map[string]any{
		"queue":   map[string]any{"healthy": true},
		"storage": map[string]any{"healthy": false},
	}, "scheduler", "")
	time.Sleep(50 * time.Millisecond)
}
