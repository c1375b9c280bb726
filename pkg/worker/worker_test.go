package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/eventbus"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/storage"
	"github.com/guido-cesarano/taskflow/pkg/task"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerSuccessfulProcessingPersistsCompleted(t *testing.T) {
	q := queue.NewInMemoryQueue()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	w := New(q, store, func(tk *task.Task) bool { return true }, nil)

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "job", 3, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	w.Start()
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool {
		tk, _ := store.LoadTask(ctx, id)
		return tk != nil && tk.Status == task.Completed
	})
}

func TestWorkerFailingProcessorPersistsFailedAndPublishesEvent(t *testing.T) {
	q := queue.NewInMemoryQueue()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	bus := eventbus.New()

	var mu sync.Mutex
	var gotFailure bool
	bus.Subscribe(eventbus.TaskFailed, func(e eventbus.Event) {
		mu.Lock()
		gotFailure = true
		mu.Unlock()
	})

	w := New(q, store, func(tk *task.Task) bool { return false }, bus)

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "job", 3, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	w.Start()
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool {
		tk, _ := store.LoadTask(ctx, id)
		return tk != nil && tk.Status == task.Failed
	})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotFailure
	})
}

func TestWorkerRecoversProcessorPanic(t *testing.T) {
	q := queue.NewInMemoryQueue()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	w := New(q, store, func(tk *task.Task) bool { panic("boom") }, nil)

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "job", 3, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	w.Start()
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool {
		tk, _ := store.LoadTask(ctx, id)
		return tk != nil && tk.Status == task.Failed
	})
}

func TestWorkerStartStopIdempotent(t *testing.T) {
	q := queue.NewInMemoryQueue()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	w := New(q, store, func(tk *task.Task) bool { return true }, nil)

	w.Start()
	w.Start()
	if !w.Running() {
		t.Fatal("expected worker to be running after Start")
	}

	w.Stop()
	w.Stop()
	if w.Running() {
		t.Fatal("expected worker to be stopped after Stop")
	}
}
