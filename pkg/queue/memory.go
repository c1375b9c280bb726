package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/task"
)

// taskHeap is a container/heap.Interface over *task.Task, ordered by the
// task package's Less (priority asc, insertion sequence asc).
type taskHeap []*task.Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task.Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// InMemoryQueue is the local, process-scoped priority queue: a min-heap
// plus a status index, guarded by a single monitor (mutex + condition
// variable). It satisfies Backend and guarantees strict priority ordering
// with FIFO tiebreak within a priority class.
//
// The heap must never contain a task whose current status is anything
// other than Pending; all mutations happen under the monitor so this
// invariant can't be observed broken from another goroutine.
type InMemoryQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	heap  taskHeap
	tasks map[string]*task.Task
	seq   uint64
}

// NewInMemoryQueue constructs an empty in-memory priority queue.
func NewInMemoryQueue() *InMemoryQueue {
	q := &InMemoryQueue{
		heap:  make(taskHeap, 0),
		tasks: make(map[string]*task.Task),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, name string, priority int, payload map[string]any) (string, error) {
	if len(name) < task.MinNameLen || len(name) > task.MaxNameLen {
		return "", fmt.Errorf("%w: name length must be in [%d,%d]", ErrInvalidInput, task.MinNameLen, task.MaxNameLen)
	}
	if priority < task.MinPriority || priority > task.MaxPriority {
		return "", fmt.Errorf("%w: priority must be in [%d,%d]", ErrInvalidInput, task.MinPriority, task.MaxPriority)
	}

	maxRetries := defaultMaxRetries
	if payload != nil {
		if v, ok := payload["_max_retries"]; ok {
			if n, ok := toInt(v); ok {
				maxRetries = n
			}
			delete(payload, "_max_retries")
		}
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:         uuid.New().String(),
		Name:       name,
		Priority:   priority,
		Payload:    payload,
		Status:     task.Pending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: maxRetries,
	}

	q.mu.Lock()
	q.seq++
	t.SetSequence(q.seq)
	heap.Push(&q.heap, t)
	q.tasks[t.ID] = t
	q.cond.Signal()
	q.mu.Unlock()

	logger.Log.Debug().Str("task_id", t.ID).Str("name", name).Int("priority", priority).Msg("task enqueued")
	return t.ID, nil
}

// Dequeue blocks until a pending task is available, the context is
// cancelled, or timeout elapses (timeout <= 0 means block indefinitely).
// On wake it always re-checks the heap before trusting the wakeup, which
// is what makes spurious Cond wakeups harmless.
func (q *InMemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		waitCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Bridge ctx cancellation/timeout into the condition variable: a
	// dedicated goroutine broadcasts once waitCtx is done so Wait()
	// unblocks even if no task ever arrives.
	done := make(chan struct{})
	go func() {
		select {
		case <-waitCtx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	for len(q.heap) == 0 {
		if waitCtx.Err() != nil {
			q.mu.Unlock()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
		q.cond.Wait()
	}

	t := heap.Pop(&q.heap).(*task.Task)
	t.Status = task.Processing
	t.UpdatedAt = time.Now().UTC()
	q.tasks[t.ID] = t
	q.mu.Unlock()

	return t, nil
}

func (q *InMemoryQueue) GetTask(ctx context.Context, id string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (q *InMemoryQueue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (q *InMemoryQueue) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*task.Task
	for _, t := range q.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (q *InMemoryQueue) UpdateTaskStatus(ctx context.Context, id string, status task.Status) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return false, nil
	}
	if !t.Status.CanTransitionTo(status) {
		return false, nil
	}

	prev := t.Status
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	q.tasks[id] = t

	if status == task.Pending && prev != task.Pending {
		q.seq++
		t.SetSequence(q.seq)
		heap.Push(&q.heap, t)
		q.cond.Signal()
	}
	return true, nil
}

func (q *InMemoryQueue) DeleteTask(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[id]; !ok {
		return false, nil
	}
	delete(q.tasks, id)

	// If the task is still sitting pending in the heap, remove it so the
	// heap never holds a stale (deleted) entry.
	for i, ht := range q.heap {
		if ht.ID == id {
			heap.Remove(&q.heap, i)
			break
		}
	}
	return true, nil
}

func (q *InMemoryQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap), nil
}

// IncrementRetryCount bumps retry_count, records errMsg, and -- while the
// new retry_count does not exceed max_retries -- flips the task back to
// Pending, re-inserting it
// into the heap with a fresh insertion sequence. Returns the resulting
// retry/max counts so callers (the event bus retry handler) can decide
// whether to abandon. Returns (0, 0, nil) if id is unknown.
func (q *InMemoryQueue) IncrementRetryCount(ctx context.Context, id string, errMsg string) (retryCount, maxRetries int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return 0, 0, nil
	}
	t.RetryCount++
	t.ErrorMessage = errMsg
	retryCount, maxRetries = t.RetryCount, t.MaxRetries

	if retryCount <= maxRetries && t.Status.CanTransitionTo(task.Pending) {
		t.Status = task.Pending
		t.UpdatedAt = time.Now().UTC()
		q.seq++
		t.SetSequence(q.seq)
		heap.Push(&q.heap, t)
		q.cond.Signal()
	}
	return retryCount, maxRetries, nil
}
