package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/task"
	"github.com/redis/go-redis/v9"
)

// defaultMaxRetries is applied to every enqueued task unless the caller
// supplies an override via the payload's "_max_retries" key (see Enqueue).
const defaultMaxRetries = 3

// Redis key names, kept from the teacher's client.go.
const (
	keyQueueHigh     = "queue:high"
	keyQueueDefault  = "queue:default"
	keyQueueLow      = "queue:low"
	keyProcessing    = "processing_queue"
	keyCompleted     = "completed_queue"
	keyDeadLetter    = "dead_letter_queue"
	keyDelayed       = "delayed_queue"
	completedKeepN   = 100
	schedulerPoll    = 500 * time.Millisecond
	dequeuePollSlice = 250 * time.Millisecond
)

// RemoteQueue is a Redis-backed implementation of Backend, adapted from the
// teacher's pkg/queue/client.go. Three priority lists (queue:high/default/
// low) hold pending work; a sorted set (delayed_queue) holds tasks awaiting
// retry; a background scheduler sweeps due entries back onto the main
// queue.
//
// Priority caveat (spec.md §4.3 / §9, Open Question resolved as (a)): Redis
// lists give strict FIFO only *within* one priority list. Dequeue drains
// queue:high before queue:default before queue:low, but a retried task
// re-enters at queue:default regardless of its original priority (the
// scheduler's sweep doesn't re-derive priority from the stored body), so
// cross-priority ordering is FIFO-ish for retried tasks, not the strict
// total order the in-memory backend guarantees.
type RemoteQueue struct {
	rdb *redis.Client

	mu     sync.Mutex
	mirror map[string]*task.Task

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRemoteQueue connects to Redis at addr ("host:port") and starts the
// background delayed-queue scheduler.
func NewRemoteQueue(addr string) *RemoteQueue {
	q := &RemoteQueue{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		mirror: make(map[string]*task.Task),
		stopCh: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.runScheduler()
	return q
}

// Close stops the background scheduler and closes the Redis connection.
func (q *RemoteQueue) Close() error {
	close(q.stopCh)
	q.wg.Wait()
	return q.rdb.Close()
}

func priorityQueueName(priority int) string {
	switch priority {
	case task.MinPriority, task.MinPriority + 1:
		return keyQueueHigh
	case task.MaxPriority, task.MaxPriority - 1:
		return keyQueueLow
	default:
		return keyQueueDefault
	}
}

func (q *RemoteQueue) Enqueue(ctx context.Context, name string, priority int, payload map[string]any) (string, error) {
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

	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := q.rdb.RPush(ctx, priorityQueueName(priority), data).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	q.mu.Lock()
	q.mirror[t.ID] = t
	q.mu.Unlock()

	return t.ID, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Dequeue drains queue:high, then queue:default, then queue:low, polling
// each in short slices so the overall call still honors timeout (<=0 means
// block until ctx is cancelled).
func (q *RemoteQueue) Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	hasDeadline := timeout > 0
	var deadline time.Time
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}
	queues := []string{keyQueueHigh, keyQueueDefault, keyQueueLow}

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, qn := range queues {
			wait := dequeuePollSlice
			if hasDeadline {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					return nil, nil
				}
				if remaining < wait {
					wait = remaining
				}
			}

			result, err := q.rdb.BLMove(ctx, qn, keyProcessing, "LEFT", "RIGHT", wait).Result()
			if err == nil {
				var t task.Task
				if jerr := json.Unmarshal([]byte(result), &t); jerr != nil {
					logger.Log.Error().Err(jerr).Str("raw", result).Msg("dropping malformed remote task body")
					continue
				}
				t.ReceiptHandle = result
				t.Status = task.Processing
				t.UpdatedAt = time.Now().UTC()

				q.mu.Lock()
				q.mirror[t.ID] = &t
				q.mu.Unlock()
				return &t, nil
			}
			if err != redis.Nil {
				logger.Log.Error().Err(err).Str("queue", qn).Msg("remote dequeue transport error")
				return nil, nil
			}
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

func (q *RemoteQueue) GetTask(ctx context.Context, id string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.mirror[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (q *RemoteQueue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, 0, len(q.mirror))
	for _, t := range q.mirror {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (q *RemoteQueue) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*task.Task
	for _, t := range q.mirror {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// UpdateTaskStatus mirrors the transition locally and, when moving to
// Completed, shuffles the raw message from processing_queue to a bounded
// completed_queue history exactly like the teacher's Complete(). Moving
// back to Pending re-enqueues the raw body onto queue:default (see the
// priority caveat on RemoteQueue).
func (q *RemoteQueue) UpdateTaskStatus(ctx context.Context, id string, status task.Status) (bool, error) {
	q.mu.Lock()
	t, ok := q.mirror[id]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	if !t.Status.CanTransitionTo(status) {
		q.mu.Unlock()
		return false, nil
	}
	raw := t.ReceiptHandle
	prev := t.Status
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	q.mu.Unlock()

	switch status {
	case task.Completed:
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyProcessing, 1, raw)
		pipe.RPush(ctx, keyCompleted, raw)
		pipe.LTrim(ctx, keyCompleted, -completedKeepN, -1)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	case task.Pending:
		if prev == task.Pending {
			// Already pending and queued; re-pushing would duplicate it.
			break
		}
		data, err := json.Marshal(t)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyProcessing, 1, raw)
		pipe.RPush(ctx, keyQueueDefault, data)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		q.mu.Lock()
		t.ReceiptHandle = string(data)
		q.mu.Unlock()
	}
	// No case task.Failed: failure cleanup runs on the IncrementRetryCount
	// path instead (ScheduleRetry or MoveToDeadLetter), called by
	// RetryHandler when the TaskFailed event the worker publishes after this
	// ack reaches it, so this ack is an intentional no-op for Failed rather
	// than a missing case.
	return true, nil
}

// DeleteTask drops the task from the local mirror and, when the task has a
// receipt handle (it has been dequeued or re-queued), acknowledges
// (removes) that message from Redis. A task that was enqueued but never
// dequeued has no receipt handle, so its message stays in its priority
// list.
func (q *RemoteQueue) DeleteTask(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	t, ok := q.mirror[id]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	raw := t.ReceiptHandle
	delete(q.mirror, id)
	q.mu.Unlock()

	if raw != "" {
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyProcessing, 1, raw)
		pipe.LRem(ctx, priorityQueueName(t.Priority), 1, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return true, nil
}

// MoveToDeadLetter moves a permanently-failed task's message to the dead
// letter queue. Not part of Backend; called by the worker/event-bus retry
// path once retry_count exceeds max_retries. Grounded on the teacher's
// Fail().
func (q *RemoteQueue) MoveToDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	t, ok := q.mirror[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	raw := t.ReceiptHandle
	data, err := json.Marshal(t)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, keyDeadLetter, data)
	pipe.LRem(ctx, keyProcessing, 1, raw)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// IncrementRetryCount bumps retry_count, records errMsg, and -- while the
// new retry_count does not exceed max_retries -- schedules the task for a
// delayed retry via
// ScheduleRetry, which runScheduler sweeps back onto queue:default once the
// backoff elapses (matching the teacher's Retry()). Past max_retries it
// moves the message to the dead letter queue instead, matching the
// teacher's Fail(). Returns the resulting retry/max counts so callers (the
// event bus retry handler) can decide what to log.
func (q *RemoteQueue) IncrementRetryCount(ctx context.Context, id string, errMsg string) (retryCount, maxRetries int, err error) {
	q.mu.Lock()
	t, ok := q.mirror[id]
	if !ok {
		q.mu.Unlock()
		return 0, 0, nil
	}
	t.RetryCount++
	t.ErrorMessage = errMsg
	retryCount, maxRetries = t.RetryCount, t.MaxRetries
	canRetry := retryCount <= t.MaxRetries
	snapshot := t.Clone()
	q.mu.Unlock()

	if canRetry {
		if serr := q.ScheduleRetry(ctx, snapshot); serr != nil {
			return retryCount, maxRetries, serr
		}
		return retryCount, maxRetries, nil
	}

	if derr := q.MoveToDeadLetter(ctx, id); derr != nil {
		return retryCount, maxRetries, derr
	}
	return retryCount, maxRetries, nil
}

func (q *RemoteQueue) Size(ctx context.Context) (int, error) {
	var total int64
	for _, qn := range []string{keyQueueHigh, keyQueueDefault, keyQueueLow} {
		n, err := q.rdb.LLen(ctx, qn).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		total += n
	}
	return int(total), nil
}

// QueueDepths reports the length of every named queue, including the
// delayed and dead-letter sets, for the worker's taskflow_queue_depth
// Prometheus gauge.
func (q *RemoteQueue) QueueDepths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, qn := range []string{keyQueueHigh, keyQueueDefault, keyQueueLow, keyProcessing, keyDeadLetter} {
		if n, err := q.rdb.LLen(ctx, qn).Result(); err == nil {
			depths[qn] = n
		}
	}
	if n, err := q.rdb.ZCard(ctx, keyDelayed).Result(); err == nil {
		depths[keyDelayed] = n
	}
	return depths
}

// ScheduleRetry places the task's current body on the delayed_queue with
// an exponential-backoff score (2^retry_count * 100ms from now), exactly
// as the teacher's Retry() does. The scheduler sweeps it back to
// queue:default once the score elapses.
func (q *RemoteQueue) ScheduleRetry(ctx context.Context, t *task.Task) error {
	backoff := time.Duration(1<<uint(t.RetryCount)) * 100 * time.Millisecond
	processAt := time.Now().Add(backoff)

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(processAt.UnixNano()), Member: data})
	pipe.LRem(ctx, keyProcessing, 1, t.ReceiptHandle)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// runScheduler periodically sweeps due delayed-queue entries back onto
// queue:default via an atomic Lua script, so concurrent schedulers never
// double-deliver a retry. Kept from the teacher's StartScheduler.
func (q *RemoteQueue) runScheduler() {
	defer q.wg.Done()

	script := redis.NewScript(`
		local delayed_key = KEYS[1]
		local main_queue_key = KEYS[2]
		local now = tonumber(ARGV[1])
		local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
		if #due > 0 then
			redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
			for _, body in ipairs(due) do
				redis.call('RPUSH', main_queue_key, body)
			end
		end
		return #due
	`)

	ticker := time.NewTicker(schedulerPoll)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			now := float64(time.Now().UnixNano())
			if _, err := script.Run(ctx, q.rdb, []string{keyDelayed, keyQueueDefault}, now).Result(); err != nil && err != redis.Nil {
				logger.Log.Error().Err(err).Msg("remote queue scheduler error")
			}
		}
	}
}
