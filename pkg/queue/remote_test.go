package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskflow/pkg/task"
	"github.com/redis/go-redis/v9"
)

func setupTestRedisQueue(t *testing.T) (*redis.Client, *RemoteQueue) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	q := NewRemoteQueue(s.Addr())
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		q.Close()
		rdb.Close()
		s.Close()
	})
	return rdb, q
}

func TestRemoteEnqueueRoutesByPriority(t *testing.T) {
	rdb, q := setupTestRedisQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "important", 1, nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	n, _ := rdb.LLen(ctx, keyQueueHigh).Result()
	if n != 1 {
		t.Errorf("expected queue:high length 1, got %d", n)
	}
}

func TestRemotePriorityDequeue(t *testing.T) {
	_, q := setupTestRedisQueue(t)
	ctx := context.Background()

	lowID, _ := q.Enqueue(ctx, "low", 5, nil)
	highID, _ := q.Enqueue(ctx, "high", 1, nil)
	defaultID, _ := q.Enqueue(ctx, "default", 3, nil)

	first, err := q.Dequeue(ctx, time.Second)
	if err != nil || first == nil || first.ID != highID {
		t.Fatalf("expected high priority task first, got %v err=%v", first, err)
	}
	second, err := q.Dequeue(ctx, time.Second)
	if err != nil || second == nil || second.ID != defaultID {
		t.Fatalf("expected default priority task second, got %v err=%v", second, err)
	}
	third, err := q.Dequeue(ctx, time.Second)
	if err != nil || third == nil || third.ID != lowID {
		t.Fatalf("expected low priority task third, got %v err=%v", third, err)
	}
}

func TestRemoteCompleteTrimsProcessingAndAppendsCompleted(t *testing.T) {
	rdb, q := setupTestRedisQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "t", 3, nil)
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	ok, err := q.UpdateTaskStatus(ctx, id, task.Completed)
	if err != nil || !ok {
		t.Fatalf("UpdateTaskStatus failed: ok=%v err=%v", ok, err)
	}

	processingLen, _ := rdb.LLen(ctx, keyProcessing).Result()
	if processingLen != 0 {
		t.Errorf("expected processing_queue empty after completion, got %d entries", processingLen)
	}
	completedLen, _ := rdb.LLen(ctx, keyCompleted).Result()
	if completedLen != 1 {
		t.Errorf("expected completed_queue to have 1 entry, got %d", completedLen)
	}
}

func TestRemoteIncrementRetryCountSchedulesDelayedRetry(t *testing.T) {
	rdb, q := setupTestRedisQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "t", 3, map[string]any{"_max_retries": 2})
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	retryCount, maxRetries, err := q.IncrementRetryCount(ctx, id, "boom")
	if err != nil {
		t.Fatalf("IncrementRetryCount failed: %v", err)
	}
	if retryCount != 1 || maxRetries != 2 {
		t.Errorf("expected retryCount=1 maxRetries=2, got %d/%d", retryCount, maxRetries)
	}

	card, err := rdb.ZCard(ctx, keyDelayed).Result()
	if err != nil || card != 1 {
		t.Errorf("expected delayed_queue to have 1 entry, got %d err=%v", card, err)
	}
}

func TestRemoteIncrementRetryCountExceedsMaxMovesToDeadLetter(t *testing.T) {
	rdb, q := setupTestRedisQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "t", 3, map[string]any{"_max_retries": 0})
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	retryCount, maxRetries, err := q.IncrementRetryCount(ctx, id, "boom")
	if err != nil {
		t.Fatalf("IncrementRetryCount failed: %v", err)
	}
	if retryCount != 1 || maxRetries != 0 {
		t.Errorf("expected retryCount=1 maxRetries=0, got %d/%d", retryCount, maxRetries)
	}

	deadLetterLen, _ := rdb.LLen(ctx, keyDeadLetter).Result()
	if deadLetterLen != 1 {
		t.Errorf("expected dead_letter_queue to have 1 entry, got %d", deadLetterLen)
	}
}

func TestRemoteSchedulerSweepsDueDelayedTasks(t *testing.T) {
	_, q := setupTestRedisQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "t", 3, map[string]any{"_max_retries": 5})
	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if _, _, err := q.IncrementRetryCount(ctx, id, "boom"); err != nil {
		t.Fatalf("IncrementRetryCount failed: %v", err)
	}

	// The scheduler polls every schedulerPoll (500ms) and the backoff for
	// retry_count=1 is 200ms, so it should be swept back within ~3s.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		size, _ := q.Size(ctx)
		if size == 1 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("delayed task was never swept back onto a priority queue")
}
