package integration_tests

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/eventbus"
	"github.com/guido-cesarano/taskflow/pkg/loadbalancer"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/storage"
	"github.com/guido-cesarano/taskflow/pkg/task"
	"github.com/guido-cesarano/taskflow/pkg/worker"
	"github.com/redis/go-redis/v9"
)

// requireRedis skips the test unless a Redis instance (e.g. cmd/redis_server,
// or docker-compose) is reachable at localhost:6379.
func requireRedis(t *testing.T) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping integration test: redis not reachable at localhost:6379 (%v)", err)
	}
	rdb.FlushAll(ctx)
}

func TestRemoteQueueEndToEnd(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()

	q := queue.NewRemoteQueue("localhost:6379")
	defer q.Close()

	id, err := q.Enqueue(ctx, "integration-task", 3, map[string]any{"msg": "hello"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	dequeued, err := q.Dequeue(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if dequeued == nil || dequeued.ID != id {
		t.Fatalf("expected to dequeue task %s, got %+v", id, dequeued)
	}

	ok, err := q.UpdateTaskStatus(ctx, id, task.Completed)
	if err != nil || !ok {
		t.Fatalf("UpdateTaskStatus failed: ok=%v err=%v", ok, err)
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 0 {
		t.Errorf("expected empty queue after completion, got size %d", size)
	}
}

func TestInMemoryQueueEndToEnd(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemoryQueue()

	lowID, _ := q.Enqueue(ctx, "low", 5, nil)
	highID, _ := q.Enqueue(ctx, "high", 1, nil)
	_ = lowID

	first, err := q.Dequeue(ctx, time.Second)
	if err != nil || first == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if first.ID != highID {
		t.Fatalf("expected priority order to dequeue %s first, got %s", highID, first.ID)
	}
}

// TestWorkerRetryFlow drives a full worker -> event bus -> retry cycle: a
// processor that fails until its third attempt should see the task
// eventually land in Completed, re-queued twice by the retry handler.
func TestWorkerRetryFlow(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemoryQueue()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	bus := eventbus.New()
	eventbus.NewRetryHandler(q, bus)

	attempts := 0
	done := make(chan struct{})
	bus.Subscribe(eventbus.TaskCompleted, func(eventbus.Event) { close(done) })

	w := worker.New(q, store, func(t *task.Task) bool {
		attempts++
		return attempts >= 3
	}, bus)
	w.Start()
	defer w.Stop()

	id, err := q.Enqueue(ctx, "flaky", 3, map[string]any{"_max_retries": 5})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task to complete after retries")
	}

	final, err := q.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if final.Status != task.Completed {
		t.Errorf("expected final status completed, got %s", final.Status)
	}
	if attempts < 3 {
		t.Errorf("expected at least 3 processing attempts, got %d", attempts)
	}
}

func TestLoadBalancerRoundRobin(t *testing.T) {
	var hits [2]int
	backend0 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		hits[0]++
		w.WriteHeader(http.StatusOK)
	}))
	defer backend0.Close()

	backend1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		hits[1]++
		w.WriteHeader(http.StatusOK)
	}))
	defer backend1.Close()

	port0 := backend0.Listener.Addr().(*net.TCPAddr).Port
	port1 := backend1.Listener.Addr().(*net.TCPAddr).Port

	instances := []*loadbalancer.Instance{
		loadbalancer.NewInstance("127.0.0.1", port0),
		loadbalancer.NewInstance("127.0.0.1", port1),
	}
	lb := loadbalancer.New(instances, 50*time.Millisecond, "http://127.0.0.1")
	lb.Start()
	defer lb.Stop()

	time.Sleep(100 * time.Millisecond) // let the initial health pass settle

	front := httptest.NewServer(lb)
	defer front.Close()

	for i := 0; i < 10; i++ {
		resp, err := http.Get(front.URL + fmt.Sprintf("/task/%d", i))
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		resp.Body.Close()
	}

	if hits[0] == 0 || hits[1] == 0 {
		t.Errorf("expected requests spread across both instances, got %v", hits)
	}
}
