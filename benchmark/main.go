// Package main provides a benchmark tool for TaskFlow to measure task
// processing throughput against either backend.
//
// Usage:
//
//	go run benchmark/main.go -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/task"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	remote := flag.Bool("remote", false, "Use the Redis-backed RemoteQueue instead of InMemoryQueue")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address, when -remote is set")
	flag.Parse()

	var backend queue.Backend
	if *remote {
		rq := queue.NewRemoteQueue(*redisAddr)
		defer rq.Close()
		backend = rq
	} else {
		backend = queue.NewInMemoryQueue()
	}
	ctx := context.Background()

	fmt.Printf("TaskFlow Benchmark\n")
	fmt.Printf("==================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent workers: %d\n\n", *numWorkers)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				payload := map[string]any{"worker": workerID, "task": j}
				if _, err := backend.Enqueue(ctx, "benchmark", 3, payload); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Draining queue...\n")
	startProcess := time.Now()

	for {
		size, err := backend.Size(ctx)
		if err != nil {
			fmt.Printf("Error reading queue size: %v\n", err)
			break
		}
		if size == 0 {
			break
		}
		t, err := backend.Dequeue(ctx, 2*time.Second)
		if err != nil || t == nil {
			continue
		}
		backend.UpdateTaskStatus(ctx, t.ID, task.Completed)
	}

	processTime := time.Since(startProcess)
	fmt.Printf("Drained in %s\n", processTime)

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(*numTasks)/totalTime.Seconds())
}
