// Package task defines the core data structures for task representation in
// the TaskFlow system. Tasks are units of work that are enqueued, dispatched
// to a worker, and terminally persisted as completed or failed.
package task

import "time"

// Status is the lifecycle state of a Task. Transitions form a DAG:
// Pending -> Processing -> {Completed, Failed}; Failed -> Pending (retry)
// is the only backward edge. Completed is terminal.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Valid reports whether s is one of the four recognized statuses.
func Valid(s string) bool {
	switch Status(s) {
	case Pending, Processing, Completed, Failed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is allowed by the
// status DAG. Transitioning to the same status is always allowed (callers
// treat it as a no-op success, per spec's idempotency requirement).
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case Pending:
		return next == Processing
	case Processing:
		return next == Completed || next == Failed
	case Failed:
		return next == Pending
	case Completed:
		return false
	default:
		return false
	}
}

// Priority bounds, 1 = highest precedence, 5 = lowest.
const (
	MinPriority = 1
	MaxPriority = 5
)

const (
	MinNameLen = 1
	MaxNameLen = 100
)

// Task is a durably identified unit of work. Priority is 1 (highest) to 5
// (lowest). Payload is an arbitrary JSON object; ReceiptHandle is only
// meaningful when the task is in flight on a remote queue backend.
type Task struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Priority      int            `json:"priority"`
	Payload       map[string]any `json:"payload"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	RetryCount    int            `json:"retry_count,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ReceiptHandle string         `json:"-"` // never serialized into persistent storage
	sequence      uint64         // insertion order, used only for the ordering law
}

// Sequence returns the task's insertion sequence number, used to break
// priority ties in FIFO order. Zero for tasks that were never enqueued
// through a sequence-assigning backend (e.g. freshly deserialized tasks).
func (t *Task) Sequence() uint64 { return t.sequence }

// SetSequence stamps the insertion sequence. Backends call this each time
// they insert the task into their priority structure: at enqueue, and
// again with a fresh sequence on every re-queue.
func (t *Task) SetSequence(seq uint64) { t.sequence = seq }

// Less implements the ordering law from spec §3: lower priority number
// sorts first, ties break by insertion order (FIFO within a priority
// class). Intended for container/heap.
func (t *Task) Less(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	return t.sequence < other.sequence
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries (the payload map is copied; nested values are not).
func (t *Task) Clone() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
