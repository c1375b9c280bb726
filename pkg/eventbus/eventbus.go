// Package eventbus implements TaskFlow's in-process publish/subscribe bus,
// decoupling task-failure retry handling and dependent-task creation from
// the worker. Grounded on original_source/event_bus.py, translated from
// Python threads to goroutines.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskflow/pkg/logger"
)

// EventType enumerates the event kinds TaskFlow components publish.
type EventType string

const (
	TaskCreated       EventType = "task_created"
	TaskStarted       EventType = "task_started"
	TaskCompleted     EventType = "task_completed"
	TaskFailed        EventType = "task_failed"
	TaskUpdated       EventType = "task_updated"
	SystemHealthCheck EventType = "system_health_check"
)

// maxHistory bounds the event ring buffer, per spec.md §4.5.
const maxHistory = 1000

// Event is an immutable record of something that happened, published once
// and kept in the bounded history ring.
type Event struct {
	ID            string
	Type          EventType
	Timestamp     time.Time
	Payload       map[string]any
	Source        string
	CorrelationID string
}

// Handler processes a published event. Handlers run on their own goroutine
// per dispatch so a slow handler never blocks the publisher; a handler
// that panics is recovered and logged, never propagated.
type Handler func(Event)

// EventBus is a thread-safe, bounded-history in-process pub/sub hub.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[EventType][]Handler
	history     []Event // ring buffer, oldest at index 0 after eviction
}

// New constructs an empty event bus.
func New() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Handler),
		history:     make([]Event, 0, maxHistory),
	}
}

// Subscribe registers handler to run whenever an event of the given type is
// published. Subscriptions are additive; there is no Unsubscribe, matching
// the bus's intended lifetime (process-scoped, set up once at startup).
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	logger.Log.Debug().Str("event_type", string(eventType)).Msg("handler subscribed")
}

// Publish records the event in history and dispatches it to every current
// subscriber of its type, each on its own goroutine. It returns the
// generated event id immediately; dispatch is asynchronous.
func (b *EventBus) Publish(eventType EventType, payload map[string]any, source string, correlationID string) string {
	event := Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		Source:        source,
		CorrelationID: correlationID,
	}

	b.mu.Lock()
	if len(b.history) == maxHistory {
		copy(b.history, b.history[1:])
		b.history[maxHistory-1] = event
	} else {
		b.history = append(b.history, event)
	}
	handlers := append([]Handler(nil), b.subscribers[eventType]...)
	b.mu.Unlock()

	b.dispatch(handlers, event)
	logger.Log.Debug().Str("event_id", event.ID).Str("event_type", string(eventType)).Msg("event published")
	return event.ID
}

func (b *EventBus) dispatch(handlers []Handler, event Event) {
	for _, h := range handlers {
		go runHandler(h, event)
	}
}

func runHandler(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().Interface("panic", r).Str("event_id", event.ID).Msg("event handler panicked")
		}
	}()
	h(event)
}

// Filter narrows GetEvents' result set; zero values mean "no filter".
type Filter struct {
	Type          EventType
	CorrelationID string
}

// GetEvents returns up to limit matching events, newest first.
func (b *EventBus) GetEvents(filter Filter, limit int) []Event {
	b.mu.Lock()
	snapshot := append([]Event(nil), b.history...)
	b.mu.Unlock()

	var matched []Event
	for i := len(snapshot) - 1; i >= 0; i-- {
		e := snapshot[i]
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID != filter.CorrelationID {
			continue
		}
		matched = append(matched, e)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched
}

// ReplayEvents re-dispatches every historical event sharing correlationID,
// oldest first, to the current subscriber set.
func (b *EventBus) ReplayEvents(correlationID string) {
	events := b.GetEvents(Filter{CorrelationID: correlationID}, 0)
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	logger.Log.Info().Str("correlation_id", correlationID).Int("count", len(events)).Msg("replaying events")
	for _, event := range events {
		b.mu.Lock()
		handlers := append([]Handler(nil), b.subscribers[event.Type]...)
		b.mu.Unlock()
		b.dispatch(handlers, event)
	}
}
