// Package events provides the process-wide typed publish/subscribe bus.
// Delivery is FIFO per subscriber and unordered across subscribers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Type tags an event with one of the closed event set. Publishing an
// unknown tag is rejected to prevent typo drift.
type Type string

const (
	SessionEvent     Type = "session_event"
	ToolEvent        Type = "tool_event"
	SystemEvent      Type = "system_event"
	SignalClassified Type = "signal_classified"
	ThinkingDelta    Type = "thinking_delta"
	LLMRequest       Type = "llm_request"
	LLMResponse      Type = "llm_response"
	TaskCompleted    Type = "task_completed"
	SwarmProgress    Type = "swarm_progress"
	Connected        Type = "connected"
	Cancelled        Type = "cancelled"
)

var knownTypes = map[Type]bool{
	SessionEvent:     true,
	ToolEvent:        true,
	SystemEvent:      true,
	SignalClassified: true,
	ThinkingDelta:    true,
	LLMRequest:       true,
	LLMResponse:      true,
	TaskCompleted:    true,
	SwarmProgress:    true,
	Connected:        true,
	Cancelled:        true,
}

// Known reports whether t is in the closed event set.
func Known(t Type) bool { return knownTypes[t] }

// Event is a single bus frame. Payload must be JSON-marshalable; session
// scoped events carry SessionID.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "osa_bus_dropped_events_total",
	Help: "Events dropped because a subscriber buffer overflowed.",
}, []string{"type"})

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 256

type subscriber struct {
	id     string
	ch     chan Event
	filter func(Event) bool
}

// Bus fans typed events out to subscribers without blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	buffer int
	logger *slog.Logger
}

// Option configures the bus.
type Option func(*Bus)

// WithLogger configures the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBuffer sets the per-subscriber buffer depth.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]*subscriber),
		buffer: DefaultBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is an opaque handle to a bus subscription.
type Subscription struct {
	id  string
	ch  chan Event
	bus *Bus
}

// Events returns the subscriber's receive channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscriber from the bus.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.id)
}

// Subscribe attaches a subscriber receiving every published event.
func (b *Bus) Subscribe() *Subscription {
	return b.subscribe(nil)
}

// SubscribeSession attaches a subscriber receiving only events scoped to
// the given session id.
func (b *Bus) SubscribeSession(sessionID string) *Subscription {
	return b.subscribe(func(e Event) bool { return e.SessionID == sessionID })
}

func (b *Bus) subscribe(filter func(Event) bool) *Subscription {
	sub := &subscriber{
		id:     uuid.NewString(),
		ch:     make(chan Event, b.buffer),
		filter: filter,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return &Subscription{id: sub.id, ch: sub.ch, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber. It never
// blocks: when a subscriber buffer is full, the oldest buffered event for
// that subscriber is dropped and counted.
func (b *Bus) Publish(evt Event) error {
	if !Known(evt.Type) {
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
			continue
		default:
		}
		// Buffer full: shed the oldest event, then retry once.
		select {
		case <-sub.ch:
			droppedEvents.WithLabelValues(string(evt.Type)).Inc()
		default:
		}
		select {
		case sub.ch <- evt:
		default:
			droppedEvents.WithLabelValues(string(evt.Type)).Inc()
			b.logger.Warn("event dropped, subscriber not draining", "type", evt.Type, "subscriber", sub.id)
		}
	}
	return nil
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
