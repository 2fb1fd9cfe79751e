// Package events is the in-process pub/sub bus connecting the daemon's
// handlers and background loops. Dispatch is synchronous and ordered;
// a bounded ring keeps recent events for review bundles and debugging.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentctl/agentd/pkg/log"
)

// EventType discriminates delegation events. The set is closed:
// subscribers compile against these constants.
type EventType string

const (
	EventTaskCreated       EventType = "TASK_CREATED"
	EventTaskAssigned      EventType = "TASK_ASSIGNED"
	EventTaskStarted       EventType = "TASK_STARTED"
	EventCheckpointReached EventType = "CHECKPOINT_REACHED"
	EventResourceWarning   EventType = "RESOURCE_WARNING"
	EventProgressUpdate    EventType = "PROGRESS_UPDATE"
	EventSLAWarning        EventType = "SLA_WARNING"
	EventSLABreach         EventType = "SLA_BREACH"
	EventTaskCompleted     EventType = "TASK_COMPLETED"
	EventTaskVerified      EventType = "TASK_VERIFIED"
	EventReassignment      EventType = "REASSIGNMENT"
	EventDelegationChain   EventType = "DELEGATION_CHAIN"
	EventTrustUpdate       EventType = "TRUST_UPDATE"
	EventTDDCycleStart     EventType = "TDD_CYCLE_START"
	EventTDDTestPass       EventType = "TDD_TEST_PASS"
	EventTDDTestFail       EventType = "TDD_TEST_FAIL"
	EventTDDRefactor       EventType = "TDD_REFACTOR"
)

// Wildcard subscribes a handler to every event type.
const Wildcard EventType = "*"

// Event is one delegation event on the bus
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Agent     string                 `json:"agent,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler consumes one event. Handlers run synchronously on the
// emitter's call path, in subscription order.
type Handler func(*Event)

// DefaultRingSize bounds the recent-events buffer.
const DefaultRingSize = 1000

// Bus is the in-process typed pub/sub hub. A bounded ring of recent
// events supports introspection without a store round trip.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	ring     []*Event
	ringSize int
	ringPos  int
	ringFull bool
}

// NewBus creates a bus with the default ring size.
func NewBus() *Bus {
	return NewBusWithRing(DefaultRingSize)
}

// NewBusWithRing creates a bus with an explicit ring size.
func NewBusWithRing(size int) *Bus {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Bus{
		handlers: make(map[EventType][]Handler),
		ring:     make([]*Event, size),
		ringSize: size,
	}
}

// Subscribe registers a handler for one event type, or every type via
// Wildcard.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit assigns an id and timestamp, records the event in the ring, and
// invokes type handlers then wildcard handlers in subscription order.
// A panicking handler is logged and isolated; the emission always
// returns and later handlers still run.
func (b *Bus) Emit(ev *Event) *Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	b.mu.Lock()
	b.ring[b.ringPos] = ev
	b.ringPos = (b.ringPos + 1) % b.ringSize
	if b.ringPos == 0 {
		b.ringFull = true
	}
	handlers := append([]Handler{}, b.handlers[ev.Type]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
	return ev
}

func (b *Bus) dispatch(h Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("events")
			logger.Error().
				Interface("panic", r).
				Str("event_type", string(ev.Type)).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}

// recent returns ring contents oldest-first.
func (b *Bus) recent() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Event
	if b.ringFull {
		out = append(out, b.ring[b.ringPos:]...)
	}
	out = append(out, b.ring[:b.ringPos]...)
	return out
}

// Recent returns up to limit most recent events, newest first.
func (b *Bus) Recent(limit int) []*Event {
	all := b.recent()
	return newestFirst(all, limit)
}

// RecentByType filters the ring by event type, newest first.
func (b *Bus) RecentByType(t EventType, limit int) []*Event {
	var filtered []*Event
	for _, ev := range b.recent() {
		if ev.Type == t {
			filtered = append(filtered, ev)
		}
	}
	return newestFirst(filtered, limit)
}

// RecentByTask filters the ring by task id, newest first.
func (b *Bus) RecentByTask(taskID string, limit int) []*Event {
	var filtered []*Event
	for _, ev := range b.recent() {
		if ev.TaskID == taskID {
			filtered = append(filtered, ev)
		}
	}
	return newestFirst(filtered, limit)
}

func newestFirst(evs []*Event, limit int) []*Event {
	out := make([]*Event, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		out = append(out, evs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
