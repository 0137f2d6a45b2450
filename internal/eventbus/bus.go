package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the event history when no capacity is configured.
const DefaultCapacity = 500

// Event is a single entry in the append-only log. Seq is monotonically
// increasing and never reused for the lifetime of the bus.
type Event struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter selects events. An empty Types or Sources slice matches
// everything; a zero After matches any timestamp.
type Filter struct {
	Types   []string
	Sources []string
	After   time.Time
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(ev Event) bool {
	if len(f.Types) > 0 && !contains(f.Types, ev.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, ev.Source) {
		return false
	}
	if !f.After.IsZero() && !ev.Timestamp.After(f.After) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Handler receives matching events. Handlers run synchronously on the
// emitting goroutine, in subscription order for a given event.
type Handler func(Event)

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Bus is a bounded in-memory event log with filtered subscriptions.
// All operations are safe for concurrent use; every subscriber observes
// events in strictly increasing sequence order.
type Bus struct {
	// emitMu serializes Emit end to end: sequence assignment and fan-out
	// happen under it, so concurrent emitters cannot deliver seq N+1 to a
	// subscriber before seq N. Handlers may Subscribe and Unsubscribe
	// (those take only mu) but must not Emit.
	emitMu sync.Mutex

	mu       sync.Mutex
	capacity int
	history  []Event
	seq      uint64
	nextSub  uint64
	subs     []*subscription
	logger   *slog.Logger
}

// New creates a Bus with the given history capacity. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		capacity: capacity,
		history:  make([]Event, 0, capacity),
		logger:   logger,
	}
}

// Emit appends an event to the history, evicting the oldest entry when
// the capacity is exceeded, and delivers it to every matching subscriber.
// Emissions are serialized, so subscribers see sequence numbers in
// order even when emitters race. A panicking subscriber does not stop
// delivery to the rest.
func (b *Bus) Emit(eventType string, payload any, source string) Event {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	b.seq++
	ev := Event{
		Seq:       b.seq,
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now(),
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.capacity {
		b.history = b.history[len(b.history)-b.capacity:]
	}
	// Snapshot the subscriber list so handlers can subscribe/unsubscribe
	// without deadlocking against the bus lock.
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		b.deliver(sub, ev)
	}
	return ev
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "subscription", sub.id, "eventType", ev.Type, "panic", r)
		}
	}()
	sub.handler(ev)
}

// Subscribe registers a handler for events matching the filter and
// returns its subscription id.
func (b *Bus) Subscribe(handler Handler, filter Filter) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.subs = append(b.subs, &subscription{id: b.nextSub, filter: filter, handler: handler})
	return b.nextSub
}

// Unsubscribe removes a subscription. It reports whether the id was
// registered.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// History returns a filtered snapshot of the retained events. A positive
// limit keeps only the most recent entries after filtering. The returned
// slice is a copy.
func (b *Bus) History(filter Filter, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.history))
	for _, ev := range b.history {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// EventsSince returns all retained events with sequence strictly greater
// than seq, in ascending order. Used by clients resynchronizing after a
// reconnect.
func (b *Bus) EventsSince(seq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range b.history {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// MaxSeq returns the sequence number of the most recently emitted event.
func (b *Bus) MaxSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Reset clears history, counters, and subscribers. Intended for test
// isolation and full restarts only.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
	b.seq = 0
	b.nextSub = 0
	b.subs = nil
}

// Close drops all subscribers so late emissions fan out to nobody.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
