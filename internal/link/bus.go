package link

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/sessionlink/internal/replica"
)

// EventKind identifies an engine event.
type EventKind int

const (
	// EventStateChanged carries a coalesced batch of observable fields in
	// Fields: "connection" (Status), "locked_sessions" ([]string) and
	// "unread" (map[string]int).
	EventStateChanged EventKind = iota + 1
	// EventNewContent: records arrived for a session the user is not
	// viewing. Count is the number of new records.
	EventNewContent
	// EventSpeak: assistant text arrived for the visible session.
	EventSpeak
	// EventError: a backend error or failed prompt. Text is the message.
	EventError
	// EventAuthRequired: credentials were rejected or are missing.
	EventAuthRequired
	// EventUnableToConnect: the reconnect budget is spent.
	EventUnableToConnect
	// EventAck: the backend acknowledged a client record.
	EventAck
	// EventSessionsUpdated: the session list changed. Sessions holds it.
	EventSessionsUpdated
	// EventCommandFailed: execute_command was rejected.
	EventCommandFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventNewContent:
		return "new_content"
	case EventSpeak:
		return "speak"
	case EventError:
		return "error"
	case EventAuthRequired:
		return "auth_required"
	case EventUnableToConnect:
		return "unable_to_connect"
	case EventAck:
		return "ack"
	case EventSessionsUpdated:
		return "sessions_updated"
	case EventCommandFailed:
		return "command_failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to subscribers of the engine.
type Event struct {
	Kind      EventKind
	SessionID string
	MessageID string
	Text      string
	Count     int
	Fields    map[string]any
	Sessions  []replica.Session
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that removes the
// subscription. The channel is closed when the subscription is removed or
// the bus is closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber full, dropping event",
				slog.Int("subscriber", id),
				slog.String("event", ev.Kind.String()),
			)
		}
	}
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
