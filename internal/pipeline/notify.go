package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names a user-visible event raised while processing envelopes.
type EventType string

const (
	EventNewMessage           EventType = "new_message"
	EventLegacyMessage        EventType = "legacy_message"
	EventNoSession            EventType = "no_session"
	EventUntrustedIdentity    EventType = "untrusted_identity"
	EventSecurityStateChanged EventType = "security_state_changed"
	EventGroupUpdated         EventType = "group_updated"
)

// Event is delivered to Notifier subscribers.
type Event struct {
	Type      EventType
	Peer      string
	ThreadID  string
	MessageID string
	At        time.Time
}

// Notifier receives user-visible events. Notify must not block.
type Notifier interface {
	Notify(e Event)
}

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

// Compile-time check that Broadcaster implements Notifier.
var _ Notifier = (*Broadcaster)(nil)

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function removing it.
func (b *Broadcaster) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Broadcaster) Notify(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	slog.Debug("Broadcaster.Notify", "event", e.Type, "peer", e.Peer, "message_id", e.MessageID)
	for _, fn := range subs {
		fn(e)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
