package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

// EventID represents a unique event ID.
type EventID interface {
	String() string
	Value() uint
}

// Bus publishes notifications to subscribers, keyed by event ID.
// Publishing never blocks: a subscriber whose channel is full misses the event.
// A nil *Bus is valid and discards everything.
type Bus struct {
	ps *pubsub.PubSub[uint, any]

	closed bool
	mu     sync.RWMutex
}

// UnsubFunc describes a function to be called when unsubscribing from an event.
type UnsubFunc func()

// Subscription represents a subscriber.
type Subscription struct {
	C      chan any
	active bool
	unsub  UnsubFunc
}

// New returns a new bus, where each subscriber channel holds up to capacity events.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 10
	}

	return &Bus{ps: pubsub.New[uint, any](capacity)}
}

// Publish publishes an event to the event stream.
func (b *Bus) Publish(id EventID, data any) {
	if b == nil || id == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.ps.TryPub(data, id.Value())
}

// Subscribe subscribes to one or more events from the event stream.
func (b *Bus) Subscribe(ids ...EventID) Subscription {
	if b == nil || len(ids) == 0 {
		return inactiveSubscription()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return inactiveSubscription()
	}

	topics := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != nil {
			topics = append(topics, id.Value())
		}
	}

	ch := b.ps.Sub(topics...)

	return Subscription{
		C:      ch,
		active: true,
		unsub: func() {
			go b.unsubscribe(ch, topics)
		},
	}
}

func (b *Bus) unsubscribe(ch chan any, topics []uint) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.closed {
		b.ps.Unsub(ch, topics...)
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	b.ps.Shutdown()
}

// Unsubscribe unsubscribes from the attached subscription.
func (s Subscription) Unsubscribe() {
	if s.unsub != nil {
		s.unsub()
	}
}

// IsActive returns if the subscriber can actually receive events.
func (s Subscription) IsActive() bool {
	return s.active
}

func inactiveSubscription() Subscription {
	ch := make(chan any)
	close(ch)

	return Subscription{C: ch}
}
