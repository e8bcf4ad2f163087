// Package eventbus is a process-wide publish/subscribe hub for task,
// invocation, and status events, feeding the SSE endpoint. The
// register/unregister/broadcast shape follows the SSEBroadcaster contract
// in internal/delivery/server/ports.Broadcaster in the teacher, generalized
// from one channel per session to one channel per subscriber receiving
// every event.
package eventbus

import "sync"

// Kind names the category of an Event.
type Kind string

const (
	KindTaskUpdated       Kind = "task:updated"
	KindInvocationUpdated Kind = "invocation:updated"
	KindStatus            Kind = "status"
)

// Event is one published notification.
type Event struct {
	Kind    Kind
	Payload interface{}
}

// Bus fans out published events to every currently registered subscriber.
// Slow subscribers never block publishers: a subscriber whose channel is
// full simply misses that event (channel capacity acts as a small buffer).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber channel with the given buffer size
// and returns it. Callers must call Unsubscribe when done.
func (b *Bus) Subscribe(bufferSize int) chan Event {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	ch := make(chan Event, bufferSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish fans ev out to every current subscriber, non-blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
