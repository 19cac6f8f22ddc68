package bus

import (
	"strings"
	"sync"
	"time"
)

// Event is a domain event published in-process.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}

// Bus is an in-process publish/subscribe bus with prefix-based routing.
// Subscribers that fall behind lose events rather than blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish stamps the event with the current time and delivers it to every
// subscriber whose prefix matches the kind. Delivery is non-blocking.
func (b *Bus) Publish(kind string, payload any) {
	evt := Event{Kind: kind, At: time.Now(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if strings.HasPrefix(kind, s.prefix) {
			select {
			case s.ch <- evt:
			default:
				// Subscriber buffer full; event dropped.
			}
		}
	}
}

// Subscribe registers interest in all event kinds beginning with prefix.
// Returns the receive channel and an unsubscribe function.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
