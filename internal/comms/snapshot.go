package comms

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/crewline/crewline/internal/delivery"
)

// CrewState is the lifecycle of one crew's message subscription.
type CrewState string

const (
	CrewIdle        CrewState = "idle"
	CrewSubscribing CrewState = "subscribing"
	CrewActive      CrewState = "active"
	CrewError       CrewState = "error"
)

// QueuedIntent is the observable summary of one pending offline-queue entry.
type QueuedIntent struct {
	ID         string    `json:"id"`
	CrewID     string    `json:"crew_id"`
	Action     string    `json:"action"`
	Emergency  bool      `json:"emergency"`
	CapturedAt time.Time `json:"captured_at"`
}

// SessionSnapshot is one immutable view of the whole communication session.
// Observers receive a fresh snapshot on every change and may hold it
// indefinitely; later updates never mutate an already-published snapshot.
type SessionSnapshot struct {
	Messages  map[string][]*delivery.Message `json:"messages"`
	States    map[string]CrewState           `json:"states"`
	Errors    map[string]string              `json:"errors,omitempty"`
	Unread    map[string]int                 `json:"unread"`
	Typing    map[string][]string            `json:"typing,omitempty"`
	Uploads   map[string]float64             `json:"uploads,omitempty"`
	Queue     []QueuedIntent                 `json:"queue,omitempty"`
	Online    bool                           `json:"online"`
	UpdatedAt time.Time                      `json:"updated_at"`
}

func newSnapshot() *SessionSnapshot {
	return &SessionSnapshot{
		Messages: make(map[string][]*delivery.Message),
		States:   make(map[string]CrewState),
		Errors:   make(map[string]string),
		Unread:   make(map[string]int),
		Typing:   make(map[string][]string),
		Uploads:  make(map[string]float64),
	}
}

func (s *SessionSnapshot) clone() *SessionSnapshot {
	c := *s
	c.Messages = make(map[string][]*delivery.Message, len(s.Messages))
	for crew, msgs := range s.Messages {
		list := make([]*delivery.Message, len(msgs))
		for i, m := range msgs {
			list[i] = m.Clone()
		}
		c.Messages[crew] = list
	}
	c.States = maps.Clone(s.States)
	c.Errors = maps.Clone(s.Errors)
	c.Unread = maps.Clone(s.Unread)
	c.Typing = make(map[string][]string, len(s.Typing))
	for crew, members := range s.Typing {
		c.Typing[crew] = slices.Clone(members)
	}
	c.Uploads = maps.Clone(s.Uploads)
	c.Queue = slices.Clone(s.Queue)
	return &c
}

// Container holds the current session snapshot and fans out updates.
// Mutations are applied copy-on-write: each update clones the current
// snapshot, mutates the clone, and swaps it in.
type Container struct {
	mu      sync.Mutex
	current *SessionSnapshot
	nextID  int
	subs    map[int]chan *SessionSnapshot
}

// NewContainer creates a container holding an empty snapshot.
func NewContainer() *Container {
	return &Container{
		current: newSnapshot(),
		subs:    make(map[int]chan *SessionSnapshot),
	}
}

// Current returns the latest snapshot. Callers must not mutate it.
func (c *Container) Current() *SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Update applies mutate to a clone of the current snapshot, publishes the
// result, and delivers it to every subscriber without blocking.
func (c *Container) Update(mutate func(s *SessionSnapshot)) *SessionSnapshot {
	c.mu.Lock()
	next := c.current.clone()
	mutate(next)
	next.UpdatedAt = time.Now()
	c.current = next
	subs := make([]chan *SessionSnapshot, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
			// Slow observer; it will catch up on the next update.
		}
	}
	return next
}

// Subscribe registers an observer. The current snapshot is delivered
// immediately, then every update. The returned function unsubscribes.
func (c *Container) Subscribe(buf int) (<-chan *SessionSnapshot, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan *SessionSnapshot, buf)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.current
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
