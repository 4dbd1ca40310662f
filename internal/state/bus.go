package state

import (
	"sync"
	"time"
)

// TransitionEvent describes one applied task transition.
type TransitionEvent struct {
	AgentID   string    `json:"agent_id"`
	Project   string    `json:"project"`
	TaskID    string    `json:"task_id"`
	Trigger   Trigger   `json:"trigger"`
	From      Activity  `json:"from"`
	To        Activity  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans transition events out to subscribers. Publishing is
// fire-and-forget: a subscriber that falls behind has events dropped rather
// than blocking the transition that produced them.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan TransitionEvent
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan TransitionEvent)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is buffered; it is closed on
// unsubscribe.
func (b *Bus) Subscribe() (<-chan TransitionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan TransitionEvent, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(ev TransitionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than stall the publisher.
		}
	}
}
