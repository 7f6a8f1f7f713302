package internal

import (
	"context"
	"sync"
)

// MemoryBus is an in-process EventBus. It backs the embedded mode and the
// engine tests; the relay deployment uses WSBus instead.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memSub]bool
	closed bool
}

type memSub struct {
	events chan Event
	types  map[EventType]bool // nil means all
	once   sync.Once
}

const memSubBuffer = 256

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memSub]bool)}
}

// Subscribe registers a buffered stream for the room. Subscribers that stop
// draining are dropped rather than allowed to stall the publisher, mirroring
// the relay's slow-client policy.
func (b *MemoryBus) Subscribe(_ context.Context, room string, types ...EventType) (*Subscription, error) {
	sub := &memSub{events: make(chan Event, memSubBuffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subs[room] == nil {
		b.subs[room] = make(map[*memSub]bool)
	}
	b.subs[room][sub] = true

	cancel := func() { b.drop(room, sub) }
	return NewSubscription(sub.events, cancel), nil
}

// Publish fans the event out to every subscriber of the room, including the
// publisher's own subscription. That self-delivery is what the optimistic
// merge relies on as the echo.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memSub, 0, len(b.subs[ev.Room]))
	for sub := range b.subs[ev.Room] {
		if sub.types == nil || sub.types[ev.Type] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var stalled []*memSub
	for _, sub := range targets {
		select {
		case sub.events <- ev:
		default:
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		b.drop(ev.Room, sub)
	}
	return nil
}

// Close ends every subscription. Further publishes fail with ErrClosed.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for room, subs := range b.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.events) })
		}
		delete(b.subs, room)
	}
}

func (b *MemoryBus) drop(room string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[room]; ok {
		if subs[sub] {
			delete(subs, sub)
			sub.once.Do(func() { close(sub.events) })
		}
		if len(subs) == 0 {
			delete(b.subs, room)
		}
	}
}
