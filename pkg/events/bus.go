package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue depth used when none is given
const DefaultBuffer = 16

// Bus fans values out to subscribers. A subscriber whose queue is full
// misses the value being published (drop-latest); publishers never block.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// Subscription is one consumer's view of a Bus
type Subscription[T any] struct {
	id      uint64
	ch      chan T
	bus     *Bus[T]
	dropped atomic.Uint64
}

// NewBus creates an empty bus
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe registers a consumer with the given queue depth.
// Subscribing to a closed bus returns an already closed subscription.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription[T]{id: b.nextID, ch: make(chan T, buffer), bus: b}
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Unsubscribe removes the subscription and closes its channel. Safe to call twice.
func (b *Bus[T]) Unsubscribe(s *Subscription[T]) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}

// Publish delivers v to every subscriber with room in its queue and
// returns how many received it.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	delivered := 0
	for _, s := range b.subs {
		select {
		case s.ch <- v:
			delivered++
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	b.sent.Add(uint64(delivered))
	return delivered
}

// Close closes every subscription; later publishes are ignored
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Len returns the number of live subscriptions
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the total number of deliveries skipped because a queue was full
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }

// Delivered is the total number of successful deliveries
func (b *Bus[T]) Delivered() uint64 { return b.sent.Load() }

// C returns the receive channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped counts values this subscriber missed
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes from the owning bus
func (s *Subscription[T]) Close() { s.bus.Unsubscribe(s) }
