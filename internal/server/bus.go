// Package server implements the process-wide fan-out bus that distributes
// one publisher's payload to every subscribed session.
package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned by Subscription.Receive once the bus has shut
// down and all buffered deliveries have been drained.
var ErrBusClosed = errors.New("bus: closed")

// DefaultBusCapacity is the per-subscription buffer size used when no
// explicit capacity is configured.
const DefaultBusCapacity = 100

// Bus is a broadcast channel with a fixed per-subscriber capacity. It is
// created once at startup and passed explicitly to every component that
// publishes or subscribes; payloads are opaque bytes and are never
// inspected.
//
// Publish never blocks: a subscriber that falls behind loses its oldest
// unread payloads instead of stalling the publisher. Bus is safe for
// concurrent use by multiple goroutines.
type Bus struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates a bus whose subscribers each buffer up to capacity
// payloads. Non-positive capacities fall back to DefaultBusCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new delivery endpoint. The subscription observes
// every payload published after this call, subject to the drop-oldest
// policy. Subscribing to a closed bus yields a subscription that reports
// ErrBusClosed immediately.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus: b,
		ch:  make(chan []byte, b.capacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish enqueues payload for every current subscription and reports how
// many were offered it. Publishing with zero subscribers is a no-op, not an
// error, and Publish never blocks regardless of subscriber speed.
func (b *Bus) Publish(payload []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	for s := range b.subs {
		s.offer(payload)
	}
	return len(b.subs)
}

// Close shuts the bus down permanently. Every subscription drains its
// buffered payloads and then reports ErrBusClosed. Publishing after Close
// is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

// Subscription is one subscriber's independent read position against the
// bus. Each session holds exactly one, taken at accept time.
type Subscription struct {
	bus *Bus
	ch  chan []byte

	// offerMu serializes publishers evicting from a full buffer so the
	// eviction loop below always terminates.
	offerMu sync.Mutex
	skipped atomic.Uint64
}

// offer enqueues payload, evicting the oldest unread payloads if the buffer
// is full. Runs under the bus read lock, so the channel cannot be closed
// concurrently.
func (s *Subscription) offer(payload []byte) {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()
	for {
		select {
		case s.ch <- payload:
			return
		default:
		}
		select {
		case <-s.ch:
			s.skipped.Add(1)
		default:
		}
	}
}

// Receive blocks until the next delivery, the context ends, or the bus
// closes. A non-zero skipped count reports how many payloads this
// subscriber lost to the drop-oldest policy since the previous receive;
// callers recover by simply continuing. ErrBusClosed is permanent.
func (s *Subscription) Receive(ctx context.Context) (payload []byte, skipped uint64, err error) {
	select {
	case payload, ok := <-s.ch:
		if !ok {
			return nil, 0, ErrBusClosed
		}
		return payload, s.skipped.Swap(0), nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Cancel deregisters the subscription: no further payloads are delivered,
// and once any already-buffered ones are drained Receive reports
// ErrBusClosed. Cancel is idempotent and safe after Bus.Close.
func (s *Subscription) Cancel() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}
