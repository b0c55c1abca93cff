package stream

import (
	"context"
	"errors"
	"sync"
)

// errUnknownVariant is returned by Marshal for an event type not declared
// in this package. It cannot occur while the union stays closed.
var errUnknownVariant = errors.New("stream: unknown event variant")

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("stream: bus closed")

// DefaultBusSize is the per-session event buffer. Producers block (with
// context) once the consumer falls this far behind, which keeps
// backpressure explicit instead of growing memory.
const DefaultBusSize = 64

// Bus is the ordered, single-consumer event channel of one session.
// Multiple producers publish concurrently; events reach the consumer in
// bus-arrival order. Within one producer relative order is preserved; no
// total order is imposed across producers.
type Bus struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
	// senders tracks in-flight Publish calls so Close can wait for the
	// channel to be safe to close.
	senders sync.WaitGroup
}

// NewBus creates a bus with the given buffer size (DefaultBusSize if <= 0).
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBusSize
	}
	return &Bus{ch: make(chan Event, size)}
}

// Publish enqueues an event, blocking while the buffer is full. Returns
// ErrBusClosed after Close, and ctx.Err() if the context ends first.
// Safe for concurrent use.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.senders.Add(1)
	b.mu.Unlock()
	defer b.senders.Done()

	select {
	case b.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the consumer side. The channel closes after Close once
// all queued events have been delivered.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close stops the bus: subsequent Publish calls fail with ErrBusClosed
// and the consumer channel closes after in-flight publishes settle.
// Idempotent. Close must not be called from a goroutine that is blocked
// in Publish on a full buffer with no consumer draining.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	go func() {
		b.senders.Wait()
		close(b.ch)
	}()
}
