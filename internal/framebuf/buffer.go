package framebuf

import (
	"context"
	"sync"

	"github.com/rjboer/usemu/internal/dataset"
)

// Buffer is the downstream view of a Ring. Observers pop frames the consumer handed
// off and release them when done; they never write into the ring.
type Buffer struct {
	ring  *Ring
	queue chan *Element

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	err    error
}

// NewBuffer wraps ring with a hand-off queue sized to its capacity.
func NewBuffer(ring *Ring) *Buffer {
	return &Buffer{
		ring:  ring,
		queue: make(chan *Element, ring.Capacity()),
		done:  make(chan struct{}),
	}
}

// Size returns the number of slots.
func (b *Buffer) Size() int { return b.ring.Capacity() }

// ElementShape returns the shape of every frame.
func (b *Buffer) ElementShape() dataset.Shape { return b.ring.Shape() }

// Len returns the number of frames waiting to be popped.
func (b *Buffer) Len() int { return len(b.queue) }

// PopFront blocks until a frame is available. Frames handed off before the pipeline
// stopped are still returned; after that it reports ErrShutdown.
func (b *Buffer) PopFront(ctx context.Context) (*Element, error) {
	select {
	case e := <-b.queue:
		return e, nil
	default:
	}

	done := b.Done()
	select {
	case e := <-b.queue:
		return e, nil
	case <-done:
		select {
		case e := <-b.queue:
			return e, nil
		default:
			return nil, ErrShutdown
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release gives the slot back to the producer.
func (b *Buffer) Release(e *Element) error {
	return b.ring.Release(e)
}

// Done is closed when the pipeline stops.
func (b *Buffer) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Err returns the error that stopped the pipeline, if any.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Handoff queues a slot the consumer acquired. It never blocks: at most Size slots
// can be IN_CONSUMER at once.
func (b *Buffer) Handoff(e *Element) {
	b.queue <- e
}

// Close signals the pipeline stopped event. A nil err means a regular stop.
func (b *Buffer) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	close(b.done)
}

// Reopen returns undelivered frames to the ring and re-arms the stopped event for a
// new run. Frames an observer already popped stay with it until released.
func (b *Buffer) Reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case e := <-b.queue:
			_ = b.ring.Release(e)
			continue
		default:
		}
		break
	}
	b.closed = false
	b.err = nil
	b.done = make(chan struct{})
}
