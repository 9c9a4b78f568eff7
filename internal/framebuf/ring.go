// Package framebuf implements the slot ring shared by the acquisition producer and
// consumer, and the read-side handle handed to downstream observers.
package framebuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rjboer/usemu/internal/dataset"
)

var (
	ErrShutdown          = errors.New("frame buffer shut down")
	ErrInvalidTransition = errors.New("invalid slot transition")
)

// SlotState is the ownership state of a ring slot.
type SlotState int

const (
	Free SlotState = iota
	Reserved
	Ready
	InConsumer
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "FREE"
	case Reserved:
		return "RESERVED"
	case Ready:
		return "READY"
	case InConsumer:
		return "IN_CONSUMER"
	default:
		return "UNKNOWN"
	}
}

// FrameMeta describes where the samples of a slot came from.
type FrameMeta struct {
	Seq          uint64 // production order, starting at 1 per run
	Burst        uint64 // trigger burst that produced the frame
	DatasetIndex int    // -1 for zero-filled frames
}

// Element is one slot of the ring. Frame memory is owned by whoever holds the slot.
type Element struct {
	index int
	state SlotState
	frame dataset.Frame
	Meta  FrameMeta
}

// Index returns the slot position in the ring.
func (e *Element) Index() int { return e.index }

// Frame returns the slot's sample memory.
func (e *Element) Frame() dataset.Frame { return e.frame }

// Zero clears the slot's samples.
func (e *Element) Zero() {
	clear(e.frame)
}

// Config controls ring capacity and optional occupancy watermarks.
// Occupancy counts slots that are not FREE. Zero values select the defaults:
// four slots, a high watermark at capacity and a low watermark at half of it.
type Config struct {
	Capacity        int
	HighWatermark   int
	LowWatermark    int
	HighWatermarkCh chan<- struct{}
	LowWatermarkCh  chan<- struct{}
}

func normalizeConfig(cfg Config) Config {
	const defaultCapacity = 4

	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > cfg.Capacity {
		cfg.HighWatermark = cfg.Capacity
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark >= cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 2
	}
	return cfg
}

// Ring is a bounded multi-slot buffer. Slots are reserved and consumed in a fixed
// rotation order, so frames leave the ring in the order they were published.
type Ring struct {
	cfg   Config
	shape dataset.Shape

	mu        sync.Mutex
	slotFree  *sync.Cond
	slotReady *sync.Cond
	elements  []*Element
	tail      int // next slot the producer reserves
	head      int // next slot the consumer acquires
	occupied  int
	shutdown  bool
	belowLow  bool
}

// NewRing allocates capacity slots of the given frame shape.
func NewRing(cfg Config, shape dataset.Shape) *Ring {
	cfg = normalizeConfig(cfg)
	r := &Ring{
		cfg:      cfg,
		shape:    shape,
		elements: make([]*Element, cfg.Capacity),
		belowLow: true,
	}
	for i := range r.elements {
		r.elements[i] = &Element{index: i, frame: make(dataset.Frame, shape.Size())}
	}
	r.slotFree = sync.NewCond(&r.mu)
	r.slotReady = sync.NewCond(&r.mu)
	return r
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() int { return r.cfg.Capacity }

// Shape returns the frame shape of every slot.
func (r *Ring) Shape() dataset.Shape { return r.shape }

// ReserveProducer blocks until the next slot in rotation is FREE or the ring shuts down.
func (r *Ring) ReserveProducer() (*Element, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.shutdown && r.elements[r.tail].state != Free {
		r.slotFree.Wait()
	}
	if r.shutdown {
		return nil, ErrShutdown
	}
	e := r.elements[r.tail]
	e.state = Reserved
	e.Meta = FrameMeta{}
	r.tail = (r.tail + 1) % len(r.elements)
	r.occupied++
	r.emitWatermarksLocked()
	return e, nil
}

// Publish hands a RESERVED slot to the consumer side.
func (r *Ring) Publish(e *Element) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(e, Reserved, Ready); err != nil {
		return err
	}
	r.slotReady.Broadcast()
	return nil
}

// AcquireConsumer blocks until the next slot in rotation is READY or the ring shuts down.
func (r *Ring) AcquireConsumer() (*Element, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.shutdown && r.elements[r.head].state != Ready {
		r.slotReady.Wait()
	}
	if r.shutdown {
		return nil, ErrShutdown
	}
	e := r.elements[r.head]
	e.state = InConsumer
	r.head = (r.head + 1) % len(r.elements)
	return e, nil
}

// Release returns an IN_CONSUMER slot to the free pool.
func (r *Ring) Release(e *Element) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(e, InConsumer, Free); err != nil {
		return err
	}
	r.occupied--
	r.emitWatermarksLocked()
	r.slotFree.Broadcast()
	return nil
}

// Shutdown wakes every waiter; later reserve/acquire calls return ErrShutdown.
func (r *Ring) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	r.slotFree.Broadcast()
	r.slotReady.Broadcast()
}

// IsShutdown reports whether Shutdown was called since the last Reset.
func (r *Ring) IsShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

// Reset re-opens the ring for a new run. Slots still IN_CONSUMER stay with the
// observer that holds them; every other slot returns to FREE. The rotation restarts
// at the first slot nobody holds.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := -1
	held := 0
	for i, e := range r.elements {
		if e.state == InConsumer {
			held++
			continue
		}
		e.state = Free
		e.Meta = FrameMeta{}
		if start < 0 {
			start = i
		}
	}
	if start < 0 {
		start = 0
	}
	r.head, r.tail, r.occupied = start, start, held
	r.shutdown = false
	r.belowLow = held < r.cfg.HighWatermark
	r.slotFree.Broadcast()
}

// States returns a snapshot of slot states in index order.
func (r *Ring) States() []SlotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SlotState, len(r.elements))
	for i, e := range r.elements {
		out[i] = e.state
	}
	return out
}

func (r *Ring) transitionLocked(e *Element, from, to SlotState) error {
	if e == nil || e.index < 0 || e.index >= len(r.elements) || r.elements[e.index] != e {
		return fmt.Errorf("%w: slot does not belong to this ring", ErrInvalidTransition)
	}
	if e.state != from {
		return fmt.Errorf("%w: slot %d is %s, want %s", ErrInvalidTransition, e.index, e.state, from)
	}
	e.state = to
	return nil
}

func (r *Ring) emitWatermarksLocked() {
	if r.occupied >= r.cfg.HighWatermark && r.belowLow {
		r.belowLow = false
		if r.cfg.HighWatermarkCh != nil {
			select {
			case r.cfg.HighWatermarkCh <- struct{}{}:
			default:
			}
		}
	}
	if r.occupied <= r.cfg.LowWatermark && !r.belowLow {
		r.belowLow = true
		if r.cfg.LowWatermarkCh != nil {
			select {
			case r.cfg.LowWatermarkCh <- struct{}{}:
			default:
			}
		}
	}
}
