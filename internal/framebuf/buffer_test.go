package framebuf

import (
	"context"
	"errors"
	"testing"
	"time"
)

func produce(t *testing.T, r *Ring, b *Buffer, seq uint64) {
	t.Helper()
	e, err := r.ReserveProducer()
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	e.Meta.Seq = seq
	if err := r.Publish(e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c, err := r.AcquireConsumer()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b.Handoff(c)
}

func TestBufferPopAndRelease(t *testing.T) {
	r := NewRing(Config{Capacity: 2}, testShape)
	b := NewBuffer(r)
	produce(t, r, b, 1)
	produce(t, r, b, 2)
	if b.Len() != 2 || b.Size() != 2 || b.ElementShape() != testShape {
		t.Fatalf("unexpected buffer geometry len=%d size=%d", b.Len(), b.Size())
	}

	for want := uint64(1); want <= 2; want++ {
		e, err := b.PopFront(context.Background())
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if e.Meta.Seq != want {
			t.Fatalf("expected seq %d got %d", want, e.Meta.Seq)
		}
		if err := b.Release(e); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}

func TestBufferDrainsBeforeShutdown(t *testing.T) {
	r := NewRing(Config{Capacity: 2}, testShape)
	b := NewBuffer(r)
	produce(t, r, b, 7)
	stopErr := errors.New("producer failed")
	b.Close(stopErr)
	b.Close(nil)

	e, err := b.PopFront(context.Background())
	if err != nil || e.Meta.Seq != 7 {
		t.Fatalf("expected queued frame before shutdown, got %v %v", e, err)
	}
	if _, err := b.PopFront(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected shutdown, got %v", err)
	}
	if !errors.Is(b.Err(), stopErr) {
		t.Fatalf("expected first close error to stick, got %v", b.Err())
	}
}

func TestBufferPopHonoursContext(t *testing.T) {
	b := NewBuffer(NewRing(Config{Capacity: 1}, testShape))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.PopFront(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBufferReopen(t *testing.T) {
	r := NewRing(Config{Capacity: 2}, testShape)
	b := NewBuffer(r)
	produce(t, r, b, 1)
	b.Close(nil)
	select {
	case <-b.Done():
	default:
		t.Fatalf("done should be closed")
	}

	b.Reopen()
	r.Reset()
	if b.Len() != 0 || b.Err() != nil {
		t.Fatalf("reopen should drop stale frames")
	}
	for i, st := range r.States() {
		if st != Free {
			t.Fatalf("slot %d is %s after reopen, want FREE", i, st)
		}
	}
	select {
	case <-b.Done():
		t.Fatalf("done should be re-armed")
	default:
	}
}
