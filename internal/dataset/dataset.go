// Package dataset loads pre-recorded RF acquisitions as fixed-shape int16 frames.
package dataset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrShapeMismatch = errors.New("dataset shape mismatch")
	ErrIO            = errors.New("dataset io error")
	ErrEmpty         = errors.New("dataset empty")
)

// Shape is the (rx channels x samples) geometry of one frame.
type Shape struct {
	Channels int `json:"channels" yaml:"channels"`
	Samples  int `json:"samples" yaml:"samples"`
}

// Size returns the number of int16 samples in a frame.
func (s Shape) Size() int {
	if s.Channels <= 0 || s.Samples <= 0 {
		return 0
	}
	return s.Channels * s.Samples
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Channels, s.Samples)
}

// Frame holds the samples of one receive payload, channel-major.
type Frame []int16

// Dataset is an immutable, ordered sequence of equally shaped frames.
type Dataset struct {
	shape  Shape
	frames []Frame
}

// New wraps already decoded frames. Every frame must match shape.
func New(shape Shape, frames []Frame) (*Dataset, error) {
	if shape.Size() == 0 {
		return nil, fmt.Errorf("%w: invalid frame shape %s", ErrShapeMismatch, shape)
	}
	if len(frames) == 0 {
		return nil, ErrEmpty
	}
	for i, f := range frames {
		if len(f) != shape.Size() {
			return nil, fmt.Errorf("%w: frame %d has %d samples, want %d", ErrShapeMismatch, i, len(f), shape.Size())
		}
	}
	return &Dataset{shape: shape, frames: frames}, nil
}

// Load reads src eagerly as little-endian int16 samples and splits it into frames of shape.
// No partial dataset is returned on failure.
func Load(ctx context.Context, src Source, shape Shape) (*Dataset, error) {
	frameSize := shape.Size()
	if frameSize == 0 {
		return nil, fmt.Errorf("%w: invalid frame shape %s", ErrShapeMismatch, shape)
	}
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, src, err)
	}
	raw, err := io.ReadAll(rc)
	closeErr := rc.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, src, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("%w: close %s: %v", ErrIO, src, closeErr)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, src)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: %s has an odd byte count %d", ErrShapeMismatch, src, len(raw))
	}
	total := len(raw) / 2
	if total%frameSize != 0 {
		return nil, fmt.Errorf("%w: %d samples is not a multiple of frame size %d (%s)", ErrShapeMismatch, total, frameSize, shape)
	}

	samples := make([]int16, total)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	n := total / frameSize
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = Frame(samples[i*frameSize : (i+1)*frameSize : (i+1)*frameSize])
	}
	return &Dataset{shape: shape, frames: frames}, nil
}

// Write encodes frames in the format Load expects.
func Write(w io.Writer, frames []Frame) error {
	for i, f := range frames {
		if err := binary.Write(w, binary.LittleEndian, []int16(f)); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}
	}
	return nil
}

// Len returns the number of frames.
func (d *Dataset) Len() int { return len(d.frames) }

// Shape returns the frame geometry.
func (d *Dataset) Shape() Shape { return d.shape }

// Frame returns frame i. The returned slice must not be modified.
func (d *Dataset) Frame(i int) Frame { return d.frames[i] }

// CopyTo copies frame i into dst and returns the number of samples copied.
func (d *Dataset) CopyTo(dst []int16, i int) int {
	return copy(dst, d.frames[i])
}
