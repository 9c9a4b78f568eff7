package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/usemu/internal/dataset"
	"github.com/rjboer/usemu/internal/device"
	"github.com/rjboer/usemu/internal/dsp"
	"github.com/rjboer/usemu/internal/logging"
	"github.com/rjboer/usemu/internal/ops"
	"github.com/rjboer/usemu/internal/telemetry"
)

var shape = dataset.Shape{Channels: 2, Samples: 16}

func quietLogger() logging.Logger {
	return logging.New(logging.Error, logging.Text, io.Discard)
}

type recordingReporter struct {
	mu     sync.Mutex
	events []telemetry.FrameEvent
}

func (r *recordingReporter) ReportFrame(ev telemetry.FrameEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func newDevice(t *testing.T, nFrames int) *device.File {
	t.Helper()
	frames := make([]dataset.Frame, nFrames)
	for i := range frames {
		f := make(dataset.Frame, shape.Size())
		for j := range f {
			f[j] = int16((i + 1) * 100)
		}
		frames[i] = f
	}
	ds, err := dataset.New(shape, frames)
	require.NoError(t, err)
	dev, err := device.NewFile(context.Background(), 0, device.FileSettings{
		FrameShape:        shape,
		SamplingFrequency: 20e6,
	}, device.WithDataset(ds), device.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Stop() })
	return dev
}

func scheme(nOps int, mode ops.WorkMode) ops.Scheme {
	seq := make(ops.Sequence, nOps)
	for i := range seq {
		seq[i] = ops.TxRx{
			RxAperture: ops.MaskRange(0, shape.Channels),
			RxSamples:  ops.SampleRange{End: shape.Samples},
			PRI:        200 * time.Microsecond,
		}
	}
	return ops.Scheme{Sequence: seq, WorkMode: mode, BufferDepth: 2}
}

func TestSessionPacesManualTriggers(t *testing.T) {
	dev := newDevice(t, 3)
	buf, md, err := dev.Upload(scheme(2, ops.Manual))
	require.NoError(t, err)
	require.NoError(t, dev.Start())

	reporter := &recordingReporter{}
	hub := telemetry.NewHub(100, quietLogger())
	s := NewSession(dev, buf, md, telemetry.MultiReporter{reporter, hub}, hub, quietLogger(), Config{
		TriggerRate:   500,
		SpectrumEvery: 2,
		MaxFrames:     6,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, uint64(6), s.Frames())

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.Len(t, reporter.events, 6)
	for i, ev := range reporter.events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, i%3, ev.DatasetIndex)
		assert.Equal(t, md.RunID, ev.RunID)
		assert.Greater(t, ev.RMS, 0.0)
	}
	snap, ok := hub.Spectrum()
	require.True(t, ok)
	assert.Equal(t, uint64(5), snap.Seq)
	assert.Len(t, snap.DBFS, shape.Samples/2+1)
	assert.InDelta(t, md.CurrentSamplingFrequency/2, snap.Frequencies[len(snap.Frequencies)-1], 1)
}

func TestSessionEndsWhenDeviceStops(t *testing.T) {
	dev := newDevice(t, 2)
	scheme := scheme(1, ops.Async)
	scheme.FrameRepetitionInterval = time.Millisecond
	buf, md, err := dev.Upload(scheme)
	require.NoError(t, err)
	require.NoError(t, dev.Start())

	s := NewSession(dev, buf, md, nil, nil, quietLogger(), Config{})
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return dev.Stats().FramesHandedOff > 3 }, time.Second, time.Millisecond)
	require.NoError(t, dev.Stop())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not return after stop")
	}
}

func TestSessionCanceled(t *testing.T) {
	dev := newDevice(t, 2)
	buf, md, err := dev.Upload(scheme(1, ops.Manual))
	require.NoError(t, err)
	require.NoError(t, dev.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = NewSession(dev, buf, md, nil, nil, quietLogger(), Config{}).Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

type countingSink struct{ called bool }

func (f *countingSink) UpdateSpectrum(uint64, dsp.Spectrum) { f.called = true }

func TestSessionSkipsSpectrumWhenDisabled(t *testing.T) {
	dev := newDevice(t, 2)
	buf, md, err := dev.Upload(scheme(2, ops.Host))
	require.NoError(t, err)
	require.NoError(t, dev.Start())
	require.NoError(t, dev.Trigger())

	sink := &countingSink{}
	s := NewSession(dev, buf, md, nil, sink, quietLogger(), Config{MaxFrames: 2})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.False(t, sink.called)
}
