package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/usemu/internal/dataset"
	"github.com/rjboer/usemu/internal/framebuf"
	"github.com/rjboer/usemu/internal/logging"
	"github.com/rjboer/usemu/internal/ops"
)

var testShape = dataset.Shape{Channels: 2, Samples: 3}

const testFs = 65e6

// testFrames returns n frames whose samples encode the frame index.
func testFrames(n int) []dataset.Frame {
	frames := make([]dataset.Frame, n)
	for i := range frames {
		f := make(dataset.Frame, testShape.Size())
		for j := range f {
			f[j] = int16(i*100 + j + 1)
		}
		frames[i] = f
	}
	return frames
}

func newTestFile(t *testing.T, nFrames int) *File {
	t.Helper()
	ds, err := dataset.New(testShape, testFrames(nFrames))
	require.NoError(t, err)
	f, err := NewFile(context.Background(), 0, FileSettings{
		FrameShape:        testShape,
		SamplingFrequency: testFs,
		Probe:             ProbeModel{ID: ProbeModelID{Manufacturer: "acme", Name: "L14"}, NumElements: 128, Pitch: 0.2e-3},
	}, WithDataset(ds), WithLogger(logging.New(logging.Error, logging.Text, io.Discard)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Stop() })
	return f
}

func testScheme(nOps int, mode ops.WorkMode, depth int) ops.Scheme {
	seq := make(ops.Sequence, nOps)
	for i := range seq {
		seq[i] = ops.TxRx{
			TxAperture: ops.MaskRange(0, 128),
			RxAperture: ops.MaskRange(0, testShape.Channels),
			RxSamples:  ops.SampleRange{Begin: 0, End: testShape.Samples},
			PRI:        100 * time.Microsecond,
		}
	}
	return ops.Scheme{Sequence: seq, WorkMode: mode, BufferDepth: depth}
}

type observed struct {
	meta    framebuf.FrameMeta
	samples []int16
}

// popN pops and releases n frames, failing the test after a timeout.
func popN(t *testing.T, buf *framebuf.Buffer, n int) []observed {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]observed, 0, n)
	for i := 0; i < n; i++ {
		e, err := buf.PopFront(ctx)
		if err != nil {
			t.Fatalf("pop frame %d: %v", len(out), err)
		}
		out = append(out, observed{meta: e.Meta, samples: append([]int16(nil), e.Frame()...)})
		require.NoError(t, buf.Release(e))
	}
	return out
}

func datasetIndexes(frames []observed) []int {
	out := make([]int, len(frames))
	for i, f := range frames {
		out[i] = f.meta.DatasetIndex
	}
	return out
}

func requireEmpty(t *testing.T, buf *framebuf.Buffer) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, buf.Len(), "unexpected extra frames")
}

func TestBasicReplay(t *testing.T) {
	f := newTestFile(t, 4)
	buf, md, err := f.Upload(testScheme(4, ops.Manual, 2))
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())

	got := popN(t, buf, 4)
	frames := testFrames(4)
	for i, o := range got {
		if diff := cmp.Diff([]int16(frames[i]), o.samples); diff != "" {
			t.Fatalf("frame %d mismatch (-want +got):\n%s", i, diff)
		}
		assert.Equal(t, uint64(i+1), o.meta.Seq)
		assert.Equal(t, uint64(1), o.meta.Burst)
	}
	requireEmpty(t, buf)
	require.NoError(t, f.Stop())

	assert.Equal(t, testShape, md.FrameShape)
	assert.Equal(t, 4, md.SequenceLength)
	assert.Equal(t, 2, md.BufferDepth)
	assert.NotEmpty(t, md.RunID)
}

func TestReplayWrapsAroundDataset(t *testing.T) {
	f := newTestFile(t, 3)
	buf, _, err := f.Upload(testScheme(4, ops.Manual, 4))
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())

	got := popN(t, buf, 4)
	if diff := cmp.Diff([]int{0, 1, 2, 0}, datasetIndexes(got)); diff != "" {
		t.Fatalf("dataset order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int16(testFrames(3)[0]), got[3].samples)
	assert.Equal(t, 1, f.Stats().Cursor)
}

func TestLiveSliceAppliesAtNextBurst(t *testing.T) {
	f := newTestFile(t, 10)
	buf, _, err := f.Upload(testScheme(10, ops.Manual, 4))
	require.NoError(t, err)
	require.NoError(t, f.SetParameters(Parameters{KeySliceBegin: 2, KeySliceEnd: 5}))
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())
	require.NoError(t, f.Trigger())

	got := popN(t, buf, 6)
	if diff := cmp.Diff([]int{2, 3, 4, 5, 6, 7}, datasetIndexes(got)); diff != "" {
		t.Fatalf("dataset order mismatch (-want +got):\n%s", diff)
	}
	requireEmpty(t, buf)
	begin, end := f.Slice()
	assert.Equal(t, 2, begin)
	assert.Equal(t, 5, end)
}

func TestZeroWidthSliceEmitsOneZeroFrame(t *testing.T) {
	f := newTestFile(t, 5)
	buf, _, err := f.Upload(testScheme(5, ops.Manual, 2))
	require.NoError(t, err)
	require.NoError(t, f.SetParameters(Parameters{KeySliceBegin: 3, KeySliceEnd: 3}))
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())

	got := popN(t, buf, 1)
	assert.Equal(t, -1, got[0].meta.DatasetIndex)
	assert.Equal(t, make([]int16, testShape.Size()), got[0].samples)
	requireEmpty(t, buf)
}

func TestFramesPerTriggerFollowSlice(t *testing.T) {
	f := newTestFile(t, 7)
	buf, _, err := f.Upload(testScheme(6, ops.Host, 3))
	require.NoError(t, err)
	require.NoError(t, f.Start())

	const triggers = 3
	for i := 0; i < triggers; i++ {
		require.NoError(t, f.Trigger())
	}
	got := popN(t, buf, triggers*6)
	for k, o := range got {
		want := k % 7
		if o.meta.DatasetIndex != want {
			t.Fatalf("frame %d from dataset %d, want %d", k, o.meta.DatasetIndex, want)
		}
		assert.Equal(t, uint64(k/6+1), o.meta.Burst)
	}
	requireEmpty(t, buf)

	require.NoError(t, f.SetParameters(Parameters{KeySliceBegin: 1, KeySliceEnd: 3}))
	require.NoError(t, f.Trigger())
	got = popN(t, buf, 2)
	if diff := cmp.Diff([]int{1, 2}, datasetIndexes(got)); diff != "" {
		t.Fatalf("dataset order mismatch (-want +got):\n%s", diff)
	}
	requireEmpty(t, buf)

	st := f.Stats()
	assert.Equal(t, uint64(triggers+1), st.Bursts)
	assert.Equal(t, uint64(triggers*6+2), st.FramesProduced)
	assert.Equal(t, uint64(triggers+1), st.Triggers)
}

func TestStartStopWithoutTriggers(t *testing.T) {
	f := newTestFile(t, 4)
	buf, _, err := f.Upload(testScheme(4, ops.Manual, 2))
	require.NoError(t, err)
	require.NoError(t, f.Start())
	assert.Equal(t, Started, f.State())
	require.NoError(t, f.Stop())
	assert.Equal(t, Stopped, f.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = buf.PopFront(ctx)
	assert.ErrorIs(t, err, framebuf.ErrShutdown)
	assert.Zero(t, f.Stats().FramesProduced)
	assert.NoError(t, f.Err())
}

func TestStopIsIdempotent(t *testing.T) {
	f := newTestFile(t, 2)
	require.NoError(t, f.Stop())
	_, _, err := f.Upload(testScheme(2, ops.Manual, 2))
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())
	assert.Equal(t, Stopped, f.State())
}

func TestStopUnblocksFullBuffer(t *testing.T) {
	f := newTestFile(t, 4)
	_, _, err := f.Upload(testScheme(8, ops.Manual, 1))
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())
	require.NoError(t, f.Trigger())

	done := make(chan struct{})
	go func() {
		_ = f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return while producer was blocked")
	}
	assert.Zero(t, f.Stats().PendingTriggers)
}

func TestRestartReplaysFromCursor(t *testing.T) {
	f := newTestFile(t, 5)
	buf, _, err := f.Upload(testScheme(3, ops.Manual, 4))
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())
	popN(t, buf, 3)
	require.NoError(t, f.Stop())

	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())
	got := popN(t, buf, 3)
	if diff := cmp.Diff([]int{3, 4, 0}, datasetIndexes(got)); diff != "" {
		t.Fatalf("dataset order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), got[0].meta.Seq)
}

func TestHeldFrameSurvivesRestart(t *testing.T) {
	f := newTestFile(t, 4)
	buf, _, err := f.Upload(testScheme(1, ops.Manual, 1))
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	held, err := buf.PopFront(ctx)
	require.NoError(t, err)
	want := append(dataset.Frame(nil), held.Frame()...)

	require.NoError(t, f.Stop())
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())

	// The only slot is still ours, so the new run must wait for it.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, want, held.Frame())
	assert.Equal(t, 0, held.Meta.DatasetIndex)
	assert.Equal(t, 0, buf.Len())

	require.NoError(t, buf.Release(held))
	got := popN(t, buf, 1)
	assert.Equal(t, 1, got[0].meta.DatasetIndex)
	assert.Equal(t, []int16(testFrames(4)[1]), got[0].samples)
	assert.Equal(t, uint64(1), got[0].meta.Seq)
	requireEmpty(t, buf)
}

func TestSliceUpdateDuringBurstWaitsForNextBurst(t *testing.T) {
	f := newTestFile(t, 8)
	buf, _, err := f.Upload(testScheme(6, ops.Manual, 1))
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.NoError(t, f.Trigger())

	// With one slot the producer is mid-burst while the first frame is out.
	got := popN(t, buf, 1)
	require.NoError(t, f.SetParameters(Parameters{KeySliceBegin: 0, KeySliceEnd: 2}))
	got = append(got, popN(t, buf, 5)...)
	require.NoError(t, f.Trigger())
	got = append(got, popN(t, buf, 2)...)

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 0, 1}, datasetIndexes(got)); diff != "" {
		t.Fatalf("dataset order mismatch (-want +got):\n%s", diff)
	}
	requireEmpty(t, buf)
}

func TestInvalidStateTransitions(t *testing.T) {
	f := newTestFile(t, 2)

	assert.ErrorIs(t, f.Start(), ErrInvalidState)
	assert.ErrorIs(t, f.Trigger(), ErrInvalidState)
	assert.ErrorIs(t, f.SetParameters(Parameters{KeySliceBegin: 0}), ErrInvalidState)
	_, err := f.Probe(0)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, _, err = f.Upload(testScheme(2, ops.Manual, 2))
	require.NoError(t, err)
	assert.ErrorIs(t, f.Trigger(), ErrInvalidState)
	require.NoError(t, f.Start())
	assert.ErrorIs(t, f.Start(), ErrInvalidState)
	_, _, err = f.Upload(testScheme(2, ops.Manual, 2))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestUploadRejectsIncompatibleScheme(t *testing.T) {
	f := newTestFile(t, 2)

	wide := testScheme(2, ops.Manual, 2)
	wide.Sequence[1].RxSamples.End = 5
	empty := ops.Scheme{}
	shape := testScheme(2, ops.Manual, 2)
	for i := range shape.Sequence {
		shape.Sequence[i].RxAperture = ops.MaskRange(0, 4)
	}
	nops := ops.Scheme{Sequence: ops.Sequence{ops.NewNOP(time.Millisecond, ops.SampleRange{End: 3}, 1)}}
	ddc := testScheme(2, ops.Manual, 2)
	ddc.DDC = &ops.DigitalDownConversion{DecimationFactor: 0.5}

	tests := map[string]ops.Scheme{
		"non-uniform window": wide,
		"empty sequence":     empty,
		"dataset shape":      shape,
		"only nops":          nops,
		"ddc decimation":     ddc,
	}
	for name, scheme := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := f.Upload(scheme)
			assert.ErrorIs(t, err, ErrSchemeIncompatible)
		})
	}
}

func TestUploadNopsDoNotAffectShape(t *testing.T) {
	f := newTestFile(t, 2)
	scheme := testScheme(2, ops.Manual, 2)
	scheme.Sequence = append(scheme.Sequence, ops.NewNOP(time.Millisecond, ops.SampleRange{}, 1))
	_, md, err := f.Upload(scheme)
	require.NoError(t, err)
	assert.Equal(t, 3, md.SequenceLength)
	assert.Equal(t, 3, len(md.ChannelMapping.LogicalToPhysicalOp))
}

func TestUploadReportsDelayProfiles(t *testing.T) {
	f := newTestFile(t, 2)
	scheme := testScheme(2, ops.Manual, 2)
	scheme.Sequence[0].TxDelays = []float64{1, 2}
	_, md, err := f.Upload(scheme)
	require.NoError(t, err)

	require.Len(t, md.ChannelMapping.Constants[0], 1)
	d := md.ChannelMapping.Constants[0][0]
	rows, cols := d.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, []float64{1, 2}, d.RawRowView(0))
	assert.Equal(t, []float64{0, 0}, d.RawRowView(1))
}

func TestFreeRunningCountsPulses(t *testing.T) {
	f := newTestFile(t, 3)
	scheme := testScheme(2, ops.Async, 4)
	scheme.FrameRepetitionInterval = time.Millisecond
	buf, _, err := f.Upload(scheme)
	require.NoError(t, err)
	require.NoError(t, f.Start())

	got := popN(t, buf, 6)
	if diff := cmp.Diff([]int{0, 1, 2, 0, 1, 2}, datasetIndexes(got)); diff != "" {
		t.Fatalf("dataset order mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, f.Trigger())
	require.NoError(t, f.Trigger())
	require.NoError(t, f.Stop())

	st := f.Stats()
	assert.Equal(t, uint64(2), st.PulsesCounted)
	assert.Zero(t, st.Triggers)
}

func TestSamplingFrequencies(t *testing.T) {
	f := newTestFile(t, 2)
	assert.Equal(t, testFs, f.SamplingFrequency())
	assert.Equal(t, testFs, f.CurrentSamplingFrequency())

	scheme := testScheme(2, ops.Manual, 2)
	for i := range scheme.Sequence {
		scheme.Sequence[i].RxDecimation = 2
	}
	_, md, err := f.Upload(scheme)
	require.NoError(t, err)
	assert.Equal(t, testFs/2, f.CurrentSamplingFrequency())
	assert.Equal(t, testFs/2, md.CurrentSamplingFrequency)

	scheme.DDC = &ops.DigitalDownConversion{DemodulationFrequency: 5e6, DecimationFactor: 4}
	_, _, err = f.Upload(scheme)
	require.NoError(t, err)
	assert.Equal(t, testFs/4, f.CurrentSamplingFrequency())
	assert.Equal(t, testFs, f.SamplingFrequency())
}

func TestProbe(t *testing.T) {
	f := newTestFile(t, 2)
	_, _, err := f.Upload(testScheme(2, ops.Manual, 2))
	require.NoError(t, err)

	p, err := f.Probe(0)
	require.NoError(t, err)
	assert.Equal(t, "Probe:0", p.ID().String())
	assert.Equal(t, "L14", p.Model().ID.Name)
	assert.Equal(t, 128, p.Model().NumElements)

	_, err = f.Probe(1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWorkerFailureStopsPipeline(t *testing.T) {
	f := newTestFile(t, 2)
	buf, _, err := f.Upload(testScheme(2, ops.Manual, 2))
	require.NoError(t, err)
	require.NoError(t, f.Start())

	boom := errors.New("boom")
	f.fail(f.active, boom)

	select {
	case <-buf.Done():
	case <-time.After(time.Second):
		t.Fatal("buffer not closed after failure")
	}
	assert.Equal(t, Stopped, f.State())
	assert.ErrorIs(t, f.Err(), boom)
	assert.ErrorIs(t, buf.Err(), boom)
	assert.ErrorIs(t, f.Trigger(), ErrInvalidState)
	require.NoError(t, f.Stop())

	require.NoError(t, f.Start())
	assert.NoError(t, f.Err())
}

func TestNewFileLoadsSource(t *testing.T) {
	var raw bytes.Buffer
	require.NoError(t, dataset.Write(&raw, testFrames(3)))
	path := filepath.Join(t.TempDir(), "rf.bin")
	require.NoError(t, os.WriteFile(path, raw.Bytes(), 0o644))

	f, err := NewFile(context.Background(), 1, FileSettings{
		Source:            dataset.FileSource{Path: path},
		FrameShape:        testShape,
		SamplingFrequency: testFs,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.Dataset().Len())
	assert.Equal(t, "File:1", f.ID().String())

	_, err = NewFile(context.Background(), 0, FileSettings{
		Source:            dataset.FileSource{Path: filepath.Join(t.TempDir(), "missing.bin")},
		FrameShape:        testShape,
		SamplingFrequency: testFs,
	})
	assert.ErrorIs(t, err, ErrDatasetIO)
	assert.Equal(t, KindDatasetIO, KindOf(err))

	_, err = NewFile(context.Background(), 0, FileSettings{
		Source:            dataset.FileSource{Path: path},
		FrameShape:        dataset.Shape{Channels: 4, Samples: 4},
		SamplingFrequency: testFs,
	})
	assert.ErrorIs(t, err, ErrDatasetShapeMismatch)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("other")))
	assert.Equal(t, KindInvalidSlice, KindOf(fmt.Errorf("wrapped: %w", ErrInvalidSlice)))
	assert.Equal(t, KindMappingOutOfRange, KindOf(ErrMappingOutOfRange))
}
