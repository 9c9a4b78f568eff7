package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/rjboer/usemu/internal/aperture"
	"github.com/rjboer/usemu/internal/dataset"
	"github.com/rjboer/usemu/internal/framebuf"
	"github.com/rjboer/usemu/internal/logging"
	"github.com/rjboer/usemu/internal/ops"
)

// defaultBurstInterval paces free-running modes when the scheme carries no timing.
const defaultBurstInterval = 10 * time.Millisecond

// State is the acquisition state of a device.
type State int

const (
	Stopped State = iota
	Started
)

func (s State) String() string {
	if s == Started {
		return "STARTED"
	}
	return "STOPPED"
}

// FileSettings describes a file-backed device.
type FileSettings struct {
	// Source is where the recorded frames live.
	Source dataset.Source
	// FrameShape is the recorded frame shape (rx channels x samples).
	FrameShape dataset.Shape
	// SamplingFrequency is the nominal ADC sampling frequency in Hz.
	SamplingFrequency float64
	Probe             ProbeModel
	// ChannelMapping maps logical probe channels to module channels. Empty means identity.
	ChannelMapping []uint8
}

// Metadata describes an uploaded scheme.
type Metadata struct {
	RunID                    string
	FrameShape               dataset.Shape
	SequenceLength           int
	WorkMode                 ops.WorkMode
	BufferDepth              int
	SamplingFrequency        float64
	CurrentSamplingFrequency float64
	// ChannelMapping tells where each logical rx channel of each op lands.
	ChannelMapping *aperture.SplitResult
}

// Stats is a snapshot of device counters.
type Stats struct {
	State           string `json:"state"`
	RunID           string `json:"runId"`
	Bursts          uint64 `json:"bursts"`
	FramesProduced  uint64 `json:"framesProduced"`
	FramesHandedOff uint64 `json:"framesHandedOff"`
	Triggers        uint64 `json:"triggers"`
	PulsesCounted   uint64 `json:"pulsesCounted"`
	DroppedTriggers uint64 `json:"droppedTriggers"`
	PendingTriggers int    `json:"pendingTriggers"`
	Cursor          int    `json:"cursor"`
	TxBegin         int    `json:"txBegin"`
	TxEnd           int    `json:"txEnd"`
}

// Option customises a File.
type Option func(*File)

// WithLogger sets the device logger.
func WithLogger(l logging.Logger) Option {
	return func(f *File) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithDataset uses an already loaded dataset instead of reading settings.Source.
func WithDataset(ds *dataset.Dataset) Option {
	return func(f *File) { f.ds = ds }
}

// WithWatermarks reports ring occupancy crossings on the given channels.
func WithWatermarks(high, low chan<- struct{}) Option {
	return func(f *File) {
		f.ringCfg.HighWatermarkCh = high
		f.ringCfg.LowWatermarkCh = low
	}
}

// run holds what the workers of one Start/Stop cycle share.
type run struct {
	scheme   ops.Scheme
	ring     *framebuf.Ring
	buffer   *framebuf.Buffer
	triggers *triggerQueue
	done     chan struct{}
	seq      uint64
}

// File replays a recorded dataset as if it were acquired by hardware.
type File struct {
	id       ID
	settings FileSettings
	logger   logging.Logger
	ds       *dataset.Dataset
	ringCfg  framebuf.Config

	// lifecycleMu serialises Upload, Start and Stop, including the worker join.
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup

	stateMu   sync.Mutex
	state     State
	scheme    *ops.Scheme
	ring      *framebuf.Ring
	buffer    *framebuf.Buffer
	probe     *FileProbe
	currentFs float64
	runID     string
	active    *run
	lastErr   error

	paramsMu     sync.Mutex
	seqLen       int
	txBegin      int
	txEnd        int
	pendingBegin *int
	pendingEnd   *int

	// cursor is owned by the producer while started.
	cursor int

	bursts    atomic.Uint64
	produced  atomic.Uint64
	handedOff atomic.Uint64
	triggers  atomic.Uint64
	pulses    atomic.Uint64
	dropped   atomic.Uint64
	cursorPub atomic.Int64
}

var _ Device = (*File)(nil)

// NewFile creates a file device and loads its dataset. No goroutine is started.
func NewFile(ctx context.Context, ordinal int, settings FileSettings, opts ...Option) (*File, error) {
	f := &File{
		id:       ID{Type: "File", Ordinal: ordinal},
		settings: settings,
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(logging.Field{Key: "device", Value: f.id.String()})

	if f.ds == nil {
		if settings.Source == nil {
			return nil, fmt.Errorf("%w: no dataset source configured", ErrDatasetIO)
		}
		ds, err := dataset.Load(ctx, settings.Source, settings.FrameShape)
		if err != nil {
			return nil, err
		}
		f.ds = ds
	}
	if settings.SamplingFrequency <= 0 {
		return nil, fmt.Errorf("%w: sampling frequency must be positive", ErrOutOfRange)
	}
	f.logger.Info("dataset loaded",
		logging.Field{Key: "frames", Value: f.ds.Len()},
		logging.Field{Key: "shape", Value: f.ds.Shape().String()})
	return f, nil
}

// ID returns the device identifier.
func (f *File) ID() ID { return f.id }

// Dataset returns the loaded dataset.
func (f *File) Dataset() *dataset.Dataset { return f.ds }

// Upload configures the device for scheme and returns the downstream buffer.
func (f *File) Upload(scheme ops.Scheme) (*framebuf.Buffer, *Metadata, error) {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if f.State() == Started {
		return nil, nil, fmt.Errorf("%w: upload while started", ErrInvalidState)
	}
	// Workers of a failed run may still be unwinding.
	f.wg.Wait()

	shape, err := frameShapeOf(scheme)
	if err != nil {
		return nil, nil, err
	}
	if shape != f.ds.Shape() {
		return nil, nil, fmt.Errorf("%w: scheme frame %s, dataset frame %s", ErrSchemeIncompatible, shape, f.ds.Shape())
	}
	mapping, err := f.channelMapping(scheme.Sequence)
	if err != nil {
		return nil, nil, err
	}

	seq := scheme.Sequence.Clone()
	scheme.Sequence = seq
	cfg := f.ringCfg
	cfg.Capacity = scheme.BufferDepth
	ring := framebuf.NewRing(cfg, shape)
	buffer := framebuf.NewBuffer(ring)
	currentFs := currentSamplingFrequency(f.settings.SamplingFrequency, scheme)
	runID := uuid.NewString()

	f.stateMu.Lock()
	f.scheme = &scheme
	f.ring = ring
	f.buffer = buffer
	f.probe = &FileProbe{id: ID{Type: "Probe", Ordinal: 0}, model: f.settings.Probe}
	f.currentFs = currentFs
	f.runID = runID
	f.lastErr = nil
	f.stateMu.Unlock()

	f.paramsMu.Lock()
	f.seqLen = len(seq)
	f.txBegin, f.txEnd = 0, len(seq)
	f.pendingBegin, f.pendingEnd = nil, nil
	f.paramsMu.Unlock()

	f.cursor = 0
	f.cursorPub.Store(0)

	md := &Metadata{
		RunID:                    runID,
		FrameShape:               shape,
		SequenceLength:           len(seq),
		WorkMode:                 scheme.WorkMode,
		BufferDepth:              ring.Capacity(),
		SamplingFrequency:        f.settings.SamplingFrequency,
		CurrentSamplingFrequency: currentFs,
		ChannelMapping:           mapping,
	}
	f.logger.Info("scheme uploaded",
		logging.Field{Key: "run", Value: runID},
		logging.Field{Key: "ops", Value: len(seq)},
		logging.Field{Key: "mode", Value: scheme.WorkMode.String()},
		logging.Field{Key: "depth", Value: ring.Capacity()})
	return buffer, md, nil
}

// Start spawns the producer and consumer workers.
func (f *File) Start() error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if f.State() == Started {
		return fmt.Errorf("%w: already started", ErrInvalidState)
	}
	f.wg.Wait()

	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.scheme == nil {
		return fmt.Errorf("%w: no scheme uploaded", ErrInvalidState)
	}

	f.buffer.Reopen()
	f.ring.Reset()
	r := &run{
		scheme:   *f.scheme,
		ring:     f.ring,
		buffer:   f.buffer,
		triggers: newTriggerQueue(),
		done:     make(chan struct{}),
	}
	f.active = r
	f.lastErr = nil
	f.state = Started

	f.wg.Add(2)
	go f.produce(r)
	go f.consume(r)
	f.logger.Info("acquisition started", logging.Field{Key: "mode", Value: r.scheme.WorkMode.String()})
	return nil
}

// Stop halts acquisition and waits for the workers. Stopping a stopped device is a no-op.
func (f *File) Stop() error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	f.stateMu.Lock()
	if f.state == Started {
		f.state = Stopped
		f.haltLocked(f.active, nil)
		f.logger.Info("acquisition stopped")
	}
	f.stateMu.Unlock()

	f.wg.Wait()
	return nil
}

// Trigger requests one burst in MANUAL and HOST modes. Free-running modes only count it.
func (f *File) Trigger() error {
	f.stateMu.Lock()
	started := f.state == Started
	r := f.active
	f.stateMu.Unlock()
	if !started {
		return fmt.Errorf("%w: trigger while stopped", ErrInvalidState)
	}

	if r.scheme.WorkMode.FreeRunning() {
		f.pulses.Add(1)
		return nil
	}
	if !r.triggers.push() {
		f.dropped.Add(1)
		return nil
	}
	f.triggers.Add(1)
	return nil
}

// SamplingFrequency returns the nominal sampling frequency.
func (f *File) SamplingFrequency() float64 { return f.settings.SamplingFrequency }

// CurrentSamplingFrequency returns the effective output sampling frequency.
func (f *File) CurrentSamplingFrequency() float64 {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.currentFs == 0 {
		return f.settings.SamplingFrequency
	}
	return f.currentFs
}

// Probe returns the probe materialised at upload.
func (f *File) Probe(ordinal int) (Probe, error) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.probe == nil {
		return nil, fmt.Errorf("%w: no scheme uploaded", ErrInvalidState)
	}
	if ordinal != 0 {
		return nil, fmt.Errorf("%w: probe %d", ErrOutOfRange, ordinal)
	}
	return f.probe, nil
}

// State returns the current acquisition state.
func (f *File) State() State {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.state
}

// Err returns the error that stopped the last run, if any.
func (f *File) Err() error {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.lastErr
}

// Stats returns a snapshot of the device counters.
func (f *File) Stats() Stats {
	f.stateMu.Lock()
	st := Stats{State: f.state.String(), RunID: f.runID}
	if f.active != nil {
		st.PendingTriggers = f.active.triggers.len()
	}
	f.stateMu.Unlock()

	st.TxBegin, st.TxEnd = f.Slice()
	st.Bursts = f.bursts.Load()
	st.FramesProduced = f.produced.Load()
	st.FramesHandedOff = f.handedOff.Load()
	st.Triggers = f.triggers.Load()
	st.PulsesCounted = f.pulses.Load()
	st.DroppedTriggers = f.dropped.Load()
	st.Cursor = int(f.cursorPub.Load())
	return st
}

// haltLocked shuts down the workers of r. The caller holds stateMu and has moved the
// device out of STARTED.
func (f *File) haltLocked(r *run, err error) {
	if r == nil {
		return
	}
	r.ring.Shutdown()
	r.triggers.close()
	close(r.done)
	r.buffer.Close(err)
}

// fail stops the pipeline after a worker error.
func (f *File) fail(r *run, err error) {
	f.logger.Error("acquisition failed", logging.Err(err))
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.state != Started || f.active != r {
		return
	}
	f.state = Stopped
	f.lastErr = err
	f.haltLocked(r, err)
}

func (f *File) produce(r *run) {
	defer f.wg.Done()

	var tick <-chan time.Time
	if r.scheme.WorkMode.FreeRunning() {
		interval := r.scheme.BurstInterval()
		if interval <= 0 {
			interval = defaultBurstInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-tick:
			case <-r.done:
				return
			}
		} else if !r.triggers.wait() {
			return
		}

		begin, end, promoted := f.promote()
		if promoted {
			f.cursor = begin % f.ds.Len()
			f.cursorPub.Store(int64(f.cursor))
		}
		burst := f.bursts.Add(1)
		if err := f.emitBurst(r, burst, begin, end); err != nil {
			if !errors.Is(err, framebuf.ErrShutdown) {
				f.fail(r, err)
			}
			return
		}
	}
}

func (f *File) emitBurst(r *run, burst uint64, begin, end int) error {
	if begin == end {
		e, err := r.ring.ReserveProducer()
		if err != nil {
			return err
		}
		e.Zero()
		r.seq++
		e.Meta = framebuf.FrameMeta{Seq: r.seq, Burst: burst, DatasetIndex: -1}
		if err := r.ring.Publish(e); err != nil {
			return err
		}
		f.produced.Add(1)
		return nil
	}

	n := f.ds.Len()
	for op := begin; op < end; op++ {
		e, err := r.ring.ReserveProducer()
		if err != nil {
			return err
		}
		index := f.cursor
		if copied := f.ds.CopyTo(e.Frame(), index); copied != len(e.Frame()) {
			return fmt.Errorf("%w: frame %d copied %d of %d samples", ErrDatasetShapeMismatch, index, copied, len(e.Frame()))
		}
		r.seq++
		e.Meta = framebuf.FrameMeta{Seq: r.seq, Burst: burst, DatasetIndex: index}
		f.cursor = (f.cursor + 1) % n
		f.cursorPub.Store(int64(f.cursor))
		if err := r.ring.Publish(e); err != nil {
			return err
		}
		f.produced.Add(1)
	}
	return nil
}

func (f *File) consume(r *run) {
	defer f.wg.Done()
	for {
		e, err := r.ring.AcquireConsumer()
		if err != nil {
			if !errors.Is(err, framebuf.ErrShutdown) {
				f.fail(r, err)
			}
			return
		}
		r.buffer.Handoff(e)
		f.handedOff.Add(1)
	}
}

// frameShapeOf derives the frame shape of a scheme from its non-NOP operations.
func frameShapeOf(s ops.Scheme) (dataset.Shape, error) {
	if len(s.Sequence) == 0 {
		return dataset.Shape{}, fmt.Errorf("%w: empty sequence", ErrSchemeIncompatible)
	}
	if s.BufferDepth < 0 {
		return dataset.Shape{}, fmt.Errorf("%w: buffer depth %d", ErrSchemeIncompatible, s.BufferDepth)
	}
	if s.DDC != nil && s.DDC.DecimationFactor < 1 {
		return dataset.Shape{}, fmt.Errorf("%w: ddc decimation %g", ErrSchemeIncompatible, s.DDC.DecimationFactor)
	}

	var shape dataset.Shape
	found := false
	for i, op := range s.Sequence {
		if op.RxDecimation < 0 {
			return dataset.Shape{}, fmt.Errorf("%w: op %d rx decimation %d", ErrSchemeIncompatible, i, op.RxDecimation)
		}
		if op.NOP {
			continue
		}
		got := dataset.Shape{Channels: op.RxAperture.Count(), Samples: op.RxSamples.Len()}
		if !found {
			shape, found = got, true
			continue
		}
		if got != shape {
			return dataset.Shape{}, fmt.Errorf("%w: op %d frame %s differs from %s", ErrSchemeIncompatible, i, got, shape)
		}
	}
	if !found {
		return dataset.Shape{}, fmt.Errorf("%w: sequence has no active operation", ErrSchemeIncompatible)
	}
	if shape.Channels == 0 || shape.Samples == 0 {
		return dataset.Shape{}, fmt.Errorf("%w: empty frame %s", ErrSchemeIncompatible, shape)
	}
	return shape, nil
}

func currentSamplingFrequency(fs float64, s ops.Scheme) float64 {
	if s.DDC != nil && s.DDC.DecimationFactor >= 1 {
		return fs / s.DDC.DecimationFactor
	}
	for _, op := range s.Sequence {
		if op.NOP {
			continue
		}
		if op.RxDecimation > 1 {
			return fs / float64(op.RxDecimation)
		}
		break
	}
	return fs
}

// channelMapping runs the sequence through the aperture splitter with the probe's
// channel mapping, treating the device as a single module.
func (f *File) channelMapping(seq ops.Sequence) (*aperture.SplitResult, error) {
	mapping := f.settings.ChannelMapping
	if len(mapping) == 0 {
		mapping = make([]uint8, ops.NumAddressableChannels)
		for i := range mapping {
			mapping[i] = uint8(i)
		}
	}
	return aperture.Split([]ops.Sequence{seq}, [][]uint8{mapping}, txDelayProfiles(seq), 0)
}

// txDelayProfiles packs per-op tx delays into one profile with a row per op.
func txDelayProfiles(seq ops.Sequence) map[int][]*mat.Dense {
	cols := 0
	for _, op := range seq {
		cols = max(cols, len(op.TxDelays))
	}
	if cols == 0 {
		return nil
	}
	d := mat.NewDense(len(seq), cols, nil)
	for i, op := range seq {
		for c, v := range op.TxDelays {
			d.Set(i, c, v)
		}
	}
	return map[int][]*mat.Dense{0: {d}}
}
