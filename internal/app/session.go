// Package app runs the downstream side of an emulated acquisition: it drains the
// frame buffer, reports every frame and paces triggers for host-driven modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/usemu/internal/device"
	"github.com/rjboer/usemu/internal/dsp"
	"github.com/rjboer/usemu/internal/framebuf"
	"github.com/rjboer/usemu/internal/logging"
	"github.com/rjboer/usemu/internal/telemetry"
)

// Config captures session level configuration.
type Config struct {
	// TriggerRate is the pacer rate in Hz for MANUAL and HOST modes. Zero disables it.
	TriggerRate float64
	// SpectrumEvery is the number of frames between spectrum snapshots. Zero disables them.
	SpectrumEvery int
	// MaxFrames ends the session after that many frames. Zero means unlimited.
	MaxFrames uint64
}

// Triggerer issues acquisition triggers.
type Triggerer interface {
	Trigger() error
}

// SpectrumSink receives periodic frame spectra.
type SpectrumSink interface {
	UpdateSpectrum(seq uint64, s dsp.Spectrum)
}

// Session is the observer of one uploaded scheme.
type Session struct {
	dev      Triggerer
	buf      *framebuf.Buffer
	md       device.Metadata
	reporter telemetry.Reporter
	spectra  SpectrumSink
	analyzer *dsp.Analyzer
	logger   logging.Logger
	cfg      Config

	frames uint64
}

// NewSession builds a session draining buf. reporter and spectra may be nil.
func NewSession(dev Triggerer, buf *framebuf.Buffer, md *device.Metadata, reporter telemetry.Reporter, spectra SpectrumSink, logger logging.Logger, cfg Config) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Session{
		dev:      dev,
		buf:      buf,
		reporter: reporter,
		spectra:  spectra,
		analyzer: dsp.NewAnalyzer(buf.ElementShape().Samples),
		logger:   logger.With(logging.Field{Key: "subsystem", Value: "session"}),
		cfg:      cfg,
	}
	if md != nil {
		s.md = *md
	}
	return s
}

// Frames returns the number of frames processed so far.
func (s *Session) Frames() uint64 { return s.frames }

// Run drains frames until ctx is canceled, the pipeline stops or MaxFrames is reached.
// A regular device stop returns nil; a pipeline failure returns its error.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.TriggerRate > 0 && !s.md.WorkMode.FreeRunning() {
		go s.pace(ctx)
	}

	for {
		e, err := s.buf.PopFront(ctx)
		if err != nil {
			if errors.Is(err, framebuf.ErrShutdown) {
				s.logger.Info("pipeline stopped", logging.Field{Key: "frames", Value: s.frames})
				return s.buf.Err()
			}
			return err
		}

		s.process(e)
		if err := s.buf.Release(e); err != nil {
			return fmt.Errorf("release slot %d: %w", e.Index(), err)
		}
		if s.cfg.MaxFrames > 0 && s.frames >= s.cfg.MaxFrames {
			s.logger.Info("frame limit reached", logging.Field{Key: "frames", Value: s.frames})
			return nil
		}
	}
}

func (s *Session) process(e *framebuf.Element) {
	s.frames++
	frame := e.Frame()
	ev := telemetry.FrameEvent{
		Timestamp:    time.Now(),
		RunID:        s.md.RunID,
		Seq:          e.Meta.Seq,
		Burst:        e.Meta.Burst,
		DatasetIndex: e.Meta.DatasetIndex,
		Slot:         e.Index(),
		RMS:          dsp.RMS(frame),
	}
	if s.reporter != nil {
		s.reporter.ReportFrame(ev)
	}

	if s.spectra == nil || s.cfg.SpectrumEvery <= 0 || (s.frames-1)%uint64(s.cfg.SpectrumEvery) != 0 {
		return
	}
	spectrum, err := s.analyzer.FrameSpectrum(frame, s.buf.ElementShape(), s.md.CurrentSamplingFrequency)
	if err != nil {
		s.logger.Warn("spectrum failed", logging.Err(err))
		return
	}
	s.spectra.UpdateSpectrum(e.Meta.Seq, spectrum)
}

// pace triggers the device at the configured rate until ctx is done or the pipeline stops.
func (s *Session) pace(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / s.cfg.TriggerRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := s.buf.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
		if err := s.dev.Trigger(); err != nil {
			if errors.Is(err, device.ErrInvalidState) {
				s.logger.Debug("pacer stopped", logging.Err(err))
				return
			}
			s.logger.Warn("trigger failed", logging.Err(err))
		}
	}
}
