package ops

import (
	"fmt"
	"strings"
	"time"
)

// Pulse describes the transmitted waveform.
type Pulse struct {
	CenterFrequency float64
	NPeriods        float64
	Inverse         bool
}

// SampleRange is a half-open window [Begin, End) of receive samples.
type SampleRange struct {
	Begin int
	End   int
}

// Len returns the number of samples in the window.
func (r SampleRange) Len() int {
	if r.End < r.Begin {
		return 0
	}
	return r.End - r.Begin
}

// TxRx is a single transmit/receive operation.
type TxRx struct {
	TxAperture   ChannelMask
	TxDelays     []float64
	TxPulse      Pulse
	RxAperture   ChannelMask
	RxSamples    SampleRange
	RxDecimation int
	PRI          time.Duration
	NOP          bool
}

// NewNOP returns an operation that emits no energy and keeps the given timing.
func NewNOP(pri time.Duration, samples SampleRange, decimation int) TxRx {
	return TxRx{
		RxSamples:    samples,
		RxDecimation: decimation,
		PRI:          pri,
		NOP:          true,
	}
}

// Clone returns a deep copy of the operation.
func (op TxRx) Clone() TxRx {
	out := op
	if op.TxDelays != nil {
		out.TxDelays = append([]float64(nil), op.TxDelays...)
	}
	return out
}

// Sequence is an ordered list of TxRx operations.
type Sequence []TxRx

// Clone returns a deep copy of the sequence.
func (s Sequence) Clone() Sequence {
	out := make(Sequence, len(s))
	for i, op := range s {
		out[i] = op.Clone()
	}
	return out
}

// TotalPRI sums the pulse repetition intervals of all operations.
func (s Sequence) TotalPRI() time.Duration {
	var total time.Duration
	for _, op := range s {
		total += op.PRI
	}
	return total
}

// WorkMode selects how acquisitions are triggered.
type WorkMode int

const (
	// Manual: every Trigger call emits one burst.
	Manual WorkMode = iota
	// Host: the host triggers bursts, same data path as Manual.
	Host
	// Async: free-running, the device paces itself.
	Async
	// Sync: free-running, paced by the frame repetition interval.
	Sync
)

func (m WorkMode) String() string {
	switch m {
	case Manual:
		return "MANUAL"
	case Host:
		return "HOST"
	case Async:
		return "ASYNC"
	case Sync:
		return "SYNC"
	default:
		return "UNKNOWN"
	}
}

// FreeRunning reports whether bursts are paced by the device rather than by triggers.
func (m WorkMode) FreeRunning() bool {
	return m == Async || m == Sync
}

// ParseWorkMode converts a string to a WorkMode.
func ParseWorkMode(s string) (WorkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual", "":
		return Manual, nil
	case "host":
		return Host, nil
	case "async":
		return Async, nil
	case "sync":
		return Sync, nil
	default:
		return Manual, fmt.Errorf("unsupported work mode %q", s)
	}
}

// DigitalDownConversion configures on-device demodulation and decimation.
type DigitalDownConversion struct {
	DemodulationFrequency float64
	DecimationFactor      float64
}

// Scheme is the upload-time description of an acquisition session.
type Scheme struct {
	Sequence    Sequence
	WorkMode    WorkMode
	BufferDepth int
	DDC         *DigitalDownConversion
	// FrameRepetitionInterval paces free-running modes. Zero means the sum of op PRIs.
	FrameRepetitionInterval time.Duration
}

// BurstInterval returns the pacing interval used by free-running modes.
func (s Scheme) BurstInterval() time.Duration {
	if s.FrameRepetitionInterval > 0 {
		return s.FrameRepetitionInterval
	}
	return s.Sequence.TotalPRI()
}
