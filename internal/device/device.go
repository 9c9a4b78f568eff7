// Package device implements the file-backed ultrasound device: it replays a recorded
// dataset through the upload/start/trigger/stop interface of a physical scanner.
package device

import (
	"fmt"

	"github.com/rjboer/usemu/internal/framebuf"
	"github.com/rjboer/usemu/internal/ops"
)

// ID identifies a device or a probe attached to it.
type ID struct {
	Type    string
	Ordinal int
}

func (id ID) String() string { return fmt.Sprintf("%s:%d", id.Type, id.Ordinal) }

// ProbeModelID names a probe model.
type ProbeModelID struct {
	Manufacturer string `yaml:"manufacturer" json:"manufacturer"`
	Name         string `yaml:"name" json:"name"`
}

// ProbeModel is the geometry of a transducer array.
type ProbeModel struct {
	ID               ProbeModelID `yaml:"id" json:"id"`
	NumElements      int          `yaml:"numElements" json:"numElements"`
	Pitch            float64      `yaml:"pitch" json:"pitch"`
	CurvatureRadius  float64      `yaml:"curvatureRadius" json:"curvatureRadius"`
	TxFrequencyRange [2]float64   `yaml:"txFrequencyRange" json:"txFrequencyRange"`
}

// Probe exposes the model of an attached probe.
type Probe interface {
	ID() ID
	Model() ProbeModel
}

// Device captures the operations a host uses to drive an ultrasound system,
// whether file-backed or hardware-backed.
type Device interface {
	Upload(scheme ops.Scheme) (*framebuf.Buffer, *Metadata, error)
	Start() error
	Stop() error
	Trigger() error
	SetParameters(params Parameters) error
	SamplingFrequency() float64
	CurrentSamplingFrequency() float64
	Probe(ordinal int) (Probe, error)
}

// FileProbe is the probe materialised by a file device at upload.
type FileProbe struct {
	id    ID
	model ProbeModel
}

func (p *FileProbe) ID() ID            { return p.id }
func (p *FileProbe) Model() ProbeModel { return p.model }
