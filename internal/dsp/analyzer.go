package dsp

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/rjboer/usemu/internal/dataset"
)

// Analyzer caches the window and FFT plan for a line length so repeated frame
// spectra avoid re-planning. It is safe for concurrent use.
type Analyzer struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.FFT
	scratch   []float64
	coeff     []complex128
}

// NewAnalyzer prepares an analyzer for lines of size samples.
func NewAnalyzer(size int) *Analyzer {
	a := &Analyzer{}
	a.resizeLocked(size)
	return a
}

// Size returns the line length the cached resources are built for.
func (a *Analyzer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *Analyzer) resizeLocked(size int) {
	a.size = size
	a.window = Hamming(size)
	a.windowSum = sum(a.window)
	a.fft = nil
	if size > 0 {
		a.fft = fourier.NewFFT(size)
	}
}

// FrameSpectrum averages the line spectra of every channel of a channel-major frame.
// The cache is rebuilt when the frame's line length changes.
func (a *Analyzer) FrameSpectrum(frame []int16, shape dataset.Shape, fs float64) (Spectrum, error) {
	if shape.Size() == 0 || len(frame) != shape.Size() {
		return Spectrum{}, fmt.Errorf("frame has %d samples, shape %s", len(frame), shape)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if shape.Samples != a.size {
		a.resizeLocked(shape.Samples)
	}

	power := make([]float64, shape.Samples/2+1)
	for c := 0; c < shape.Channels; c++ {
		line := frame[c*shape.Samples : (c+1)*shape.Samples]
		a.scratch = ApplyWindow(a.scratch, line, a.window)
		a.coeff = a.fft.Coefficients(a.coeff, a.scratch)
		accumulatePower(power, a.coeff, a.windowSum)
	}
	return toSpectrum(a.fft, power, shape.Channels, fs), nil
}
