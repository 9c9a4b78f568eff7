// Package dsp computes diagnostics over replayed RF frames.
package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// FullScale is the magnitude of a full-scale int16 sample.
	FullScale = 32768.0
	// FloorDB replaces -Inf for empty bins so spectra stay JSON encodable.
	FloorDB = -200.0
)

// Spectrum is a one-sided magnitude spectrum.
type Spectrum struct {
	Frequencies []float64 `json:"frequencies"`
	DBFS        []float64 `json:"dbfs"`
}

// LineSpectrum applies a Hamming window to one RF line and returns its one-sided
// spectrum in dBFS. fs is the sampling frequency of the line in Hz.
func LineSpectrum(samples []int16, fs float64) Spectrum {
	if len(samples) == 0 {
		return Spectrum{Frequencies: []float64{}, DBFS: []float64{}}
	}
	win := Hamming(len(samples))
	fft := fourier.NewFFT(len(samples))
	coeff := fft.Coefficients(nil, ApplyWindow(nil, samples, win))
	power := make([]float64, len(coeff))
	accumulatePower(power, coeff, sum(win))
	return toSpectrum(fft, power, 1, fs)
}

// RMS returns the root mean square of samples relative to int16 full scale.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	acc := 0.0
	for _, v := range samples {
		x := float64(v) / FullScale
		acc += x * x
	}
	return math.Sqrt(acc / float64(len(samples)))
}

// accumulatePower adds the single-sided amplitude squared of coeff to power.
func accumulatePower(power []float64, coeff []complex128, windowSum float64) {
	for i, c := range coeff {
		mag := cmplx.Abs(c) / windowSum
		if i != 0 {
			mag *= 2
		}
		power[i] += mag * mag
	}
}

func toSpectrum(fft *fourier.FFT, power []float64, lines int, fs float64) Spectrum {
	out := Spectrum{
		Frequencies: make([]float64, len(power)),
		DBFS:        make([]float64, len(power)),
	}
	for i, p := range power {
		out.Frequencies[i] = fft.Freq(i) * fs
		mag := math.Sqrt(p / float64(lines))
		if mag == 0 {
			out.DBFS[i] = FloorDB
			continue
		}
		out.DBFS[i] = max(20*math.Log10(mag/FullScale), FloorDB)
	}
	return out
}
