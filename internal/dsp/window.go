package dsp

import "math"

// Hamming returns a Hamming window of length n.
// If n is zero or negative, an empty slice is returned.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// ApplyWindow scales RF samples by the window into dst, which is grown as needed.
// The window length must match the input length.
func ApplyWindow(dst []float64, samples []int16, window []float64) []float64 {
	if len(samples) != len(window) {
		return dst[:0]
	}
	if cap(dst) < len(samples) {
		dst = make([]float64, len(samples))
	}
	dst = dst[:len(samples)]
	for i, v := range samples {
		dst[i] = float64(v) * window[i]
	}
	return dst
}

func sum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}
