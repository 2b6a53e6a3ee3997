package numeric

import (
	"math"
	"math/bits"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/dsp/fourier"
)

// NextPowerOfTwo returns the smallest power of two that is >= n. Values below
// one map to one.
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// ComputeSpectrum estimates the power spectrum of a (detrended) series.
//
// The series is zero padded to at least n samples, where n is first raised to
// len(data) and then to the next power of two, and transformed with a real
// FFT. The low bins below ceil(N/len(data)) carry no information beyond the
// padding and are dropped; this always removes the DC bin. Frequencies are in
// cycles per sample, so callers divide by the sample spacing to get Hz.
//
// The returned slices are parallel and ordered by increasing frequency. An
// empty input yields nil slices.
func ComputeSpectrum(data []float64, n int) (freqs, power []float64) {
	if len(data) == 0 {
		return nil, nil
	}
	if n < len(data) {
		n = len(data)
	}
	n = NextPowerOfTwo(n)

	padded := make([]float64, n)
	copy(padded, data)

	fft := fourier.NewFFT(n)
	coeff := fft.Coefficients(nil, padded)

	low := int(math.Ceil(float64(n) / float64(len(data))))
	if low < 1 {
		low = 1
	}
	if low >= len(coeff) {
		return nil, nil
	}

	freqs = make([]float64, 0, len(coeff)-low)
	power = make([]float64, 0, len(coeff)-low)
	for k := low; k < len(coeff); k++ {
		c := coeff[k]
		freqs = append(freqs, fft.Freq(k))
		power = append(power, real(c)*real(c)+imag(c)*imag(c))
	}
	return freqs, power
}

// HammingWindow returns the n Hamming window coefficients
// 0.54 - 0.46·cos(2πk/(n-1)).
func HammingWindow(n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{1.0}
	}
	w := make([]float64, n)
	for k := range w {
		w[k] = 0.54 - 0.46*math.Cos(2.0*math.Pi*float64(k)/float64(n-1))
	}
	return w
}

// ApplyHamming returns data multiplied element-wise by a Hamming window of
// matching length.
func ApplyHamming(data []float64) []float64 {
	if len(data) == 0 {
		return nil
	}
	return vek.Mul(data, HammingWindow(len(data)))
}
