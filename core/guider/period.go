package guider

import (
	"math"

	"github.com/adalundhe/ppec/core/numeric"
	"gonum.org/v1/gonum/floats"
)

const (
	// FFTSize is the minimum transform length used for period estimation.
	FFTSize = 4096

	// MaxEstimatedPeriod bounds the periods considered by the estimator, in
	// seconds.
	MaxEstimatedPeriod = 1500.0
)

// EstimatePeriodLength returns the dominant period of data sampled at the
// evenly spaced timestamps. The peak of the Hamming-windowed power spectrum
// is refined by fitting a parabola through its neighbours. It returns NaN
// when no period can be estimated.
func EstimatePeriodLength(timestamps, data []float64) float64 {
	n := len(data)
	if n < 2 || len(timestamps) != n {
		return math.NaN()
	}
	dt := (timestamps[n-1] - timestamps[0]) / float64(n-1)
	if !(dt > 0) || !numeric.AllFinite(data) {
		return math.NaN()
	}

	freqs, power := numeric.ComputeSpectrum(numeric.ApplyHamming(data), FFTSize)
	if len(freqs) == 0 {
		return math.NaN()
	}

	hz := make([]float64, len(freqs))
	for i, f := range freqs {
		hz[i] = f / dt
		if 1/hz[i] > MaxEstimatedPeriod {
			power[i] = 0
		}
	}

	peak := floats.MaxIdx(power)
	if power[peak] <= 0 {
		return math.NaN()
	}

	f := hz[peak]
	if peak > 0 && peak < len(power)-1 {
		a, b, c := power[peak-1], power[peak], power[peak+1]
		if den := a - 2*b + c; den < 0 {
			f += 0.5 * (a - c) / den * (hz[peak+1] - hz[peak])
		}
	}
	if !(f > 0) {
		return math.NaN()
	}
	return 1 / f
}
