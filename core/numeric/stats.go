package numeric

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// =============================================================================
// Statistics and Finiteness Checks
// =============================================================================

// DetrendRidge is the ridge added to the normal equations of the linear
// detrend. It keeps the 2×2 system solvable when all timestamps coincide.
const DetrendRidge = 1e-3

// StdDev returns the sample standard deviation of x, or 0 when fewer than two
// values are given.
func StdDev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return stat.StdDev(x, nil)
}

// IsNaN reports whether x is a NaN by self-comparison.
func IsNaN(x float64) bool {
	return x != x
}

// IsInf reports whether x is positive or negative infinity.
func IsInf(x float64) bool {
	return math.IsInf(x, 0)
}

// IsFinite reports whether x is neither NaN nor infinite.
func IsFinite(x float64) bool {
	return !IsNaN(x) && !IsInf(x)
}

// AllFinite reports whether every element of xs is finite.
func AllFinite(xs []float64) bool {
	for _, x := range xs {
		if !IsFinite(x) {
			return false
		}
	}
	return true
}

// LinearTrend fits y ≈ offset + slope·t by ridge-regularized least squares,
// solving (ΦΦᵀ + ridge·I)w = Φy with Φ = [1; t].
func LinearTrend(t, y []float64, ridge float64) (offset, slope float64) {
	n := len(t)
	if n == 0 || len(y) != n {
		return 0, 0
	}

	sumT := floats.Sum(t)
	sumTT := floats.Dot(t, t)
	sumY := floats.Sum(y)
	sumTY := floats.Dot(t, y)

	a := mat.NewSymDense(2, []float64{
		float64(n) + ridge, sumT,
		sumT, sumTT + ridge,
	})
	b := mat.NewVecDense(2, []float64{sumY, sumTY})

	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return stat.Mean(y, nil), 0
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, b); err != nil {
		return stat.Mean(y, nil), 0
	}
	return w.AtVec(0), w.AtVec(1)
}

// Detrend returns y minus its ridge-regularized linear fit over t.
func Detrend(t, y []float64) []float64 {
	offset, slope := LinearTrend(t, y, DetrendRidge)
	out := make([]float64, len(y))
	for i := range y {
		out[i] = y[i] - (offset + slope*t[i])
	}
	return out
}
