package numeric

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Random Sampling
// =============================================================================
//
// Gaussian samples are produced from uniform variates through the Box–Muller
// transform. These helpers are only used for synthetic sample generation
// (GP sample paths and tests), never on the guiding path itself.

// uniform01 returns a variate in (0, 1]. The open lower bound keeps the
// logarithm in BoxMuller finite.
func uniform01(rng *rand.Rand) float64 {
	if rng == nil {
		return 1.0 - rand.Float64()
	}
	return 1.0 - rng.Float64()
}

// UniformRandomMatrix returns a rows×cols matrix of uniform variates in (0, 1].
// A nil rng draws from the process-wide source.
func UniformRandomMatrix(rng *rand.Rand, rows, cols int) *mat.Dense {
	if rows <= 0 || cols <= 0 {
		return &mat.Dense{}
	}
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = uniform01(rng)
	}
	return mat.NewDense(rows, cols, data)
}

// BoxMuller maps uniform variates in (0, 1] to independent standard normal
// variates. Consecutive pairs (u[2i], u[2i+1]) produce the cosine and sine
// outputs of the transform. For odd lengths the final element is paired with
// u[0] and only the cosine branch is used.
func BoxMuller(u []float64) []float64 {
	n := len(u)
	out := make([]float64, n)
	for i := 0; i+1 < n; i += 2 {
		r := math.Sqrt(-2.0 * math.Log(u[i]))
		theta := 2.0 * math.Pi * u[i+1]
		out[i] = r * math.Cos(theta)
		out[i+1] = r * math.Sin(theta)
	}
	if n%2 == 1 {
		r := math.Sqrt(-2.0 * math.Log(u[n-1]))
		out[n-1] = r * math.Cos(2.0*math.Pi*u[0])
	}
	return out
}

// NormalRandomVector returns n standard normal variates.
func NormalRandomVector(rng *rand.Rand, n int) []float64 {
	if n <= 0 {
		return nil
	}
	// draw an even count so every output comes from a full pair
	m := n + n%2
	u := make([]float64, m)
	for i := range u {
		u[i] = uniform01(rng)
	}
	return BoxMuller(u)[:n]
}

// NormalRandomMatrix returns a rows×cols matrix of standard normal variates.
func NormalRandomMatrix(rng *rand.Rand, rows, cols int) *mat.Dense {
	if rows <= 0 || cols <= 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(rows, cols, NormalRandomVector(rng, rows*cols))
}
