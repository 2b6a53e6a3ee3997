package gp

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/adalundhe/ppec/core/covariance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// LDLT
// =============================================================================

func TestLDLT_SolveKnownSystem(t *testing.T) {
	a := mat.NewSymDense(3, []float64{
		4, 1, 2,
		1, 3, 0,
		2, 0, 5,
	})
	var f LDLT
	require.True(t, f.Factorize(a))
	assert.True(t, f.Finite())
	assert.Equal(t, 3, f.Size())

	x := f.SolveVec([]float64{8, -5, 17})
	assert.InDelta(t, 1.0, x[0], 1e-10)
	assert.InDelta(t, -2.0, x[1], 1e-10)
	assert.InDelta(t, 3.0, x[2], 1e-10)
}

func TestLDLT_PivotsOnLargestDiagonal(t *testing.T) {
	a := mat.NewSymDense(2, []float64{
		1, 2,
		2, 10,
	})
	var f LDLT
	require.True(t, f.Factorize(a))
	assert.InDelta(t, 10.0, f.D()[0], 1e-12)

	// A x = b with x = (1, 1)
	x := f.SolveVec([]float64{3, 12})
	assert.InDelta(t, 1.0, x[0], 1e-12)
	assert.InDelta(t, 1.0, x[1], 1e-12)
}

func TestLDLT_SolveMatrix(t *testing.T) {
	a := mat.NewSymDense(2, []float64{2, 0, 0, 4})
	var f LDLT
	require.True(t, f.Factorize(a))

	b := mat.NewDense(2, 2, []float64{2, 4, 4, 8})
	x := f.Solve(b)
	assert.InDelta(t, 1.0, x.At(0, 0), 1e-12)
	assert.InDelta(t, 2.0, x.At(0, 1), 1e-12)
	assert.InDelta(t, 1.0, x.At(1, 0), 1e-12)
	assert.InDelta(t, 2.0, x.At(1, 1), 1e-12)
}

func TestLDLT_ZeroOrNonFinitePivotFails(t *testing.T) {
	var f LDLT
	assert.False(t, f.Factorize(mat.NewSymDense(2, []float64{0, 1, 1, 0})))
	assert.False(t, f.Finite())

	assert.False(t, f.Factorize(mat.NewSymDense(2, []float64{1, 0, 0, math.NaN()})))
	assert.False(t, f.Factorize(mat.NewSymDense(2, []float64{math.Inf(1), 0, 0, 1})))
}

func TestLDLT_SqrtFactorReconstructs(t *testing.T) {
	a := mat.NewSymDense(3, []float64{
		4, 1, 2,
		1, 3, 0,
		2, 0, 5,
	})
	var f LDLT
	require.True(t, f.Factorize(a))

	s := f.SqrtFactor()
	var got mat.Dense
	got.Mul(s, s.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, a.At(i, j), got.At(i, j), 1e-10, "(%d,%d)", i, j)
		}
	}
}

// =============================================================================
// Regressor helpers
// =============================================================================

// smoothKernel has a negligible periodic term so covariance decreases
// monotonically with distance over the ranges used here.
func smoothKernel() covariance.Kernel {
	return covariance.MustNew(covariance.PeriodicSquareExponential2,
		[]float64{10, 1, 10, 1e-3, 1, 1}, []float64{1000})
}

func periodicKernel() covariance.Kernel {
	return covariance.MustNew(covariance.PeriodicSquareExponential2,
		[]float64{10, 1, 10, 1, 1, 1}, []float64{50})
}

func rangeSlice(from, to, step float64) []float64 {
	var out []float64
	for x := from; x <= to; x += step {
		out = append(out, x)
	}
	return out
}

// =============================================================================
// Regressor
// =============================================================================

func TestRegressor_PriorPrediction(t *testing.T) {
	r := New(periodicKernel())
	assert.False(t, r.HasData())

	mean, variance := r.PredictWithVariance([]float64{0, 7, 33})
	require.Len(t, mean, 3)
	for i := range mean {
		assert.Equal(t, 0.0, mean[i])
		assert.InDelta(t, 3.0, variance[i], 1e-12)
	}
	assert.Nil(t, r.Predict(nil))
}

func TestRegressor_InterpolatesTrainingData(t *testing.T) {
	loc := rangeSlice(0, 40, 1)
	out := make([]float64, len(loc))
	for i, x := range loc {
		out[i] = math.Sin(2 * math.Pi * x / 50)
	}

	r := New(periodicKernel())
	require.NoError(t, r.Infer(loc, out, nil))
	assert.True(t, r.HasData())
	assert.Equal(t, len(loc), r.NumPoints())

	mean, variance := r.PredictWithVariance(loc)
	for i := range loc {
		assert.InDelta(t, out[i], mean[i], 1e-3)
		assert.GreaterOrEqual(t, variance[i], 0.0)
		assert.Less(t, variance[i], 1e-3)
	}
}

func TestRegressor_VarianceNeverNegative(t *testing.T) {
	loc := rangeSlice(0, 20, 0.5)
	out := make([]float64, len(loc))
	vars := make([]float64, len(loc))
	for i, x := range loc {
		out[i] = math.Cos(x / 3)
		vars[i] = 1e-4
	}

	r := New(periodicKernel(), WithExplicitTrend())
	require.NoError(t, r.Infer(loc, out, vars))

	_, variance := r.PredictWithVariance(rangeSlice(-10, 40, 0.25))
	for _, v := range variance {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestRegressor_InputErrors(t *testing.T) {
	r := New(periodicKernel())

	assert.ErrorIs(t, r.Infer(nil, nil, nil), ErrNoData)
	assert.ErrorIs(t, r.Infer([]float64{1, 2}, []float64{1}, nil), ErrLengthMismatch)
	assert.ErrorIs(t, r.Infer([]float64{1, 2}, []float64{1, 2}, []float64{1}), ErrLengthMismatch)
	assert.ErrorIs(t, r.InferSD([]float64{1, 2}, []float64{1, 2}, 0, nil, math.NaN()), ErrInvalidSubsetSize)
	assert.False(t, r.HasData())
}

func TestRegressor_NonFiniteVarianceRevertsToPrior(t *testing.T) {
	r := New(periodicKernel())
	require.NoError(t, r.Infer([]float64{0, 1}, []float64{1, 1}, nil))

	err := r.Infer([]float64{0, 1, 2}, []float64{1, 1, 1}, []float64{1, math.NaN(), 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFactorization))
	assert.False(t, r.HasData())
	assert.Equal(t, []float64{0}, r.Predict([]float64{1}))
}

func TestRegressor_ClearDataReturnsToPrior(t *testing.T) {
	r := New(periodicKernel())
	require.NoError(t, r.Infer([]float64{0, 1, 2}, []float64{5, 5, 5}, nil))
	assert.NotEqual(t, 0.0, r.Predict([]float64{1})[0])

	r.ClearData()
	r.ClearData()
	assert.False(t, r.HasData())
	assert.Equal(t, 0, r.NumPoints())
	assert.Equal(t, []float64{0, 0}, r.Predict([]float64{1, 2}))
}

func TestRegressor_InferSDSelectsClosestPointsInOrder(t *testing.T) {
	loc := rangeSlice(0, 99, 1)
	out := make([]float64, len(loc))
	for i := range out {
		out[i] = float64(i)
	}

	r := New(smoothKernel())
	require.NoError(t, r.InferSD(loc, out, 10, nil, math.NaN()))

	gotLoc, gotOut, gotVars := r.TrainingSet()
	assert.Equal(t, rangeSlice(90, 99, 1), gotLoc)
	assert.Equal(t, rangeSlice(90, 99, 1), gotOut)
	assert.Nil(t, gotVars)

	require.NoError(t, r.InferSD(loc, out, 4, nil, 50.2))
	gotLoc, _, _ = r.TrainingSet()
	assert.Equal(t, []float64{49, 50, 51, 52}, gotLoc)
}

func TestRegressor_InferSDLargeSubsetUsesAll(t *testing.T) {
	r := New(smoothKernel())
	require.NoError(t, r.InferSD([]float64{0, 1, 2}, []float64{1, 2, 3}, 10, []float64{1, 1, 1}, 1))
	assert.Equal(t, 3, r.NumPoints())
}

func TestRegressor_ExplicitTrendExtrapolates(t *testing.T) {
	loc := rangeSlice(0, 30, 1)
	out := make([]float64, len(loc))
	for i, x := range loc {
		out[i] = 3 + 0.5*x
	}

	withTrend := New(smoothKernel(), WithExplicitTrend())
	require.NoError(t, withTrend.Infer(loc, out, nil))
	assert.True(t, withTrend.ExplicitTrend())

	mean, trendVar := withTrend.PredictWithVariance([]float64{100})
	assert.InDelta(t, 53.0, mean[0], 1e-4)

	plain := New(smoothKernel())
	require.NoError(t, plain.Infer(loc, out, nil))
	flatMean, flatVar := plain.PredictWithVariance([]float64{100})
	assert.Less(t, math.Abs(flatMean[0]), 10.0)
	assert.GreaterOrEqual(t, trendVar[0], flatVar[0])

	withTrend.DisableExplicitTrend()
	assert.InDelta(t, flatMean[0], withTrend.Predict([]float64{100})[0], 1e-9)
	withTrend.EnableExplicitTrend()
	assert.InDelta(t, 53.0, withTrend.Predict([]float64{100})[0], 1e-4)
}

func TestRegressor_ExplicitTrendSinglePointFallsBack(t *testing.T) {
	r := New(smoothKernel(), WithExplicitTrend())
	require.NoError(t, r.Infer([]float64{5}, []float64{2}, nil))

	mean, variance := r.PredictWithVariance([]float64{5, 6})
	for i := range mean {
		assert.False(t, math.IsNaN(mean[i]) || math.IsInf(mean[i], 0))
		assert.GreaterOrEqual(t, variance[i], 0.0)
	}
	assert.InDelta(t, 2.0, mean[0], 1e-3)
}

func TestRegressor_Hyperparameters(t *testing.T) {
	r := New(periodicKernel())
	assert.Equal(t, []float64{10, 1, 10, 1, 1, 1, 50}, r.HyperParameters())

	assert.ErrorIs(t, r.SetHyperParameters([]float64{1, 2, 3}), ErrHyperparameterCount)

	h := []float64{700, 10, 10, 10, 25, 1, 500}
	require.NoError(t, r.SetHyperParameters(h))
	assert.Equal(t, h, r.HyperParameters())
}

func TestRegressor_ProjectionSharesHyperparameters(t *testing.T) {
	proj := covariance.MustNew(covariance.PeriodicSquareExponential, nil, nil)
	r := New(periodicKernel(), WithOutputProjection(proj))
	require.NoError(t, r.SetHyperParameters([]float64{10, 2, 10, 3, 1, 5, 50}))

	_, full := r.PredictWithVariance([]float64{0})
	_, projected := r.PredictProjectedWithVariance([]float64{0})
	assert.InDelta(t, 4+9+25, full[0], 1e-9)
	assert.InDelta(t, 4+9, projected[0], 1e-9)

	r.DisableOutputProjection()
	_, projected = r.PredictProjectedWithVariance([]float64{0})
	assert.InDelta(t, full[0], projected[0], 1e-9)

	r.EnableOutputProjection(proj)
	loc := rangeSlice(0, 20, 1)
	out := make([]float64, len(loc))
	for i, x := range loc {
		out[i] = math.Sin(x)
	}
	require.NoError(t, r.Infer(loc, out, nil))
	assert.NotEqual(t, r.Predict([]float64{10.5}), r.PredictProjected([]float64{10.5}))
}

func TestRegressor_DrawSample(t *testing.T) {
	r := New(periodicKernel())
	locs := []float64{0, 1, 2, 3}

	prior, err := r.DrawSample(locs, make([]float64, 4))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0}, prior)

	_, err = r.DrawSample(locs, []float64{1})
	assert.ErrorIs(t, err, ErrRandomVectorLength)

	require.NoError(t, r.Infer([]float64{0, 2, 4}, []float64{1, -1, 1}, nil))
	posterior, err := r.DrawSample(locs, make([]float64, 4))
	require.NoError(t, err)
	mean := r.Predict(locs)
	for i := range locs {
		assert.InDelta(t, mean[i], posterior[i], 1e-12)
	}

	z := []float64{0.3, -1.2, 0.7, 2.0}
	a, err := r.DrawSample(locs, z)
	require.NoError(t, err)
	b, err := r.DrawSample(locs, z)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	random, err := r.DrawSample(locs, nil)
	require.NoError(t, err)
	assert.Len(t, random, 4)
}

func TestRegressor_NonFiniteLocationHasZeroVariance(t *testing.T) {
	r := New(periodicKernel(), WithExplicitTrend())

	_, variance := r.PredictWithVariance([]float64{math.NaN()})
	assert.Equal(t, []float64{0}, variance)

	require.NoError(t, r.Infer([]float64{0, 1, 2, 3}, []float64{1, 2, 1, 2}, nil))
	_, variance = r.PredictWithVariance([]float64{math.NaN(), 1.5})
	assert.Equal(t, 0.0, variance[0])
	assert.GreaterOrEqual(t, variance[1], 0.0)

	_, variance = r.PredictProjectedWithVariance([]float64{math.Inf(1)})
	assert.Equal(t, []float64{0}, variance)
}

func TestRegressor_ConfigureHyperParametersDropsPosterior(t *testing.T) {
	r := New(periodicKernel())
	require.NoError(t, r.Infer([]float64{0, 1, 2}, []float64{1, 2, 3}, nil))

	h := []float64{700, 10, 10, 10, 25, 1, 500}
	require.NoError(t, r.ConfigureHyperParameters(h))
	assert.Equal(t, h, r.HyperParameters())
	assert.False(t, r.HasData())
	assert.Equal(t, 0, r.NumPoints())

	assert.ErrorIs(t, r.ConfigureHyperParameters([]float64{1}), ErrHyperparameterCount)
	assert.Equal(t, h, r.HyperParameters())

	require.NoError(t, r.Infer([]float64{0, 1, 2}, []float64{1, 2, 3}, nil))
	assert.True(t, r.HasData())
}

func TestRegressor_SetHyperParametersRecomputesPosterior(t *testing.T) {
	r := New(periodicKernel())
	require.NoError(t, r.Infer([]float64{0, 1, 2}, []float64{1, 2, 3}, nil))
	before := r.Predict([]float64{10})

	require.NoError(t, r.SetHyperParameters([]float64{10, 5, 10, 1, 1, 1, 50}))
	assert.True(t, r.HasData())
	assert.NotEqual(t, before, r.Predict([]float64{10}))
}

func TestRegressor_KernelIsACopy(t *testing.T) {
	r := New(periodicKernel())
	k := r.Kernel()
	require.NoError(t, k.SetParameters([]float64{1, 1, 1, 1, 1, 1}))

	assert.Equal(t, []float64{10, 1, 10, 1, 1, 1}, r.Kernel().Parameters())
	assert.Equal(t, covariance.PeriodicSquareExponential2, r.Kernel().Kind())
}

func TestRegressor_NoiseVariance(t *testing.T) {
	// k(0, 0) = 3 for the unit-amplitude kernel
	noisy := New(periodicKernel(), WithNoiseVariance(1))
	require.NoError(t, noisy.Infer([]float64{0}, []float64{1}, nil))
	assert.InDelta(t, 3.0/(4.0+Jitter), noisy.Predict([]float64{0})[0], 1e-12)

	ignored := New(periodicKernel(), WithNoiseVariance(-1))
	require.NoError(t, ignored.Infer([]float64{0}, []float64{1}, nil))
	assert.InDelta(t, 3.0/(3.0+Jitter), ignored.Predict([]float64{0})[0], 1e-12)
}

func TestRegressor_SeededDrawSample(t *testing.T) {
	locs := []float64{0, 1, 2, 3, 4}
	draw := func(seed uint64) []float64 {
		r := New(periodicKernel(), WithRand(rand.New(rand.NewPCG(seed, seed))))
		require.NoError(t, r.Infer([]float64{0, 2, 4}, []float64{1, -1, 1}, nil))
		out, err := r.DrawSample(locs, nil)
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, draw(7), draw(7))
	assert.NotEqual(t, draw(7), draw(8))
}
