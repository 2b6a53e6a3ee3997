// Package gp implements Gaussian process regression over 1-D time locations
// with an optional explicit linear trend and an optional output-projection
// covariance function used for smoothed predictions.
package gp

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/adalundhe/ppec/core/covariance"
	"github.com/adalundhe/ppec/core/numeric"
	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Constants and Errors
// =============================================================================

// Jitter is added to the diagonal of every matrix before factorization.
const Jitter = 1e-6

var (
	// ErrNoData indicates an empty training set.
	ErrNoData = errors.New("gp: no training data")

	// ErrLengthMismatch indicates training vectors of different lengths.
	ErrLengthMismatch = errors.New("gp: training vectors differ in length")

	// ErrInvalidSubsetSize indicates a non-positive subset size for InferSD.
	ErrInvalidSubsetSize = errors.New("gp: subset size must be positive")

	// ErrFactorization indicates a factorization with non-finite or zero
	// pivots, or a non-finite weight vector. The regressor reverts to the prior.
	ErrFactorization = errors.New("gp: gram matrix factorization failed")

	// ErrRandomVectorLength indicates a supplied random vector whose length
	// does not match the sample locations.
	ErrRandomVectorLength = errors.New("gp: random vector length mismatch")

	// ErrHyperparameterCount indicates a hyperparameter vector of the wrong length.
	ErrHyperparameterCount = errors.New("gp: wrong number of hyperparameters")
)

// =============================================================================
// Regressor
// =============================================================================

// Regressor is a Gaussian process over 1-D locations. It is not safe for
// concurrent use; the owning controller serializes access.
type Regressor struct {
	cov  covariance.Kernel
	proj *covariance.Kernel

	// noiseVariance is used on the diagonal when no per-point variances are given.
	noiseVariance float64

	loc  []float64
	out  []float64
	vars []float64

	gram  *mat.SymDense
	fact  *LDLT
	alpha []float64

	explicitTrend bool
	trendActive   bool
	featureFact   *LDLT
	beta          []float64

	rng *rand.Rand
}

// Option configures a Regressor.
type Option func(*Regressor)

// WithNoiseVariance sets the homoscedastic noise variance.
func WithNoiseVariance(v float64) Option {
	return func(r *Regressor) {
		if v >= 0 && numeric.IsFinite(v) {
			r.noiseVariance = v
		}
	}
}

// WithRand sets the random source used by DrawSample when no random vector
// is supplied.
func WithRand(rng *rand.Rand) Option {
	return func(r *Regressor) {
		r.rng = rng
	}
}

// WithOutputProjection sets the covariance function used by PredictProjected.
func WithOutputProjection(k covariance.Kernel) Option {
	return func(r *Regressor) {
		c := k.Clone()
		r.proj = &c
	}
}

// WithExplicitTrend enables the linear basis term from construction.
func WithExplicitTrend() Option {
	return func(r *Regressor) {
		r.explicitTrend = true
	}
}

// New creates a regressor using cov for inference.
func New(cov covariance.Kernel, opts ...Option) *Regressor {
	r := &Regressor{cov: cov.Clone()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kernel returns a copy of the inference covariance function.
func (r *Regressor) Kernel() covariance.Kernel { return r.cov.Clone() }

// HasData reports whether a posterior is available.
func (r *Regressor) HasData() bool { return len(r.loc) > 0 && r.fact != nil }

// NumPoints returns the size of the current training set.
func (r *Regressor) NumPoints() int { return len(r.loc) }

// TrainingSet returns copies of the current training vectors. vars is nil
// for homoscedastic training sets.
func (r *Regressor) TrainingSet() (loc, out, vars []float64) {
	return cloneSlice(r.loc), cloneSlice(r.out), cloneSlice(r.vars)
}

// ClearData resets the regressor to the prior. Safe to call at any time.
func (r *Regressor) ClearData() {
	r.loc, r.out, r.vars = nil, nil, nil
	r.gram = nil
	r.fact = nil
	r.alpha = nil
	r.trendActive = false
	r.featureFact = nil
	r.beta = nil
}

// =============================================================================
// Trend and Projection
// =============================================================================

// EnableExplicitTrend adds the linear basis [1, t] to the mean function.
// An existing posterior is recomputed.
func (r *Regressor) EnableExplicitTrend() {
	r.explicitTrend = true
	r.refresh()
}

// DisableExplicitTrend removes the linear basis from the mean function.
func (r *Regressor) DisableExplicitTrend() {
	r.explicitTrend = false
	r.refresh()
}

// ExplicitTrend reports whether the linear basis is enabled.
func (r *Regressor) ExplicitTrend() bool { return r.explicitTrend }

// EnableOutputProjection sets the covariance function used by PredictProjected.
func (r *Regressor) EnableOutputProjection(k covariance.Kernel) {
	c := k.Clone()
	r.proj = &c
}

// DisableOutputProjection makes PredictProjected use the inference kernel.
func (r *Regressor) DisableOutputProjection() {
	r.proj = nil
}

// refresh re-runs inference on the current training set. A failure leaves
// the regressor at the prior.
func (r *Regressor) refresh() {
	if len(r.loc) > 0 {
		_ = r.infer()
	}
}

// =============================================================================
// Hyperparameters
// =============================================================================

// HyperParameters returns the inference kernel parameters followed by its
// extra parameters.
func (r *Regressor) HyperParameters() []float64 {
	return append(r.cov.Parameters(), r.cov.ExtraParameters()...)
}

// SetHyperParameters replaces the kernel parameters. h holds the inference
// kernel parameters followed by the extra parameters; the projection kernel
// takes the leading segment it needs plus the same extras. An existing
// posterior is recomputed.
func (r *Regressor) SetHyperParameters(h []float64) error {
	if err := r.setKernels(h); err != nil {
		return err
	}
	if len(r.loc) > 0 {
		return r.infer()
	}
	return nil
}

// ConfigureHyperParameters is SetHyperParameters without the recomputation:
// the posterior is dropped and the regressor is at the prior until the next
// Infer or InferSD.
func (r *Regressor) ConfigureHyperParameters(h []float64) error {
	if err := r.setKernels(h); err != nil {
		return err
	}
	r.ClearData()
	return nil
}

func (r *Regressor) setKernels(h []float64) error {
	pc := r.cov.ParameterCount()
	ec := r.cov.ExtraParameterCount()
	if len(h) != pc+ec {
		return fmt.Errorf("%w: want %d, got %d", ErrHyperparameterCount, pc+ec, len(h))
	}

	cov := r.cov.Clone()
	if err := cov.SetParameters(h[:pc]); err != nil {
		return err
	}
	if err := cov.SetExtraParameters(h[pc:]); err != nil {
		return err
	}

	var proj *covariance.Kernel
	if r.proj != nil {
		p := r.proj.Clone()
		if p.ParameterCount() > pc {
			return fmt.Errorf("%w: projection kernel needs %d parameters",
				ErrHyperparameterCount, p.ParameterCount())
		}
		if err := p.SetParameters(h[:p.ParameterCount()]); err != nil {
			return err
		}
		if err := p.SetExtraParameters(h[len(h)-p.ExtraParameterCount():]); err != nil {
			return err
		}
		proj = &p
	}

	r.cov = cov
	r.proj = proj
	return nil
}

// =============================================================================
// Inference
// =============================================================================

// Infer replaces the training set and computes the posterior. vars may be nil
// for homoscedastic noise. On failure the regressor is left without data.
func (r *Regressor) Infer(loc, out, vars []float64) error {
	if err := checkTraining(loc, out, vars); err != nil {
		r.ClearData()
		return err
	}

	r.loc = cloneSlice(loc)
	r.out = cloneSlice(out)
	r.vars = cloneSlice(vars)
	return r.infer()
}

// InferSD is the subset-of-data approximation: it keeps the n training points
// most correlated with predictionPoint (NaN selects the last location) and
// then runs Infer on them. Selected points keep their original order.
func (r *Regressor) InferSD(loc, out []float64, n int, vars []float64, predictionPoint float64) error {
	if err := checkTraining(loc, out, vars); err != nil {
		r.ClearData()
		return err
	}
	if n <= 0 {
		r.ClearData()
		return ErrInvalidSubsetSize
	}
	if n >= len(loc) {
		return r.Infer(loc, out, vars)
	}

	if numeric.IsNaN(predictionPoint) {
		predictionPoint = loc[len(loc)-1]
	}

	cov := r.cov.Evaluate(loc, []float64{predictionPoint})
	index := make([]int, len(loc))
	for i := range index {
		index[i] = i
	}
	sort.SliceStable(index, func(a, b int) bool {
		return cov.At(index[a], 0) > cov.At(index[b], 0)
	})

	selected := index[:n]
	sort.Ints(selected)

	subLoc := make([]float64, n)
	subOut := make([]float64, n)
	var subVars []float64
	if vars != nil {
		subVars = make([]float64, n)
	}
	for i, idx := range selected {
		subLoc[i] = loc[idx]
		subOut[i] = out[idx]
		if vars != nil {
			subVars[i] = vars[idx]
		}
	}
	return r.Infer(subLoc, subOut, subVars)
}

func (r *Regressor) infer() error {
	n := len(r.loc)
	k := r.cov.Evaluate(r.loc, r.loc)

	gram := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			gram.SetSym(i, j, k.At(i, j))
		}
		noise := r.noiseVariance
		if r.vars != nil {
			noise = r.vars[i]
		}
		gram.SetSym(i, i, gram.At(i, i)+noise+Jitter)
	}

	fact := &LDLT{}
	if !fact.Factorize(gram) {
		r.ClearData()
		return fmt.Errorf("%w: %d points", ErrFactorization, n)
	}
	r.gram = gram
	r.fact = fact

	y := r.out
	r.trendActive = false
	r.featureFact, r.beta = nil, nil
	if r.explicitTrend {
		if y = r.fitTrend(); y == nil {
			y = r.out
		}
	}

	alpha := fact.SolveVec(y)
	if !numeric.AllFinite(alpha) || !numeric.AllFinite(r.beta) {
		r.ClearData()
		return fmt.Errorf("%w: non-finite weights", ErrFactorization)
	}
	r.alpha = alpha
	return nil
}

// fitTrend computes β = (H K⁻¹ Hᵀ)⁻¹ H K⁻¹ y and returns y − Hᵀβ. It returns
// nil when the 2×2 feature matrix is singular (for example a single point),
// in which case inference proceeds without the trend.
func (r *Regressor) fitTrend() []float64 {
	n := len(r.loc)
	h := basis(r.loc)

	kinvHt := r.fact.Solve(h.T()) // n×2
	var fm mat.Dense
	fm.Mul(h, kinvHt)

	sym := mat.NewSymDense(2, []float64{
		fm.At(0, 0), 0.5 * (fm.At(0, 1) + fm.At(1, 0)),
		0.5 * (fm.At(0, 1) + fm.At(1, 0)), fm.At(1, 1),
	})
	ff := &LDLT{}
	if !ff.Factorize(sym) || illConditioned(ff.D()) {
		return nil
	}

	kinvY := r.fact.SolveVec(r.out)
	hKinvY := []float64{vek.Sum(kinvY), vek.Dot(r.loc, kinvY)}
	beta := ff.SolveVec(hKinvY)
	if !numeric.AllFinite(beta) {
		return nil
	}

	r.featureFact = ff
	r.beta = beta
	r.trendActive = true

	detrended := make([]float64, n)
	for i := range detrended {
		detrended[i] = r.out[i] - (beta[0] + beta[1]*r.loc[i])
	}
	return detrended
}

// =============================================================================
// Prediction
// =============================================================================

// Predict returns the posterior mean at locations using the inference
// kernel. Without data it returns the zero-mean prior.
func (r *Regressor) Predict(locations []float64) []float64 {
	mean, _ := r.predict(r.cov, locations, false)
	return mean
}

// PredictWithVariance returns the posterior mean and variance (always >= 0).
func (r *Regressor) PredictWithVariance(locations []float64) (mean, variance []float64) {
	return r.predict(r.cov, locations, true)
}

// PredictProjected is Predict using the output-projection kernel, falling
// back to the inference kernel when no projection is configured.
func (r *Regressor) PredictProjected(locations []float64) []float64 {
	mean, _ := r.predict(r.projection(), locations, false)
	return mean
}

// PredictProjectedWithVariance is PredictWithVariance using the
// output-projection kernel.
func (r *Regressor) PredictProjectedWithVariance(locations []float64) (mean, variance []float64) {
	return r.predict(r.projection(), locations, true)
}

func (r *Regressor) projection() covariance.Kernel {
	if r.proj == nil {
		return r.cov
	}
	return *r.proj
}

func (r *Regressor) predict(k covariance.Kernel, locations []float64, wantVar bool) (mean, variance []float64) {
	m := len(locations)
	if m == 0 {
		return nil, nil
	}

	mean = make([]float64, m)
	if wantVar {
		variance = make([]float64, m)
		for i, x := range locations {
			variance[i] = nonNegative(k.EvaluatePoint(x, x))
		}
	}
	if !r.HasData() {
		return mean, variance
	}

	mixed := k.Evaluate(locations, r.loc) // m×n
	n := len(r.loc)
	row := make([]float64, n)
	for i := 0; i < m; i++ {
		mat.Row(row, i, mixed)
		mean[i] = vek.Dot(row, r.alpha)
		if r.trendActive {
			mean[i] += r.beta[0] + r.beta[1]*locations[i]
		}

		if !wantVar {
			continue
		}
		gamma := r.fact.SolveVec(row)
		v := variance[i] - vek.Dot(row, gamma)
		if r.trendActive {
			// R = h* − H K⁻¹ k*
			rv := []float64{1 - vek.Sum(gamma), locations[i] - vek.Dot(r.loc, gamma)}
			v += vek.Dot(rv, r.featureFact.SolveVec(rv))
		}
		variance[i] = nonNegative(v)
	}
	return mean, variance
}

// =============================================================================
// Sampling
// =============================================================================

// DrawSample draws a sample path at locations from the prior (no data) or the
// posterior (data present). random supplies the standard-normal vector; nil
// draws one from the configured source.
func (r *Regressor) DrawSample(locations, random []float64) ([]float64, error) {
	m := len(locations)
	if m == 0 {
		return nil, nil
	}
	if random == nil {
		random = numeric.NormalRandomVector(r.rng, m)
	}
	if len(random) != m {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrRandomVectorLength, m, len(random))
	}

	cov := r.cov.Evaluate(locations, locations)
	mean := make([]float64, m)
	if r.HasData() {
		mixed := r.cov.Evaluate(locations, r.loc) // m×n
		gamma := r.fact.Solve(mixed.T())          // n×m
		var reduce mat.Dense
		reduce.Mul(mixed, gamma)
		cov.Sub(cov, &reduce)
		mean = r.Predict(locations)
	}

	sym := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			sym.SetSym(i, j, 0.5*(cov.At(i, j)+cov.At(j, i)))
		}
		sym.SetSym(i, i, sym.At(i, i)+Jitter)
	}

	z := mat.NewVecDense(m, cloneSlice(random))
	var sample mat.VecDense

	var chol mat.Cholesky
	if chol.Factorize(sym) {
		var l mat.TriDense
		chol.LTo(&l)
		sample.MulVec(&l, z)
	} else {
		var f LDLT
		f.Factorize(sym)
		sample.MulVec(f.SqrtFactor(), z)
	}

	out := make([]float64, m)
	for i := range out {
		out[i] = mean[i] + sample.AtVec(i)
	}
	return out, nil
}

// =============================================================================
// Helpers
// =============================================================================

func checkTraining(loc, out, vars []float64) error {
	if len(loc) == 0 {
		return ErrNoData
	}
	if len(out) != len(loc) || (vars != nil && len(vars) != len(loc)) {
		return fmt.Errorf("%w: loc=%d out=%d vars=%d", ErrLengthMismatch, len(loc), len(out), len(vars))
	}
	return nil
}

// illConditioned reports whether the pivot ratio of a factorization is
// indistinguishable from singular.
func illConditioned(d []float64) bool {
	lo, hi := math.Inf(1), 0.0
	for _, v := range d {
		lo = math.Min(lo, math.Abs(v))
		hi = math.Max(hi, math.Abs(v))
	}
	return lo <= 1e-10*hi
}

// nonNegative maps negative and non-finite variances to 0.
func nonNegative(v float64) float64 {
	if !numeric.IsFinite(v) || v < 0 {
		return 0
	}
	return v
}

// basis returns the 2×n feature matrix [1; t].
func basis(t []float64) *mat.Dense {
	n := len(t)
	h := mat.NewDense(2, n, nil)
	for i, x := range t {
		h.Set(0, i, 1)
		h.Set(1, i, x)
	}
	return h
}

func cloneSlice(s []float64) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
