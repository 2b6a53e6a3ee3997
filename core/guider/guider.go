// Package guider implements the predictive guiding controller: it turns
// per-exposure tracking-error measurements into correction commands, using a
// Gaussian process over the accumulated gear error to predict the periodic
// error over the next exposure.
//
// A Guider corresponds to exactly one guided axis. It is not safe for
// concurrent use; callers serialize Result, DeduceResult and the dither
// notifications.
package guider

import (
	"fmt"
	"math"
	"time"

	"github.com/adalundhe/ppec/core/covariance"
	"github.com/adalundhe/ppec/core/gp"
	"github.com/adalundhe/ppec/core/numeric"
	gometrics "github.com/rcrowley/go-metrics"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxDitherSteps is the number of cycles rejected after a dither.
	MaxDitherSteps = 10

	// MinSamplesForPrediction is the sample count that must be exceeded
	// before the GP contributes to the correction.
	MinSamplesForPrediction = 10

	// DefaultLearningRate is the low-pass weight of a new period estimate.
	DefaultLearningRate = 0.01

	// DarkVariance is the variance of the pseudo-measurement stored while
	// no real measurement is available.
	DarkVariance = 1e4
)

// =============================================================================
// State
// =============================================================================

// State is the controller protocol state.
type State int

const (
	StateIdle State = iota
	StateGuiding
	StateDarkGuiding
	StateDithering
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGuiding:
		return "guiding"
	case StateDarkGuiding:
		return "dark_guiding"
	case StateDithering:
		return "dithering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// =============================================================================
// Options
// =============================================================================

// Option configures a Guider at construction.
type Option func(*Guider)

// WithLogger sets the diagnostic sink. A nil logger is ignored.
func WithLogger(l Logger) Option {
	return func(g *Guider) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock replaces time.Now for timestamping.
func WithClock(now func() time.Time) Option {
	return func(g *Guider) {
		if now != nil {
			g.now = now
		}
	}
}

// WithHistoryCapacity sets the number of retained samples.
func WithHistoryCapacity(n int) Option {
	return func(g *Guider) {
		g.history = NewHistory(n)
	}
}

// WithVarianceModel replaces the SNR to variance curve. Invalid models are
// ignored.
func WithVarianceModel(m VarianceModel) Option {
	return func(g *Guider) {
		if m.Valid() {
			g.variance = m
		}
	}
}

// WithLearningRate sets the period low-pass weight. Rates outside [0, 1]
// are ignored.
func WithLearningRate(lr float64) Option {
	return func(g *Guider) {
		_ = g.SetLearningRate(lr)
	}
}

// WithUpdateInterval sets how many cycles pass between GP updates. Values
// below 1 are raised to 1.
func WithUpdateInterval(n int) Option {
	return func(g *Guider) {
		g.updateInterval = max(n, 1)
	}
}

// WithMetricsRegistry registers the controller metrics in r instead of a
// private registry.
func WithMetricsRegistry(r gometrics.Registry) Option {
	return func(g *Guider) {
		g.metrics = newControllerMetrics(r)
	}
}

// =============================================================================
// Guider
// =============================================================================

// Guider is the guiding controller for one axis.
type Guider struct {
	params    Parameters
	history   *History
	regressor *gp.Regressor
	variance  VarianceModel
	logger    Logger
	metrics   *controllerMetrics

	now     func() time.Time
	start   time.Time
	last    time.Time
	started bool

	state             State
	pendingControl    float64
	prediction        float64
	lastPredictionEnd float64

	dithering    bool
	ditherSteps  int
	ditherOffset float64

	learningRate      float64
	updateInterval    int
	cyclesSinceUpdate int
}

// New creates a controller. The parameters are validated; length scales and
// the period are raised to 1.
func New(params Parameters, opts ...Option) (*Guider, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params, _ = params.WithHyperparameters(clampHyperparameters(params.Hyperparameters()))

	h := params.Hyperparameters()
	n := int(NumHyperparameters)
	inference := covariance.MustNew(covariance.PeriodicSquareExponential2, h[:n-1], h[n-1:])
	projection := covariance.MustNew(covariance.PeriodicSquareExponential, h[:4], h[n-1:])

	g := &Guider{
		params:            params,
		history:           NewHistory(DefaultHistoryCapacity),
		regressor:         gp.New(inference, gp.WithOutputProjection(projection), gp.WithExplicitTrend()),
		variance:          DefaultVarianceModel(),
		logger:            NopLogger{},
		now:               time.Now,
		lastPredictionEnd: -1,
		learningRate:      DefaultLearningRate,
		updateInterval:    1,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = newControllerMetrics(nil)
	}
	return g, nil
}

// =============================================================================
// Guiding Cycle
// =============================================================================

// Result runs one guiding cycle with a measurement and returns the
// correction. A negative predictionPoint selects the current time. A
// non-finite input or SNR is treated as a missing measurement.
func (g *Guider) Result(input, snr, timeStep, predictionPoint float64) float64 {
	if !numeric.IsFinite(input) || !numeric.IsFinite(snr) {
		g.logger.Log("PPEC invalid measurement (input: %v SNR: %v), dark guiding", input, snr)
		return g.DeduceResult(timeStep, predictionPoint)
	}

	g.metrics.cycles.Inc(1)

	if g.dithering {
		g.ditherSteps--
		if g.ditherSteps <= 0 {
			g.dithering = false
			g.ditherSteps = 0
		}
		// predictions keep advancing so the next real cycle covers one step
		g.blindPrediction(timeStep, predictionPoint)
		g.pendingControl = 0
		g.metrics.ditherRejects.Inc(1)
		g.setActiveState(StateGuiding)
		g.logger.Log("PPEC rejecting dither measurement, %d remaining", g.ditherSteps)
		return 0
	}

	g.history.Push(Sample{
		Timestamp:   g.timestamp(),
		Measurement: input,
		Variance:    g.variance.Variance(snr),
		Control:     g.pendingControl,
	})
	g.logger.Log("PPEC input: %.2f SNR: %.1f time_step: %.1f", input, snr, timeStep)

	control := g.params.ControlGain * input
	if math.Abs(input) < g.params.MinMove {
		control = 0
	}

	g.prediction = 0
	if g.canPredict() {
		pp := g.predictionPoint(predictionPoint)
		g.maybeUpdateGP(pp+0.5*timeStep, true)
		g.prediction = g.PredictGearError(pp + timeStep)
		control += g.params.PredictionGain * g.prediction
	}

	return g.finishCycle(control, StateGuiding)
}

// DeduceResult runs one guiding cycle without a measurement. It stores a
// pseudo-measurement with an inflated variance and returns the prediction
// alone. The period is never re-estimated from blind cycles.
func (g *Guider) DeduceResult(timeStep, predictionPoint float64) float64 {
	g.metrics.cycles.Inc(1)
	g.metrics.darkCycles.Inc(1)

	control := g.blindPrediction(timeStep, predictionPoint)
	g.logger.Log("PPEC dark guiding, prediction: %.2f", g.prediction)

	return g.finishCycle(control, StateDarkGuiding)
}

// blindPrediction stores a pseudo-measurement and predicts the gear error
// over the next step without re-estimating the period.
func (g *Guider) blindPrediction(timeStep, predictionPoint float64) float64 {
	g.pushBlind()

	g.prediction = 0
	if g.canPredict() {
		pp := g.predictionPoint(predictionPoint)
		g.maybeUpdateGP(pp+0.5*timeStep, false)
		g.prediction = g.PredictGearError(pp + timeStep)
	}
	return g.prediction
}

func (g *Guider) finishCycle(control float64, state State) float64 {
	if !numeric.IsFinite(control) {
		g.logger.Log("PPEC non-finite correction, sending 0")
		control = 0
	}
	g.pendingControl = control
	g.setActiveState(state)
	g.metrics.observeCorrection(control)
	return control
}

func (g *Guider) setActiveState(s State) {
	if g.dithering {
		g.state = StateDithering
		return
	}
	g.state = s
}

func (g *Guider) pushBlind() {
	g.history.Push(Sample{
		Timestamp: g.timestamp(),
		Variance:  DarkVariance,
		Control:   g.pendingControl,
		Blind:     true,
	})
}

// timestamp returns the midpoint of the last measurement interval in
// seconds since start, shifted by the dither offset.
func (g *Guider) timestamp() float64 {
	now := g.now()
	if !g.started {
		g.start, g.last, g.started = now, now, true
	}
	delta := now.Sub(g.last).Seconds()
	g.last = now
	return now.Sub(g.start).Seconds() - delta/2 + g.ditherOffset
}

func (g *Guider) elapsed() float64 {
	if !g.started {
		return 0
	}
	return g.now().Sub(g.start).Seconds()
}

func (g *Guider) predictionPoint(pp float64) float64 {
	if pp >= 0 {
		return pp
	}
	return g.elapsed()
}

// canPredict requires more than MinSamplesForPrediction samples spanning at
// least MinPeriodsForInference periods.
func (g *Guider) canPredict() bool {
	if g.history.Len() <= MinSamplesForPrediction {
		return false
	}
	return g.span() >= g.params.MinPeriodsForInference*g.params.PKPeriodLength
}

func (g *Guider) span() float64 {
	first, ok := g.history.At(0)
	if !ok {
		return 0
	}
	last, _ := g.history.Last()
	return last.Timestamp - first.Timestamp
}

func (g *Guider) maybeUpdateGP(pp float64, estimatePeriod bool) {
	g.cyclesSinceUpdate++
	if g.cyclesSinceUpdate < g.updateInterval && g.regressor.HasData() {
		return
	}
	g.cyclesSinceUpdate = 0
	if err := g.updateGP(pp, estimatePeriod); err != nil {
		g.logger.Log("PPEC %v", err)
	}
}

// PredictGearError returns the predicted change in gear error between the
// end of the previous prediction and location, and advances the prediction
// end. Without a posterior it returns 0.
func (g *Guider) PredictGearError(location float64) float64 {
	if g.lastPredictionEnd < 0 {
		g.lastPredictionEnd = g.elapsed()
	}

	next := []float64{g.lastPredictionEnd, location + g.ditherOffset}
	p := g.regressor.PredictProjected(next)
	g.lastPredictionEnd = next[1]

	d := p[1] - p[0]
	if !numeric.IsFinite(d) {
		return 0
	}
	return d
}

// =============================================================================
// Model Update
// =============================================================================

// UpdateGP rebuilds the posterior from the history, re-estimating the period
// when enabled. predictionPoint selects where the subset-of-data
// approximation is most accurate; NaN selects the newest sample.
func (g *Guider) UpdateGP(predictionPoint float64) error {
	return g.updateGP(predictionPoint, true)
}

func (g *Guider) updateGP(predictionPoint float64, estimatePeriod bool) error {
	if g.history.Len() == 0 {
		return nil
	}

	begin := time.Now()
	defer g.metrics.updateGP.UpdateSince(begin)

	ts, gear, vars := g.GearError()
	rts, rgear, rvars := RegularizeDataset(ts, gear, vars)
	if len(rts) < 2 {
		rts, rgear, rvars = ts, gear, vars
	}

	if estimatePeriod && g.params.ComputePeriod && len(rts) > 1 &&
		g.span() > g.params.MinPeriodsForPeriodEstimation*g.params.PKPeriodLength {
		estimate := EstimatePeriodLength(rts, numeric.Detrend(rts, rgear))
		// InferSD below rebuilds the posterior
		g.updatePeriodLength(estimate, false)
	}

	err := g.regressor.InferSD(rts, rgear, g.params.PointsForApproximation, rvars, predictionPoint)
	g.logger.Log("PPEC gp update: %d points, period %.2f, took %s",
		len(rts), g.params.PKPeriodLength, time.Since(begin))
	if err != nil {
		g.metrics.inferenceFailures.Inc(1)
		return fmt.Errorf("guider: update gp: %w", err)
	}
	return nil
}

// UpdatePeriodLength low-pass filters period into the period hyperparameter.
// Non-finite or non-positive estimates are ignored.
func (g *Guider) UpdatePeriodLength(period float64) {
	g.updatePeriodLength(period, true)
}

func (g *Guider) updatePeriodLength(period float64, reinfer bool) {
	if !numeric.IsFinite(period) || period <= 0 {
		g.logger.Log("PPEC ignoring period estimate %v", period)
		return
	}
	h := g.GPHyperparameters()
	h[PKPeriodLength] = (1-g.learningRate)*h[PKPeriodLength] + g.learningRate*period
	if err := g.setGPHyperparameters(h, reinfer); err != nil {
		g.logger.Log("PPEC %v", err)
	}
}

// GearError returns the history as parallel vectors, with the gear error of
// each sample being the accumulated control plus its measurement.
func (g *Guider) GearError() (timestamps, gearError, variances []float64) {
	n := g.history.Len()
	timestamps = make([]float64, n)
	gearError = make([]float64, n)
	variances = make([]float64, n)

	sum := 0.0
	for i := 0; i < n; i++ {
		s, _ := g.history.At(i)
		sum += s.Control
		timestamps[i] = s.Timestamp
		gearError[i] = sum + s.Measurement
		variances[i] = s.Variance
	}
	return timestamps, gearError, variances
}

// Predict returns the smoothed posterior mean and variance of the gear error
// at locations.
func (g *Guider) Predict(locations []float64) (mean, variance []float64) {
	return g.regressor.PredictProjectedWithVariance(locations)
}

// =============================================================================
// Dithering
// =============================================================================

// GuidingDithered records a dither of amt (in mount units) at rate, and
// rejects measurements until the dither settles.
func (g *Guider) GuidingDithered(amt, rate float64) {
	if !validRate(amt, rate) {
		g.logger.Log("PPEC ignoring dither amt=%v rate=%v", amt, rate)
		return
	}
	g.ditherOffset += amt / rate
	g.dithering = true
	g.ditherSteps = MaxDitherSteps
	g.state = StateDithering
	g.logger.Log("PPEC dither offset %.2f", g.ditherOffset)
}

// DirectMoveApplied records a direct mount move of amt at rate.
func (g *Guider) DirectMoveApplied(amt, rate float64) {
	if !validRate(amt, rate) {
		g.logger.Log("PPEC ignoring direct move amt=%v rate=%v", amt, rate)
		return
	}
	g.ditherOffset -= amt / rate
}

// GuidingDitherSettleDone ends dithering on success. On failure the rejection
// countdown and the dither offset are kept.
func (g *Guider) GuidingDitherSettleDone(success bool) {
	if !success {
		g.logger.Log("PPEC dither settle failed, %d steps remaining", g.ditherSteps)
		return
	}
	g.dithering = false
	g.ditherSteps = 0
	if g.history.Len() == 0 {
		g.state = StateIdle
	} else {
		g.state = StateGuiding
	}
}

func validRate(amt, rate float64) bool {
	return numeric.IsFinite(amt) && numeric.IsFinite(rate) && rate != 0
}

// =============================================================================
// Reset and Injection
// =============================================================================

// Reset clears the history and the posterior and returns to Idle.
func (g *Guider) Reset() {
	g.history.Clear()
	g.regressor.ClearData()
	g.started = false
	g.state = StateIdle
	g.pendingControl = 0
	g.prediction = 0
	g.lastPredictionEnd = -1
	g.dithering = false
	g.ditherSteps = 0
	g.ditherOffset = 0
	g.cyclesSinceUpdate = 0
}

// InjectDataPoint stores a sample with an explicit timestamp, bypassing the
// clock. control is the correction applied after this measurement, exactly
// as Result would record it.
func (g *Guider) InjectDataPoint(timestamp, input, snr, control float64) {
	g.history.Push(Sample{
		Timestamp:   timestamp,
		Measurement: input,
		Variance:    g.variance.Variance(snr),
		Control:     g.pendingControl,
	})
	g.pendingControl = control
	g.setActiveState(StateGuiding)
}

// =============================================================================
// Accessors
// =============================================================================

// State returns the protocol state.
func (g *Guider) State() State { return g.state }

// NumMeasurements returns the number of retained samples, blind ones included.
func (g *Guider) NumMeasurements() int { return g.history.Len() }

// NumBlindMeasurements returns the number of retained pseudo-measurements.
func (g *Guider) NumBlindMeasurements() int { return g.history.CountBlind() }

// LastSample returns the newest sample.
func (g *Guider) LastSample() (Sample, bool) { return g.history.Last() }

// SecondLastSample returns the sample before the newest one.
func (g *Guider) SecondLastSample() (Sample, bool) { return g.history.SecondLast() }

// Samples returns a copy of the history, oldest first.
func (g *Guider) Samples() []Sample { return g.history.Items() }

// DitherOffset returns the accumulated dither offset in gear seconds.
func (g *Guider) DitherOffset() float64 { return g.ditherOffset }

// Dithering reports whether measurements are currently rejected.
func (g *Guider) Dithering() bool { return g.dithering }

// DitherSteps returns the remaining dither rejection count.
func (g *Guider) DitherSteps() int { return g.ditherSteps }

// PredictionContribution returns the gear-error prediction of the last cycle.
func (g *Guider) PredictionContribution() float64 { return g.prediction }

// Metrics returns a snapshot of the controller metrics.
func (g *Guider) Metrics() MetricsSnapshot { return g.metrics.snapshot() }

// HasModel reports whether a posterior is available.
func (g *Guider) HasModel() bool { return g.regressor.HasData() }
