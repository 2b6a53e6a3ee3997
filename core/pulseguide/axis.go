// Package pulseguide drives a guider.Guider for the RA axis of a mount: it
// filters out measurements the model should not learn from, converts
// corrections into timed guide pulses and relays dither notifications.
package pulseguide

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/adalundhe/ppec/core/guider"
)

// =============================================================================
// Errors and Limits
// =============================================================================

// ErrInvalidRate indicates a calibration rate that is not finite and positive.
var ErrInvalidRate = errors.New("pulseguide: invalid calibration rate")

// Limits bounds which measurements reach the controller.
type Limits struct {
	// MaxArcsecError rejects larger errors as one-off events rather than
	// periodic error.
	MaxArcsecError float64 `yaml:"max_arcsec_error" json:"max_arcsec_error"`

	// MaxSkippedSamples resets the controller after this many consecutive
	// rejected measurements.
	MaxSkippedSamples int `yaml:"max_skipped_samples" json:"max_skipped_samples"`

	// StartupMaxError delays the first sample until the error settles below it.
	StartupMaxError float64 `yaml:"startup_max_error" json:"startup_max_error"`

	// MinSamplesForSuspend is the sample count below which a suspend resets
	// the controller instead of feeding it.
	MinSamplesForSuspend int `yaml:"min_samples_for_suspend" json:"min_samples_for_suspend"`

	// DefaultSNR is used when no SNR source is available.
	DefaultSNR float64 `yaml:"default_snr" json:"default_snr"`

	// LargeErrorSNR is reported for errors above MaxArcsecError.
	LargeErrorSNR float64 `yaml:"large_error_snr" json:"large_error_snr"`
}

// DefaultLimits returns the standard limits.
func DefaultLimits() Limits {
	return Limits{
		MaxArcsecError:       5.0,
		MaxSkippedSamples:    4,
		StartupMaxError:      1.0,
		MinSamplesForSuspend: 25,
		DefaultSNR:           50.0,
		LargeErrorSNR:        1.0,
	}
}

// =============================================================================
// Pulse
// =============================================================================

// Direction is the RA guide direction of a pulse.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionIncreaseRA
	DirectionDecreaseRA
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIncreaseRA:
		return "Increase RA"
	case DirectionDecreaseRA:
		return "Decrease RA"
	default:
		return "NO DIR"
	}
}

// Pulse is a timed guide command.
type Pulse struct {
	Duration  time.Duration
	Direction Direction

	// Correction is the controller output in arcseconds.
	Correction float64
}

// =============================================================================
// Axis
// =============================================================================

// AxisOption configures an Axis.
type AxisOption func(*Axis)

// WithLimits replaces the default limits.
func WithLimits(l Limits) AxisOption {
	return func(a *Axis) { a.limits = l }
}

// WithDarkGuiding enables prediction-only pulses when no star is available.
func WithDarkGuiding(enabled bool) AxisOption {
	return func(a *Axis) { a.darkGuiding = enabled }
}

// WithLogger sets the diagnostic sink.
func WithLogger(l guider.Logger) AxisOption {
	return func(a *Axis) {
		if l != nil {
			a.logger = l
		}
	}
}

// Axis wraps one controller. Its methods are safe for concurrent use.
type Axis struct {
	mu          sync.Mutex
	g           *guider.Guider
	limits      Limits
	msPerArcsec float64
	darkGuiding bool
	logger      guider.Logger

	samples int
	skipped int
}

// NewAxis wraps g. msPerArcsec is the RA calibration rate.
func NewAxis(g *guider.Guider, msPerArcsec float64, opts ...AxisOption) (*Axis, error) {
	if err := checkRate(msPerArcsec); err != nil {
		return nil, err
	}
	a := &Axis{
		g:           g,
		limits:      DefaultLimits(),
		msPerArcsec: msPerArcsec,
		logger:      guider.NopLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.resetLocked()
	return a, nil
}

func checkRate(r float64) error {
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return fmt.Errorf("%w: %v ms/arcsec", ErrInvalidRate, r)
	}
	return nil
}

// SetRate updates the calibration rate.
func (a *Axis) SetRate(msPerArcsec float64) error {
	if err := checkRate(msPerArcsec); err != nil {
		return err
	}
	a.mu.Lock()
	a.msPerArcsec = msPerArcsec
	a.mu.Unlock()
	return nil
}

// Reset clears the controller and the sample counters.
func (a *Axis) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Axis) resetLocked() {
	a.samples = 0
	a.skipped = 0
	a.g.Reset()
	a.logger.Log("Resetting GPG")
}

// SNRFor returns the SNR reported to the controller for an error. NaN or
// non-positive snr means no SNR source is available.
func (a *Axis) SNRFor(errArcsec, snr float64) float64 {
	if math.Abs(errArcsec) > a.limits.MaxArcsecError {
		return a.limits.LargeErrorSNR
	}
	if math.IsNaN(snr) || snr <= 0 {
		return a.limits.DefaultSNR
	}
	return snr
}

// ComputePulse runs a guiding cycle for an RA error in arcseconds. It
// reports false when the measurement was skipped and no pulse should be
// sent.
func (a *Axis) ComputePulse(errArcsec, snr, timeStep float64) (Pulse, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if math.Abs(errArcsec) > a.limits.MaxArcsecError {
		a.skipped++
		if a.skipped > a.limits.MaxSkippedSamples {
			a.logger.Log("Resetting GPG because RA error = %.2f", errArcsec)
			a.resetLocked()
		} else {
			a.logger.Log("Skipping GPG because RA error = %.2f", errArcsec)
		}
		return Pulse{}, false
	}
	a.skipped = 0

	if a.samples == 0 && math.Abs(errArcsec) > a.limits.StartupMaxError {
		a.logger.Log("Delaying GPG startup. RA error = %.2f", errArcsec)
		a.resetLocked()
		return Pulse{}, false
	}

	begin := time.Now()
	result := a.g.Result(errArcsec, a.SNRFor(errArcsec, snr), timeStep, -1)
	a.samples++

	p := a.toPulse(result)
	a.logger.Log("GPG: elapsed %s. RA in %.2f, result: %.2f * %.1f --> %s %s",
		time.Since(begin), errArcsec, result, a.msPerArcsec, p.Duration, p.Direction)
	return p, true
}

// DarkGuiding runs a prediction-only cycle. It reports false when dark
// guiding is disabled.
func (a *Axis) DarkGuiding(timeStep float64) (Pulse, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.darkGuiding {
		a.logger.Log("dark guiding isn't enabled!")
		return Pulse{}, false
	}

	result := a.g.DeduceResult(timeStep, -1)
	p := a.toPulse(result)
	a.logger.Log("GPG dark guiding: RA result: %.2f --> %s %s", result, p.Duration, p.Direction)
	return p, true
}

// toPulse converts a correction in arcseconds to a pulse. Positive
// corrections decrease RA.
func (a *Axis) toPulse(correction float64) Pulse {
	ms := correction * a.msPerArcsec
	p := Pulse{
		Duration:   time.Duration(math.Round(math.Abs(ms) * float64(time.Millisecond))),
		Correction: correction,
	}
	switch {
	case ms > 0:
		p.Direction = DirectionDecreaseRA
	case ms < 0:
		p.Direction = DirectionIncreaseRA
	}
	return p
}

// StartDithering tells the controller a dither of gearSeconds of gear time
// was issued.
func (a *Axis) StartDithering(gearSeconds float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.g.GuidingDithered(gearSeconds, 1.0)
	a.logger.Log("GPG Dither started. Gear-seconds = %.3f", gearSeconds)
}

// DitheringSettled relays the settle outcome.
func (a *Axis) DitheringSettled(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.g.GuidingDitherSettleDone(success)
	if success {
		a.logger.Log("GPG Dither done (success)")
	} else {
		a.logger.Log("GPG Dither done (failed)")
	}
}

// Suspended feeds a measurement taken while guiding is suspended. With too
// few samples the controller is reset instead. The gains are zeroed for the
// cycle so the model learns without a correction being issued; the sample
// count is not advanced.
func (a *Axis) Suspended(driftArcsec, snr, timeStep float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.samples < a.limits.MinSamplesForSuspend {
		a.resetLocked()
		return
	}

	controlGain := a.g.ControlGain()
	predictionGain := a.g.PredictionGain()
	_ = a.g.SetControlGain(0)
	_ = a.g.SetPredictionGain(0)

	begin := time.Now()
	result := a.g.Result(driftArcsec, a.SNRFor(driftArcsec, snr), timeStep, -1)
	a.logger.Log("GPG(suspended): elapsed %s. RA in %.2f, result: %.2f", time.Since(begin), driftArcsec, result)

	_ = a.g.SetControlGain(controlGain)
	_ = a.g.SetPredictionGain(predictionGain)
}

// UpdateParameters replaces the controller parameters wholesale.
func (a *Axis) UpdateParameters(p guider.Parameters) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.g.SetParameters(p)
}

// Samples returns the number of cycles fed since the last reset.
func (a *Axis) Samples() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.samples
}

// PeriodLength returns the current period hyperparameter.
func (a *Axis) PeriodLength() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.g.GPHyperparameters()[guider.PKPeriodLength]
}

// PredictionContribution returns the last gear-error prediction.
func (a *Axis) PredictionContribution() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.g.PredictionContribution()
}

// Metrics returns the controller metrics.
func (a *Axis) Metrics() guider.MetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.g.Metrics()
}
