package guider

import (
	"errors"
	"fmt"
	"math"
)

// =============================================================================
// Hyperparameters
// =============================================================================

// Hyperparameter indexes the flat hyperparameter vector.
type Hyperparameter int

const (
	SE0KLengthScale Hyperparameter = iota
	SE0KSignalVariance
	PKLengthScale
	PKSignalVariance
	SE1KLengthScale
	SE1KSignalVariance
	PKPeriodLength

	// NumHyperparameters is the length of the hyperparameter vector.
	NumHyperparameters
)

var hyperparameterNames = [NumHyperparameters]string{
	"se0_length_scale",
	"se0_signal_variance",
	"pk_length_scale",
	"pk_signal_variance",
	"se1_length_scale",
	"se1_signal_variance",
	"pk_period_length",
}

// String returns the snake_case name used in config files and dumps.
func (h Hyperparameter) String() string {
	if h < 0 || h >= NumHyperparameters {
		return fmt.Sprintf("hyperparameter(%d)", int(h))
	}
	return hyperparameterNames[h]
}

// minLengthScale is the floor applied to length scales and the period.
const minLengthScale = 1.0

var (
	// ErrInvalidParameters indicates a parameter set rejected by Validate.
	ErrInvalidParameters = errors.New("guider: invalid parameters")

	// ErrHyperparameterCount indicates a hyperparameter vector that does not
	// have NumHyperparameters elements.
	ErrHyperparameterCount = errors.New("guider: wrong number of hyperparameters")
)

// =============================================================================
// Parameters
// =============================================================================

// Parameters configures a Guider. It is a value type: copies are independent.
type Parameters struct {
	// ControlGain scales the measured error into the reactive correction.
	ControlGain float64 `yaml:"control_gain" json:"control_gain"`

	// MinMove suppresses reactive corrections for errors below it.
	MinMove float64 `yaml:"min_move" json:"min_move"`

	// PredictionGain scales the predicted gear error into the correction.
	PredictionGain float64 `yaml:"prediction_gain" json:"prediction_gain"`

	// MinPeriodsForInference is the history span, in periods, required
	// before predictions contribute.
	MinPeriodsForInference float64 `yaml:"min_periods_for_inference" json:"min_periods_for_inference"`

	// MinPeriodsForPeriodEstimation is the history span, in periods,
	// required before the period is re-estimated.
	MinPeriodsForPeriodEstimation float64 `yaml:"min_periods_for_period_estimation" json:"min_periods_for_period_estimation"`

	// PointsForApproximation bounds the subset-of-data training size.
	PointsForApproximation int `yaml:"points_for_approximation" json:"points_for_approximation"`

	// ComputePeriod enables FFT period estimation.
	ComputePeriod bool `yaml:"compute_period" json:"compute_period"`

	SE0KLengthScale    float64 `yaml:"se0_length_scale" json:"se0_length_scale"`
	SE0KSignalVariance float64 `yaml:"se0_signal_variance" json:"se0_signal_variance"`
	PKLengthScale      float64 `yaml:"pk_length_scale" json:"pk_length_scale"`
	PKSignalVariance   float64 `yaml:"pk_signal_variance" json:"pk_signal_variance"`
	SE1KLengthScale    float64 `yaml:"se1_length_scale" json:"se1_length_scale"`
	SE1KSignalVariance float64 `yaml:"se1_signal_variance" json:"se1_signal_variance"`
	PKPeriodLength     float64 `yaml:"pk_period_length" json:"pk_period_length"`
}

// DefaultParameters returns the parameter set used when none is configured.
func DefaultParameters() Parameters {
	return Parameters{
		ControlGain:                   0.7,
		MinMove:                       0.2,
		PredictionGain:                0.5,
		MinPeriodsForInference:        2.0,
		MinPeriodsForPeriodEstimation: 2.0,
		PointsForApproximation:        100,
		ComputePeriod:                 true,
		SE0KLengthScale:               700,
		SE0KSignalVariance:            10,
		PKLengthScale:                 10,
		PKSignalVariance:              10,
		SE1KLengthScale:               25,
		SE1KSignalVariance:            1,
		PKPeriodLength:                500,
	}
}

// Hyperparameters returns the flat hyperparameter vector indexed by
// Hyperparameter.
func (p Parameters) Hyperparameters() []float64 {
	return []float64{
		SE0KLengthScale:    p.SE0KLengthScale,
		SE0KSignalVariance: p.SE0KSignalVariance,
		PKLengthScale:      p.PKLengthScale,
		PKSignalVariance:   p.PKSignalVariance,
		SE1KLengthScale:    p.SE1KLengthScale,
		SE1KSignalVariance: p.SE1KSignalVariance,
		PKPeriodLength:     p.PKPeriodLength,
	}
}

// WithHyperparameters returns a copy of p with the hyperparameter fields
// replaced by h. h must hold NumHyperparameters values.
func (p Parameters) WithHyperparameters(h []float64) (Parameters, error) {
	if len(h) != int(NumHyperparameters) {
		return p, fmt.Errorf("%w: want %d, got %d", ErrHyperparameterCount, NumHyperparameters, len(h))
	}
	p.SE0KLengthScale = h[SE0KLengthScale]
	p.SE0KSignalVariance = h[SE0KSignalVariance]
	p.PKLengthScale = h[PKLengthScale]
	p.PKSignalVariance = h[PKSignalVariance]
	p.SE1KLengthScale = h[SE1KLengthScale]
	p.SE1KSignalVariance = h[SE1KSignalVariance]
	p.PKPeriodLength = h[PKPeriodLength]
	return p, nil
}

// Validate reports the first invalid field. Gains and thresholds must be
// finite and non-negative, the approximation size positive and every
// hyperparameter finite and strictly positive.
func (p Parameters) Validate() error {
	scalars := []struct {
		name  string
		value float64
	}{
		{"control_gain", p.ControlGain},
		{"min_move", p.MinMove},
		{"prediction_gain", p.PredictionGain},
		{"min_periods_for_inference", p.MinPeriodsForInference},
		{"min_periods_for_period_estimation", p.MinPeriodsForPeriodEstimation},
	}
	for _, s := range scalars {
		if math.IsNaN(s.value) || math.IsInf(s.value, 0) || s.value < 0 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidParameters, s.name, s.value)
		}
	}
	if p.PointsForApproximation <= 0 {
		return fmt.Errorf("%w: points_for_approximation = %d", ErrInvalidParameters, p.PointsForApproximation)
	}
	return validateHyperparameters(p.Hyperparameters())
}

func validateHyperparameters(h []float64) error {
	if len(h) != int(NumHyperparameters) {
		return fmt.Errorf("%w: want %d, got %d", ErrHyperparameterCount, NumHyperparameters, len(h))
	}
	for i, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidParameters, Hyperparameter(i), v)
		}
	}
	return nil
}

// clampHyperparameters raises length scales and the period to the stability
// floor. Signal variances are left untouched.
func clampHyperparameters(h []float64) []float64 {
	out := make([]float64, len(h))
	copy(out, h)
	for _, i := range []Hyperparameter{SE0KLengthScale, PKLengthScale, SE1KLengthScale, PKPeriodLength} {
		out[i] = math.Max(out[i], minLengthScale)
	}
	return out
}
