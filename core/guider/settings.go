package guider

import (
	"fmt"
	"math"
)

// Parameters returns a copy of the current parameter set.
func (g *Guider) Parameters() Parameters { return g.params }

// SetParameters replaces the parameter set wholesale. An invalid set is
// rejected and the current one kept.
func (g *Guider) SetParameters(p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	h := clampHyperparameters(p.Hyperparameters())
	p, _ = p.WithHyperparameters(h)
	g.params = p
	g.applyHyperparameters(h, true)
	return nil
}

// GPHyperparameters returns the flat hyperparameter vector.
func (g *Guider) GPHyperparameters() []float64 { return g.params.Hyperparameters() }

// SetGPHyperparameters replaces the hyperparameter vector. Vectors of the
// wrong length or with non-finite or non-positive values are rejected;
// length scales and the period are raised to 1.
func (g *Guider) SetGPHyperparameters(h []float64) error {
	return g.setGPHyperparameters(h, true)
}

// setGPHyperparameters with reinfer false drops the posterior instead of
// recomputing it; the caller runs inference next.
func (g *Guider) setGPHyperparameters(h []float64, reinfer bool) error {
	if err := validateHyperparameters(h); err != nil {
		return err
	}
	h = clampHyperparameters(h)
	g.params, _ = g.params.WithHyperparameters(h)
	g.applyHyperparameters(h, reinfer)
	return nil
}

func (g *Guider) applyHyperparameters(h []float64, reinfer bool) {
	set := g.regressor.SetHyperParameters
	if !reinfer {
		set = g.regressor.ConfigureHyperParameters
	}
	if err := set(h); err != nil {
		g.metrics.inferenceFailures.Inc(1)
		g.logger.Log("PPEC hyperparameter update: %v", err)
	}
}

// ControlGain returns the reactive gain.
func (g *Guider) ControlGain() float64 { return g.params.ControlGain }

// SetControlGain sets the reactive gain.
func (g *Guider) SetControlGain(v float64) error {
	return setNonNegative("control_gain", v, &g.params.ControlGain)
}

// MinMove returns the reactive dead band.
func (g *Guider) MinMove() float64 { return g.params.MinMove }

// SetMinMove sets the reactive dead band.
func (g *Guider) SetMinMove(v float64) error {
	return setNonNegative("min_move", v, &g.params.MinMove)
}

// PredictionGain returns the prediction gain.
func (g *Guider) PredictionGain() float64 { return g.params.PredictionGain }

// SetPredictionGain sets the prediction gain.
func (g *Guider) SetPredictionGain(v float64) error {
	return setNonNegative("prediction_gain", v, &g.params.PredictionGain)
}

// PeriodLengthsInference returns the history span, in periods, required for
// prediction.
func (g *Guider) PeriodLengthsInference() float64 { return g.params.MinPeriodsForInference }

// SetPeriodLengthsInference sets the history span required for prediction.
func (g *Guider) SetPeriodLengthsInference(v float64) error {
	return setNonNegative("min_periods_for_inference", v, &g.params.MinPeriodsForInference)
}

// PeriodLengthsPeriodEstimation returns the history span, in periods,
// required for period estimation.
func (g *Guider) PeriodLengthsPeriodEstimation() float64 {
	return g.params.MinPeriodsForPeriodEstimation
}

// SetPeriodLengthsPeriodEstimation sets the history span required for
// period estimation.
func (g *Guider) SetPeriodLengthsPeriodEstimation(v float64) error {
	return setNonNegative("min_periods_for_period_estimation", v, &g.params.MinPeriodsForPeriodEstimation)
}

// NumPointsForApproximation returns the subset-of-data size.
func (g *Guider) NumPointsForApproximation() int { return g.params.PointsForApproximation }

// SetNumPointsForApproximation sets the subset-of-data size.
func (g *Guider) SetNumPointsForApproximation(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: points_for_approximation = %d", ErrInvalidParameters, n)
	}
	g.params.PointsForApproximation = n
	return nil
}

// ComputePeriod reports whether the period is re-estimated.
func (g *Guider) ComputePeriod() bool { return g.params.ComputePeriod }

// SetComputePeriod enables or disables period estimation.
func (g *Guider) SetComputePeriod(active bool) { g.params.ComputePeriod = active }

// LearningRate returns the period low-pass weight.
func (g *Guider) LearningRate() float64 { return g.learningRate }

// SetLearningRate sets the period low-pass weight, which must lie in [0, 1].
func (g *Guider) SetLearningRate(lr float64) error {
	if math.IsNaN(lr) || lr < 0 || lr > 1 {
		return fmt.Errorf("%w: learning_rate = %v", ErrInvalidParameters, lr)
	}
	g.learningRate = lr
	return nil
}

func setNonNegative(name string, v float64, dst *float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: %s = %v", ErrInvalidParameters, name, v)
	}
	*dst = v
	return nil
}
