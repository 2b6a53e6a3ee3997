package guider

import (
	"math"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metric names registered by every controller.
const (
	MetricUpdateGP          = "ppec.update_gp"
	MetricCycles            = "ppec.cycles"
	MetricDarkCycles        = "ppec.dark_cycles"
	MetricDitherRejects     = "ppec.dither_rejects"
	MetricInferenceFailures = "ppec.inference_failures"
	MetricCorrection        = "ppec.correction"
)

// correctionScale converts corrections to integer histogram units
// (milli-units of the input measurement).
const correctionScale = 1000.0

type controllerMetrics struct {
	registry          gometrics.Registry
	updateGP          gometrics.Timer
	cycles            gometrics.Counter
	darkCycles        gometrics.Counter
	ditherRejects     gometrics.Counter
	inferenceFailures gometrics.Counter
	correction        gometrics.Histogram
}

func newControllerMetrics(r gometrics.Registry) *controllerMetrics {
	if r == nil {
		r = gometrics.NewRegistry()
	}
	return &controllerMetrics{
		registry:          r,
		updateGP:          gometrics.GetOrRegisterTimer(MetricUpdateGP, r),
		cycles:            gometrics.GetOrRegisterCounter(MetricCycles, r),
		darkCycles:        gometrics.GetOrRegisterCounter(MetricDarkCycles, r),
		ditherRejects:     gometrics.GetOrRegisterCounter(MetricDitherRejects, r),
		inferenceFailures: gometrics.GetOrRegisterCounter(MetricInferenceFailures, r),
		correction: gometrics.GetOrRegisterHistogram(MetricCorrection, r,
			gometrics.NewExpDecaySample(1028, 0.015)),
	}
}

func (m *controllerMetrics) observeCorrection(c float64) {
	m.correction.Update(int64(math.Round(c * correctionScale)))
}

// MetricsSnapshot is a point-in-time copy of the controller counters.
type MetricsSnapshot struct {
	Cycles            int64         `json:"cycles"`
	DarkCycles        int64         `json:"dark_cycles"`
	DitherRejects     int64         `json:"dither_rejects"`
	InferenceFailures int64         `json:"inference_failures"`
	Updates           int64         `json:"updates"`
	MeanUpdate        time.Duration `json:"mean_update"`
	MaxUpdate         time.Duration `json:"max_update"`
	MeanCorrection    float64       `json:"mean_correction"`
	CorrectionStdDev  float64       `json:"correction_std_dev"`
}

func (m *controllerMetrics) snapshot() MetricsSnapshot {
	t := m.updateGP.Snapshot()
	h := m.correction.Snapshot()
	return MetricsSnapshot{
		Cycles:            m.cycles.Count(),
		DarkCycles:        m.darkCycles.Count(),
		DitherRejects:     m.ditherRejects.Count(),
		InferenceFailures: m.inferenceFailures.Count(),
		Updates:           t.Count(),
		MeanUpdate:        time.Duration(t.Mean()),
		MaxUpdate:         time.Duration(t.Max()),
		MeanCorrection:    h.Mean() / correctionScale,
		CorrectionStdDev:  h.StdDev() / correctionScale,
	}
}
