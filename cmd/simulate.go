package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/adalundhe/ppec/core/config"
	"github.com/adalundhe/ppec/core/guider"
	"github.com/adalundhe/ppec/core/numeric"
	"github.com/adalundhe/ppec/core/pulseguide"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
)

// SiderealRate is the RA drift of a stopped mount in arcseconds per second.
const SiderealRate = 15.041

// ErrInvalidSimulation indicates simulate options that cannot produce a run.
var ErrInvalidSimulation = errors.New("simulate: invalid options")

// =============================================================================
// Simulate Command Flags
// =============================================================================

var simOpts = defaultSimulateOptions()

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Guide a synthetic mount with periodic error",
	Long: `Generate a sinusoidal periodic error with drift and measurement noise,
guide it through the RA axis controller and report how much of the error
was removed.

Examples:
  ppec simulate                                  # 1000 cycles, 480 s worm period
  ppec simulate --period 600 --amplitude 4       # different mount
  ppec simulate --blind-every 100 --blind-length 10
  ppec simulate --dither-every 200 --dump ./dump # write the GP state afterwards`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simOpts.Cycles, "cycles", simOpts.Cycles, "number of guiding cycles")
	f.Float64Var(&simOpts.TimeStep, "time-step", simOpts.TimeStep, "seconds between cycles")
	f.Float64Var(&simOpts.Period, "period", simOpts.Period, "true periodic error period in seconds")
	f.Float64Var(&simOpts.Amplitude, "amplitude", simOpts.Amplitude, "periodic error amplitude in arcseconds")
	f.Float64Var(&simOpts.Noise, "noise", simOpts.Noise, "measurement noise standard deviation in arcseconds")
	f.Float64Var(&simOpts.Drift, "drift", simOpts.Drift, "linear drift in arcseconds per second")
	f.Float64Var(&simOpts.SNR, "snr", simOpts.SNR, "guide star signal-to-noise ratio")
	f.Uint64Var(&simOpts.Seed, "seed", simOpts.Seed, "noise seed")
	f.IntVar(&simOpts.BlindEvery, "blind-every", 0, "start a window without a star every N cycles")
	f.IntVar(&simOpts.BlindLength, "blind-length", simOpts.BlindLength, "cycles per blind window")
	f.IntVar(&simOpts.DitherEvery, "dither-every", 0, "dither every N cycles")
	f.Float64Var(&simOpts.DitherAmount, "dither-amount", simOpts.DitherAmount, "dither size in arcseconds")
	f.IntVar(&simOpts.SettleCycles, "settle-cycles", simOpts.SettleCycles, "cycles until a dither settles")
	f.StringVar(&simOpts.DumpDir, "dump", "", "write the GP diagnostic dump to this directory")
	f.BoolVar(&simOpts.Watch, "watch", false, "apply edits of the --config file while the run is in progress")

	rootCmd.AddCommand(simulateCmd)
}

type simulateOptions struct {
	Cycles       int
	TimeStep     float64
	Period       float64
	Amplitude    float64
	Noise        float64
	Drift        float64
	SNR          float64
	Seed         uint64
	BlindEvery   int
	BlindLength  int
	DitherEvery  int
	DitherAmount float64
	SettleCycles int
	DumpDir      string
	Watch        bool
}

func defaultSimulateOptions() simulateOptions {
	return simulateOptions{
		Cycles:       1000,
		TimeStep:     3,
		Period:       480,
		Amplitude:    3,
		Noise:        0.1,
		Drift:        0.0005,
		SNR:          30,
		Seed:         1,
		BlindLength:  10,
		DitherAmount: 2,
		SettleCycles: 3,
	}
}

func (o simulateOptions) validate() error {
	switch {
	case o.Cycles < 1:
		return fmt.Errorf("%w: cycles = %d", ErrInvalidSimulation, o.Cycles)
	case !(o.TimeStep > 0) || math.IsInf(o.TimeStep, 0):
		return fmt.Errorf("%w: time step = %v", ErrInvalidSimulation, o.TimeStep)
	case !(o.Period > 0) || math.IsInf(o.Period, 0):
		return fmt.Errorf("%w: period = %v", ErrInvalidSimulation, o.Period)
	case o.BlindEvery < 0 || (o.BlindEvery > 0 && (o.BlindLength < 1 || o.BlindLength >= o.BlindEvery)):
		return fmt.Errorf("%w: blind window %d every %d", ErrInvalidSimulation, o.BlindLength, o.BlindEvery)
	case o.DitherEvery < 0 || o.SettleCycles < 0:
		return fmt.Errorf("%w: dither every %d settling in %d", ErrInvalidSimulation, o.DitherEvery, o.SettleCycles)
	}
	return nil
}

// blind reports whether cycle k falls in a blind window. Windows close each
// BlindEvery block so the first cycle always sees the star.
func (o simulateOptions) blind(k int) bool {
	return o.BlindEvery > 0 && k%o.BlindEvery >= o.BlindEvery-o.BlindLength
}

// =============================================================================
// Simulation
// =============================================================================

type simulationReport struct {
	Cycles          int
	GuidedCycles    int
	BlindCycles     int
	SkippedCycles   int
	Dithers         int
	ConfigUpdates   int
	TruePeriod      float64
	EstimatedPeriod float64
	RawStdDev       float64
	GuidedRMS       float64
	SettledRMS      float64
	Prediction      float64
	Metrics         guider.MetricsSnapshot
	Dump            *guider.DumpFiles
}

// simulate guides a synthetic mount. The mount's error is a function of gear
// time, which dithers shift the same way they shift the controller's clock.
// Configs received on updates replace the controller parameters before the
// next cycle; updates may be nil.
func simulate(opts simulateOptions, cfg *config.Config, logger *slog.Logger, updates <-chan *config.Config) (*simulationReport, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var simTime float64
	base := time.Unix(0, 0)
	clock := func() time.Time {
		return base.Add(time.Duration(simTime * float64(time.Second)))
	}

	glog := guider.NewSlogLogger(logger)
	g, err := guider.New(cfg.Guider,
		guider.WithClock(clock),
		guider.WithLogger(glog),
		guider.WithHistoryCapacity(cfg.History.Capacity),
		guider.WithVarianceModel(cfg.Variance),
		guider.WithLearningRate(cfg.Runtime.LearningRate),
		guider.WithUpdateInterval(cfg.Runtime.UpdateInterval),
	)
	if err != nil {
		return nil, err
	}
	axis, err := pulseguide.NewAxis(g, cfg.Axis.RateMsPerArcsec,
		pulseguide.WithLimits(cfg.Axis.Limits),
		pulseguide.WithDarkGuiding(cfg.Axis.DarkGuiding || opts.BlindEvery > 0),
		pulseguide.WithLogger(glog),
	)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	report := &simulationReport{Cycles: opts.Cycles, TruePeriod: opts.Period}

	var (
		applied    float64
		gearOffset float64
		settleAt   = -1
		raw        = make([]float64, 0, opts.Cycles)
		guided     = make([]float64, 0, opts.Cycles)
	)

	for k := 0; k < opts.Cycles; k++ {
		select {
		case next := <-updates:
			if err := axis.UpdateParameters(next.Guider); err != nil {
				logger.Warn("rejected config update", "error", err)
			} else {
				report.ConfigUpdates++
			}
		default:
		}

		simTime += opts.TimeStep

		if opts.DitherEvery > 0 && k > 0 && k%opts.DitherEvery == 0 {
			gearSeconds := opts.DitherAmount / SiderealRate
			gearOffset += gearSeconds
			axis.StartDithering(gearSeconds)
			settleAt = k + opts.SettleCycles
			report.Dithers++
		}
		if k == settleAt {
			axis.DitheringSettled(true)
			settleAt = -1
		}

		gearTime := simTime + gearOffset
		mountError := opts.Amplitude*math.Sin(2*math.Pi*gearTime/opts.Period) + opts.Drift*gearTime
		raw = append(raw, mountError)
		measured := mountError - applied + opts.Noise*rng.NormFloat64()

		var (
			pulse pulseguide.Pulse
			sent  bool
		)
		if opts.blind(k) {
			pulse, sent = axis.DarkGuiding(opts.TimeStep)
			report.BlindCycles++
		} else {
			pulse, sent = axis.ComputePulse(measured, opts.SNR, opts.TimeStep)
			if sent {
				guided = append(guided, measured)
				report.GuidedCycles++
			} else {
				report.SkippedCycles++
			}
		}
		if sent {
			applied += pulse.Correction
		}
	}

	report.RawStdDev = numeric.StdDev(raw)
	report.GuidedRMS = rms(guided)
	report.SettledRMS = rms(guided[len(guided)/2:])
	report.EstimatedPeriod = axis.PeriodLength()
	report.Prediction = axis.PredictionContribution()
	report.Metrics = axis.Metrics()

	if opts.DumpDir != "" {
		files, err := g.SaveGPData(opts.DumpDir)
		if err != nil {
			return report, err
		}
		report.Dump = &files
	}
	return report, nil
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(x, x) / float64(len(x)))
}

// =============================================================================
// Output
// =============================================================================

func runSimulate(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	var updates chan *config.Config
	if simOpts.Watch && env.manager.Path() != "" {
		updates = make(chan *config.Config, 1)
		env.manager.OnChange(func(c *config.Config) {
			select {
			case updates <- c:
			default:
			}
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			if err := env.manager.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				env.logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	report, err := simulate(simOpts, env.cfg, env.logger, updates)
	if err != nil {
		return err
	}
	renderReport(cmd.OutOrStdout(), report)
	return nil
}

func renderReport(w io.Writer, r *simulationReport) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"cycles", r.Cycles},
		{"guided / blind / skipped", fmt.Sprintf("%d / %d / %d", r.GuidedCycles, r.BlindCycles, r.SkippedCycles)},
		{"dithers", r.Dithers},
		{"config updates", r.ConfigUpdates},
		{"true period (s)", fmt.Sprintf("%.1f", r.TruePeriod)},
		{"estimated period (s)", fmt.Sprintf("%.1f", r.EstimatedPeriod)},
		{"raw error std dev (\")", fmt.Sprintf("%.3f", r.RawStdDev)},
		{"guided RMS (\")", fmt.Sprintf("%.3f", r.GuidedRMS)},
		{"guided RMS, second half (\")", fmt.Sprintf("%.3f", r.SettledRMS)},
		{"last prediction (\")", fmt.Sprintf("%.3f", r.Prediction)},
	})
	t.AppendSeparator()
	m := r.Metrics
	t.AppendRows([]table.Row{
		{"controller cycles", m.Cycles},
		{"dark cycles", m.DarkCycles},
		{"dither rejects", m.DitherRejects},
		{"inference failures", m.InferenceFailures},
		{"GP updates", m.Updates},
		{"mean GP update", m.MeanUpdate},
		{"max GP update", m.MaxUpdate},
		{"mean correction (\")", fmt.Sprintf("%.3f", m.MeanCorrection)},
	})
	if r.Dump != nil {
		t.AppendSeparator()
		t.AppendRow(table.Row{"dump run id", r.Dump.RunID})
		t.AppendRow(table.Row{"measurements", r.Dump.Measurements})
		t.AppendRow(table.Row{"predictions", r.Dump.Predictions})
		t.AppendRow(table.Row{"hyperparameters", r.Dump.Hyperparameters})
	}
	t.Render()
}
