// Package cmd provides the ppec command line.
package cmd

import (
	"io"
	"log/slog"

	"github.com/adalundhe/ppec/core/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Global Flags
// =============================================================================

var (
	configPath string
	logFile    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ppec",
	Short: "PPEC - predictive periodic error correction",
	Long: `PPEC learns the periodic error of a telescope mount with a Gaussian
process and predicts the correction for the next guiding cycle.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every guiding cycle")
}

func Execute() error {
	return rootCmd.Execute()
}

// =============================================================================
// Environment
// =============================================================================

type environment struct {
	manager *config.Manager
	cfg     *config.Config
	logger  *slog.Logger
	closer  io.Closer
}

func (e *environment) Close() error {
	return e.closer.Close()
}

// loadEnvironment reads the config selected by the global flags and builds
// the logger.
func loadEnvironment(cmd *cobra.Command) (*environment, error) {
	m := config.NewManager(configPath)
	if err := m.Load(); err != nil {
		return nil, err
	}
	cfg := m.Get()

	logger, closer, err := newLogger(cfg.Logging, logFile, verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	m.SetLogger(logger)
	return &environment{manager: m, cfg: cfg, logger: logger, closer: closer}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds a text logger. file overrides the configured log file;
// verbose forces debug level.
func newLogger(lc config.LoggingConfig, file string, verbose bool, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	if file == "" {
		file = lc.File
	}

	var w io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			LocalTime:  true,
		}
		w, closer = lj, lj
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}
