// Package config loads the runtime configuration from a YAML file with
// PPEC_* environment overrides, and hot-reloads it when the file changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/ppec/core/guider"
	"github.com/adalundhe/ppec/core/pulseguide"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultDebounce is the quiet period before a changed file is reloaded.
const DefaultDebounce = 100 * time.Millisecond

var (
	// ErrInvalidConfig indicates a configuration rejected by Validate.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ErrNoConfigFile indicates Watch was called without a file path.
	ErrNoConfigFile = errors.New("config: no config file to watch")
)

// =============================================================================
// Config
// =============================================================================

type Config struct {
	Guider   guider.Parameters    `yaml:"guider"`
	History  HistoryConfig        `yaml:"history"`
	Variance guider.VarianceModel `yaml:"variance"`
	Axis     AxisConfig           `yaml:"axis"`
	Runtime  RuntimeConfig        `yaml:"runtime"`
	Logging  LoggingConfig        `yaml:"logging"`
}

type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

type AxisConfig struct {
	Limits          pulseguide.Limits `yaml:",inline"`
	RateMsPerArcsec float64           `yaml:"rate_ms_per_arcsec"`
	DarkGuiding     bool              `yaml:"dark_guiding"`
}

type RuntimeConfig struct {
	LearningRate   float64 `yaml:"learning_rate"`
	UpdateInterval int     `yaml:"update_interval"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func DefaultConfig() *Config {
	return &Config{
		Guider:   guider.DefaultParameters(),
		History:  HistoryConfig{Capacity: guider.DefaultHistoryCapacity},
		Variance: guider.DefaultVarianceModel(),
		Axis: AxisConfig{
			Limits:          pulseguide.DefaultLimits(),
			RateMsPerArcsec: 100,
			DarkGuiding:     false,
		},
		Runtime: RuntimeConfig{
			LearningRate:   guider.DefaultLearningRate,
			UpdateInterval: 1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Guider.Validate(); err != nil {
		return fmt.Errorf("%w: guider: %w", ErrInvalidConfig, err)
	}
	if c.History.Capacity < 1 {
		return fmt.Errorf("%w: history.capacity = %d", ErrInvalidConfig, c.History.Capacity)
	}
	if !c.Variance.Valid() {
		return fmt.Errorf("%w: variance model %+v", ErrInvalidConfig, c.Variance)
	}
	if !(c.Axis.RateMsPerArcsec > 0) {
		return fmt.Errorf("%w: axis.rate_ms_per_arcsec = %v", ErrInvalidConfig, c.Axis.RateMsPerArcsec)
	}
	if !(c.Runtime.LearningRate >= 0 && c.Runtime.LearningRate <= 1) {
		return fmt.Errorf("%w: runtime.learning_rate = %v", ErrInvalidConfig, c.Runtime.LearningRate)
	}
	if c.Runtime.UpdateInterval < 1 {
		return fmt.Errorf("%w: runtime.update_interval = %d", ErrInvalidConfig, c.Runtime.UpdateInterval)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("logging.level %q: %w", s, err)
	}
	return l, nil
}

// =============================================================================
// Manager
// =============================================================================

type Manager struct {
	path      string
	config    atomic.Pointer[Config]
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
	debounce  time.Duration
	logger    atomic.Pointer[slog.Logger]
}

// NewManager creates a manager for the file at path. An empty path uses
// defaults and the environment only.
func NewManager(path string) *Manager {
	m := &Manager{
		path:      path,
		stopWatch: make(chan struct{}),
		debounce:  DefaultDebounce,
	}
	m.config.Store(DefaultConfig())
	m.logger.Store(slog.Default())
	return m
}

// SetLogger sets the logger for reload and watcher failures. Nil selects
// slog.Default().
func (m *Manager) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	m.logger.Store(l)
}

// Logger returns the logger used for reload and watcher failures.
func (m *Manager) Logger() *slog.Logger { return m.logger.Load() }

func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Path returns the watched file path.
func (m *Manager) Path() string { return m.path }

// Load rebuilds the configuration from defaults, the file and the
// environment. An invalid result is rejected and the current one kept.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadYAMLFile(m.path, cfg); err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	m.applyEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.config.Store(cfg)
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	floats := map[string]*float64{
		"PPEC_CONTROL_GAIN":       &cfg.Guider.ControlGain,
		"PPEC_MIN_MOVE":           &cfg.Guider.MinMove,
		"PPEC_PREDICTION_GAIN":    &cfg.Guider.PredictionGain,
		"PPEC_PERIOD_LENGTH":      &cfg.Guider.PKPeriodLength,
		"PPEC_LEARNING_RATE":      &cfg.Runtime.LearningRate,
		"PPEC_AXIS_RATE":          &cfg.Axis.RateMsPerArcsec,
		"PPEC_MAX_ARCSEC_ERROR":   &cfg.Axis.Limits.MaxArcsecError,
		"PPEC_MIN_PERIODS_INFER":  &cfg.Guider.MinPeriodsForInference,
		"PPEC_MIN_PERIODS_PERIOD": &cfg.Guider.MinPeriodsForPeriodEstimation,
	}
	for key, dst := range floats {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	ints := map[string]*int{
		"PPEC_POINTS_FOR_APPROXIMATION": &cfg.Guider.PointsForApproximation,
		"PPEC_HISTORY_CAPACITY":         &cfg.History.Capacity,
		"PPEC_UPDATE_INTERVAL":          &cfg.Runtime.UpdateInterval,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	if v := os.Getenv("PPEC_COMPUTE_PERIOD"); v != "" {
		cfg.Guider.ComputePeriod = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("PPEC_DARK_GUIDING"); v != "" {
		cfg.Axis.DarkGuiding = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("PPEC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PPEC_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

// Watch reloads the configuration whenever the file is written, until ctx
// is done or Close is called. Reload failures are logged and the previous
// configuration stays active.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return ErrNoConfigFile
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	target := filepath.Clean(m.path)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopWatch:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
			} else {
				timer.Reset(m.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := m.Reload(); err != nil {
				m.logger.Load().Warn("config reload failed", "path", m.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Load().Warn("config watcher error", "path", m.path, "error", err)
		}
	}
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}
