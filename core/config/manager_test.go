package config

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.7, cfg.Guider.ControlGain)
	assert.Equal(t, 8192, cfg.History.Capacity)
	assert.Equal(t, 5.0, cfg.Axis.Limits.MaxArcsecError)
	assert.Equal(t, 0.01, cfg.Runtime.LearningRate)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestManagerGet(t *testing.T) {
	m := NewManager("")
	cfg := m.Get()
	require.NotNil(t, cfg)
	assert.Equal(t, 500.0, cfg.Guider.PKPeriodLength)
	require.NoError(t, m.Load())
}

func TestManagerLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppec.yaml")
	writeConfig(t, path, `
guider:
  control_gain: 0.4
  pk_period_length: 480
history:
  capacity: 1024
axis:
  max_arcsec_error: 3.5
  rate_ms_per_arcsec: 75
runtime:
  update_interval: 3
logging:
  level: debug
`)

	m := NewManager(path)
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, 0.4, cfg.Guider.ControlGain)
	assert.Equal(t, 480.0, cfg.Guider.PKPeriodLength)
	assert.Equal(t, 0.5, cfg.Guider.PredictionGain, "unset fields keep defaults")
	assert.Equal(t, 1024, cfg.History.Capacity)
	assert.Equal(t, 3.5, cfg.Axis.Limits.MaxArcsecError)
	assert.Equal(t, 4, cfg.Axis.Limits.MaxSkippedSamples)
	assert.Equal(t, 75.0, cfg.Axis.RateMsPerArcsec)
	assert.Equal(t, 3, cfg.Runtime.UpdateInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestManagerLoad_MissingFileUsesDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, m.Load())
	assert.Equal(t, DefaultConfig(), m.Get())
}

func TestManagerLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppec.yaml")
	writeConfig(t, path, "guider:\n  points_for_approximation: 0\n")

	m := NewManager(path)
	err := m.Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 100, m.Get().Guider.PointsForApproximation)

	writeConfig(t, path, "guider: [not, a, map]\n")
	assert.Error(t, m.Load())
}

func TestManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("PPEC_CONTROL_GAIN", "0.9")
	t.Setenv("PPEC_POINTS_FOR_APPROXIMATION", "64")
	t.Setenv("PPEC_COMPUTE_PERIOD", "false")
	t.Setenv("PPEC_DARK_GUIDING", "TRUE")
	t.Setenv("PPEC_LOG_LEVEL", "warn")
	t.Setenv("PPEC_HISTORY_CAPACITY", "not-a-number")

	m := NewManager("")
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, 0.9, cfg.Guider.ControlGain)
	assert.Equal(t, 64, cfg.Guider.PointsForApproximation)
	assert.False(t, cfg.Guider.ComputePeriod)
	assert.True(t, cfg.Axis.DarkGuiding)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 8192, cfg.History.Capacity)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"history capacity", func(c *Config) { c.History.Capacity = 0 }},
		{"variance model", func(c *Config) { c.Variance.MinSNR = 1 }},
		{"axis rate", func(c *Config) { c.Axis.RateMsPerArcsec = 0 }},
		{"learning rate", func(c *Config) { c.Runtime.LearningRate = 2 }},
		{"nan learning rate", func(c *Config) { c.Runtime.LearningRate = math.NaN() }},
		{"update interval", func(c *Config) { c.Runtime.UpdateInterval = 0 }},
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"guider", func(c *Config) { c.Guider.SE1KLengthScale = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestManagerOnChange(t *testing.T) {
	m := NewManager("")

	var got *Config
	m.OnChange(func(c *Config) { got = c })
	require.NoError(t, m.Reload())
	require.NotNil(t, got)
	assert.Same(t, m.Get(), got)
}

func TestManagerWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppec.yaml")
	writeConfig(t, path, "guider:\n  control_gain: 0.5\n")

	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	require.NoError(t, m.Load())

	changed := make(chan float64, 16)
	m.OnChange(func(c *Config) {
		select {
		case changed <- c.Guider.ControlGain:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, "guider:\n  control_gain: 0.25\n")

	timeout := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case gain := <-changed:
			reloaded = gain == 0.25
		case <-timeout:
			t.Fatal("config was not reloaded")
		}
	}
	assert.Equal(t, 0.25, m.Get().Guider.ControlGain)

	require.NoError(t, m.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestManagerWatch_NoPath(t *testing.T) {
	assert.ErrorIs(t, NewManager("").Watch(context.Background()), ErrNoConfigFile)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", l.String())

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

// lockedBuffer is written by the watch goroutine and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestManagerWatch_LogsRejectedReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppec.yaml")
	writeConfig(t, path, "guider:\n  control_gain: 0.5\n")

	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	require.NoError(t, m.Load())

	var out lockedBuffer
	m.SetLogger(slog.New(slog.NewTextHandler(&out, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, "guider:\n  points_for_approximation: 0\n")

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "config reload failed")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 100, m.Get().Guider.PointsForApproximation)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestManagerSetLogger_NilUsesDefault(t *testing.T) {
	m := NewManager("")
	m.SetLogger(nil)
	assert.Same(t, slog.Default(), m.Logger())
}
