package guider

import (
	"context"
	"fmt"
	"log/slog"
)

// Logger receives free-text diagnostic lines from the controller.
type Logger interface {
	Log(format string, args ...any)
}

// NopLogger discards every line.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(string, ...any) {}

// SlogLogger forwards diagnostic lines to a slog.Logger at debug level.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l.With("component", "ppec")}
}

// Log implements Logger.
func (s *SlogLogger) Log(format string, args ...any) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	s.logger.Debug(fmt.Sprintf(format, args...))
}
