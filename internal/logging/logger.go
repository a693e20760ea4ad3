// Package logging wraps log/slog with daemon-wide default attributes and
// handler selection, mirroring the teacher's infrastructure/logging
// package.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger embeds *slog.Logger so callers can use it as a drop-in slog
// logger while gaining the daemon's default-attrs construction.
type Logger struct {
	*slog.Logger
}

// Config controls handler format and level.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|text
}

// New builds a Logger with service/version attrs baked in.
func New(cfg Config, version string) *Logger {
	level := parseLevel(cfg.Level)

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}

	base := slog.New(handler).With(
		slog.String("service", "hubd"),
		slog.String("version", version),
	)

	return &Logger{Logger: base}
}

// With returns a sub-logger with additional default attrs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

var defaultLogger = New(Config{Level: "info", Format: "json"}, "dev")

// Default returns a pre-configured logger usable before config has loaded.
func Default() *Logger { return defaultLogger }

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
