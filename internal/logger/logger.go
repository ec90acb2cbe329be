// Package logger configures the process-wide slog default.
package logger

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a JSON logger, or a colored text logger when format is "text".
func New(level, format string, w io.Writer) *slog.Logger {
	logLevel := ParseLevel(level)

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: logLevel,
		})
	}
	return slog.New(handler)
}

// Setup installs New(level, format, w) as the slog default and returns it.
func Setup(level, format string, w io.Writer) *slog.Logger {
	logger := New(level, format, w)
	slog.SetDefault(logger)
	return logger
}
