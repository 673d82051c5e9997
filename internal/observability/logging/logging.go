// Package logging builds the structured logger shared by the binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
)

type Config struct {
	ServiceName string
	Environment string
	Level       string
	// Output defaults to stderr so command output on stdout stays clean.
	Output io.Writer
}

func NewLogger(cfg Config) *slog.Logger {
	level := new(slog.LevelVar)

	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
