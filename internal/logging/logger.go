package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates the service logger. Every record carries the service name and the
// environment; development gets text output, other environments JSON. An invalid level
// falls back to info.
func New(level, service, env string) *slog.Logger {
	return newLogger(os.Stdout, level, service, env)
}

func newLogger(w io.Writer, level, service, env string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if env == "development" || env == "dev" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", service), slog.String("env", env))
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
