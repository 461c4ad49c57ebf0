// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"golang.org/x/exp/slog"
)

// Init creates the logger for service, installs it as the slog default and
// returns it. Development gets a text handler, everything else JSON.
func Init(service, level, appEnv string) *slog.Logger {
	return New(os.Stdout, service, level, appEnv)
}

func New(w io.Writer, service, level, appEnv string) *slog.Logger {
	opts := slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if appEnv == "development" {
		handler = opts.NewTextHandler(w)
	} else {
		handler = opts.NewJSONHandler(w)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
