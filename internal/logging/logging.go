// Package logging configures the process-wide slog default.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Setup installs a JSON handler on stdout as the default logger and returns it.
func Setup(level string) *slog.Logger {
	return SetupWriter(os.Stdout, level)
}

func SetupWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}
