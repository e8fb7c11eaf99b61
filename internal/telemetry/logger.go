package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates the process-wide structured logger. Format is "json"
// (the default) or "text". Level is parsed leniently ("debug", "INFO",
// "warn", ...), falling back to info on anything unrecognized.
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
