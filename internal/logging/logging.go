// Package logging installs the process-wide slog.Logger every swarmlog
// component logs through. There is no custom logging abstraction — callers
// use log/slog directly with structured key-value pairs, matching the rest
// of the codebase.
package logging

import (
	"log/slog"
	"os"
)

// Init configures the default slog logger. format is "json" or "text"
// (anything else falls back to text). level is one of "debug", "info",
// "warn", "error".
func Init(format, level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
