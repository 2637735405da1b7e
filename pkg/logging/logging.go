package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level is the mutable minimum level shared by every handler Setup
// installs. The management API raises and lowers it at runtime.
var level slog.LevelVar

// Setup configures the default slog logger with the given level and format.
// format can be "text" (human-readable) or "json" (machine-parseable).
// level can be "debug", "info", "warn", "error".
func Setup(lvl, format string) {
	SetupWriter(os.Stderr, lvl, format)
}

// SetupWriter configures the default slog logger writing to w.
func SetupWriter(w io.Writer, lvl, format string) {
	level.Set(ParseLevel(lvl))

	opts := &slog.HandlerOptions{Level: &level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a level name to its slog value.
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

// Verbosity returns the current level as the numeric trace level the
// management API exposes: 0=error 1=warn 2=info 3=debug.
func Verbosity() int {
	switch level.Level() {
	case slog.LevelDebug:
		return 3
	case slog.LevelInfo:
		return 2
	case slog.LevelWarn:
		return 1
	default:
		return 0
	}
}

// SetVerbosity applies a numeric trace level. Values above 3 clamp to
// debug.
func SetVerbosity(v int) {
	switch {
	case v <= 0:
		level.Set(slog.LevelError)
	case v == 1:
		level.Set(slog.LevelWarn)
	case v == 2:
		level.Set(slog.LevelInfo)
	default:
		level.Set(slog.LevelDebug)
	}
}
