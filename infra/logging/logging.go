package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a JSON logger tagged with the component name.
func NewLogger(component string, level slog.Level) *slog.Logger {
	return NewLoggerTo(os.Stdout, component, level)
}

func NewLoggerTo(w io.Writer, component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With("component", component)
}

// ParseLevel accepts debug, info, warn(ing) and error, case-insensitively.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
