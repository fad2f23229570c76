// internal/common/logging/logger.go
// Structured logging setup

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New builds the process logger. Development gets colored console output,
// everything else gets JSON.
func New(environment, level string) *slog.Logger {
	return newLogger(os.Stdout, environment, level)
}

func newLogger(w io.Writer, environment, level string) *slog.Logger {
	lvl := ParseLevel(level)
	if environment == "development" || environment == "local" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
	}))
}

// ParseLevel maps LOG_LEVEL values onto slog levels, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
