package infra

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog logger from config.
// Callers install it with slog.SetDefault at bootstrap.
func NewLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// Recover logs a panic and re-raises it. Used as a top-level deferred guard
// in the cmd entrypoints.
func Recover() {
	if r := recover(); r != nil {
		slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
		panic(r)
	}
}
