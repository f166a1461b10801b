package kfmt

import (
	"log/slog"
	"strings"
)

// logLevel is shared by every logger returned by Logger so that the level can
// be changed after the loggers have been created.
var logLevel = new(slog.LevelVar)

// SetLogLevel sets the minimum level for structured kernel logs. Unknown
// level names select info.
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

// Logger returns a structured logger that writes to the kernel console and
// tags each record with the originating module.
func Logger(module string) *slog.Logger {
	handler := slog.NewTextHandler(Console(), &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler).With("module", module)
}
