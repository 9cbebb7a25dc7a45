package observability

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LevelEnv names the environment variable holding the minimum log level.
const LevelEnv = "LOG_LEVEL"

// NewLogger returns a JSON logger on stdout tagged with component. The level comes
// from LOG_LEVEL (debug, info, warn, error) and defaults to info.
func NewLogger(component string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(os.Getenv(LevelEnv)),
	}))
	if component == "" {
		return logger
	}
	return logger.With("component", component)
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil || runID == "" {
		return logger
	}
	return logger.With("run_id", runID)
}

func WithBuild(logger *slog.Logger, buildID int64) *slog.Logger {
	if logger == nil || buildID == 0 {
		return logger
	}
	return logger.With("build_id", strconv.FormatInt(buildID, 10))
}

// WithTask tags queue and inline job logs with the delivery-derived task id.
func WithTask(logger *slog.Logger, taskID string) *slog.Logger {
	if logger == nil || taskID == "" {
		return logger
	}
	return logger.With("task_id", taskID)
}
