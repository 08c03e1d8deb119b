package logger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const (
	runIDKey contextKey = iota
	loggerKey
)

// NewRunID returns the identifier stamped on every log line of one tool
// invocation, so interleaved output from concurrent runs stays attributable.
func NewRunID() string {
	return uuid.NewString()
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	if runID, ok := ctx.Value(runIDKey).(string); ok {
		return runID
	}
	return ""
}

func WithLogger(ctx context.Context, logger Interface) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger carried by ctx, or a NoOpLogger so callers
// never have to nil-check.
func FromContext(ctx context.Context) Interface {
	if logger, ok := ctx.Value(loggerKey).(Interface); ok {
		return logger
	}
	return NewNoOpLogger()
}

// StartOperation stamps a run ID on the context, logs the start of the named
// operation and returns a completion callback that logs its outcome and
// duration.
func StartOperation(ctx context.Context, logger *Logger, operation string) (context.Context, func(error)) {
	runID := RunIDFromContext(ctx)
	if runID == "" {
		runID = NewRunID()
		ctx = WithRunID(ctx, runID)
	}

	opLogger := logger.WithOperation(operation).WithRunID(runID)
	ctx = WithLogger(ctx, opLogger)

	start := time.Now()
	opLogger.Info("operation started")

	complete := func(err error) {
		duration := time.Since(start)
		if err != nil {
			opLogger.Error("operation failed",
				"duration", duration.String(),
				"error", err.Error())
			return
		}
		opLogger.Info("operation completed", "duration", duration.String())
	}

	return ctx, complete
}
