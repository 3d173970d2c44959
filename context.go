package stagedflow

import (
	"context"
	"io"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey   ContextKey = "logger"
	InstanceContextKey ContextKey = "instance_id"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// WithLogger returns a context carrying the given logger
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// WithInstanceID returns a context carrying the id of the running instance
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, InstanceContextKey, id)
}

// LoggerFromContext returns the logger of the context, or a logger that
// discards everything.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return discardLogger
}

// InstanceIDFromContext returns the id of the running instance, if any
func InstanceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(InstanceContextKey).(string)
	return id, ok
}
