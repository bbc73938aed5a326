package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey struct{}

// NewContextWithLogger returns a context carrying log. Periodic engine
// tasks attach their operation logger this way before calling in.
func NewContextWithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger attached to ctx, or nil when none is.
func FromContext(ctx context.Context) *zap.Logger {
	log, _ := ctx.Value(contextKey{}).(*zap.Logger)
	return log
}
