package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

// WithLogger returns a context carrying a request-scoped logger. Service
// methods log through it so their lines share the caller's fields.
func WithLogger(ctx context.Context, log *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// LoggerFrom returns the logger stored by WithLogger, or fallback.
func LoggerFrom(ctx context.Context, fallback *logrus.Entry) *logrus.Entry {
	if log, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok && log != nil {
		return log
	}
	return fallback
}
