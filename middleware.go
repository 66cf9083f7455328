package multitenancy

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// QueryHook is a function that gets called before and after query execution
type QueryHook func(ctx context.Context, operation string, query string, args []any, startTime time.Time, err error)

// QueryTracker runs hooks around every statement issued on a TenantConn.
type QueryTracker struct {
	preHooks  []QueryHook
	postHooks []QueryHook
}

// NewQueryTracker creates a new QueryTracker
func NewQueryTracker() *QueryTracker {
	return &QueryTracker{
		preHooks:  make([]QueryHook, 0),
		postHooks: make([]QueryHook, 0),
	}
}

// AddPreHook adds a hook that gets called before query execution.
// Hooks must be added before the tracker is shared.
func (qt *QueryTracker) AddPreHook(hook QueryHook) {
	qt.preHooks = append(qt.preHooks, hook)
}

// AddPostHook adds a hook that gets called after query execution
func (qt *QueryTracker) AddPostHook(hook QueryHook) {
	qt.postHooks = append(qt.postHooks, hook)
}

// TrackQuery wraps a function that executes a query
func (qt *QueryTracker) TrackQuery(ctx context.Context, operation string, query string, args []any, fn func() error) error {
	startTime := time.Now()

	for _, hook := range qt.preHooks {
		hook(ctx, operation, query, args, startTime, nil)
	}

	err := fn()

	for _, hook := range qt.postHooks {
		hook(ctx, operation, query, args, startTime, err)
	}

	return err
}

// LoggingHook logs each statement with its tenant and duration. Failed
// statements are logged at warn level, the rest at debug.
func LoggingHook(logger *zap.Logger) QueryHook {
	return func(ctx context.Context, operation string, query string, _ []any, startTime time.Time, err error) {
		fields := []zap.Field{
			zap.String("tenant", FromContext(ctx).String()),
			zap.String("operation", operation),
			zap.Duration("duration", time.Since(startTime)),
			zap.String("query", query),
		}
		if err != nil {
			logger.Warn("query failed", append(fields, zap.Error(err))...)
			return
		}
		logger.Debug("query", fields...)
	}
}

// MetricsHook feeds statement outcomes into mc.
func MetricsHook(mc *MetricsCollector) QueryHook {
	return func(ctx context.Context, _ string, _ string, _ []any, startTime time.Time, err error) {
		mc.RecordQuery(FromContext(ctx), time.Since(startTime), err == nil)
	}
}
