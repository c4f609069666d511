// Package middleware provides decorators for the replicated key-value service:
// structured logging, OpenTelemetry metrics and tracing.
package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyp3rd/coretex/pkg/consistency"
	"github.com/hyp3rd/coretex/pkg/coordinator"
)

// Middleware describes a service middleware.
type Middleware func(coordinator.Service) coordinator.Service

// Apply applies middlewares to a service; the last one is outermost.
func Apply(svc coordinator.Service, mw ...Middleware) coordinator.Service {
	for _, m := range mw {
		svc = m(svc)
	}

	return svc
}

// LoggingMiddleware logs every call with its duration and outcome.
type LoggingMiddleware struct {
	next   coordinator.Service
	logger zerolog.Logger
}

// NewLoggingMiddleware returns a new LoggingMiddleware.
func NewLoggingMiddleware(next coordinator.Service, logger zerolog.Logger) coordinator.Service {
	return &LoggingMiddleware{next: next, logger: logger}
}

// Logging returns the logging middleware as a Middleware.
func Logging(logger zerolog.Logger) Middleware {
	return func(next coordinator.Service) coordinator.Service { return NewLoggingMiddleware(next, logger) }
}

// Put logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Put(ctx context.Context, key string, value []byte) (consistency.VersionedValue, error) {
	begin := time.Now()
	v, err := mw.next.Put(ctx, key, value)

	mw.log(err).
		Str("method", "Put").
		Str("key", key).
		Int("value.len", len(value)).
		Uint64("version", v.Version).
		Dur("took", time.Since(begin)).
		Msg("service call")

	return v, err
}

// Get logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error) {
	begin := time.Now()
	v, found, err := mw.next.Get(ctx, key)

	mw.log(err).
		Str("method", "Get").
		Str("key", key).
		Bool("found", found).
		Uint64("version", v.Version).
		Dur("took", time.Since(begin)).
		Msg("service call")

	return v, found, err
}

// Delete logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Delete(ctx context.Context, key string) (consistency.VersionedValue, error) {
	begin := time.Now()
	v, err := mw.next.Delete(ctx, key)

	mw.log(err).
		Str("method", "Delete").
		Str("key", key).
		Uint64("version", v.Version).
		Dur("took", time.Since(begin)).
		Msg("service call")

	return v, err
}

func (mw LoggingMiddleware) log(err error) *zerolog.Event {
	if err != nil {
		return mw.logger.Warn().Err(err)
	}

	return mw.logger.Debug()
}
