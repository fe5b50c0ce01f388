package txn

import (
	"context"

	"github.com/veridianlabs/lib-txn/txn/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type trackingContextKey string

// TrackingContextKey is the context key used to store TrackingValue.
var TrackingContextKey = trackingContextKey("txn_tracking")

// TrackingValue holds the request-scoped facilities attached to context.
type TrackingValue struct {
	Logger log.Logger
	Tracer trace.Tracer
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingValue)
	if values == nil {
		values = &TrackingValue{}
	}

	next := *values
	next.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, &next)
}

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingValue)
	if values == nil {
		values = &TrackingValue{}
	}

	next := *values
	next.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, &next)
}

// LoggerFromContext extracts the logger from context, falling back to a
// no-op logger so callers never need nil checks.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if values, ok := ctx.Value(TrackingContextKey).(*TrackingValue); ok && values.Logger != nil {
		return values.Logger
	}

	return log.NewNop()
}

// TracerFromContext extracts the tracer from context, falling back to the
// global provider's default tracer.
//
//nolint:ireturn
func TracerFromContext(ctx context.Context) trace.Tracer {
	if values, ok := ctx.Value(TrackingContextKey).(*TrackingValue); ok && values.Tracer != nil {
		return values.Tracer
	}

	return otel.Tracer("lib-txn.default")
}
