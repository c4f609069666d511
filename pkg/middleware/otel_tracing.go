package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/coretex/internal/telemetry/attrs"
	"github.com/hyp3rd/coretex/pkg/consistency"
	"github.com/hyp3rd/coretex/pkg/coordinator"
)

// OTelTracingMiddleware wraps coordinator.Service methods with OpenTelemetry spans.
type OTelTracingMiddleware struct {
	next   coordinator.Service
	tracer trace.Tracer
	// static attributes applied to all spans
	commonAttrs []attribute.KeyValue
}

// OTelTracingOption allows configuring the tracing middleware.
type OTelTracingOption func(*OTelTracingMiddleware)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) OTelTracingOption {
	return func(m *OTelTracingMiddleware) { m.commonAttrs = append(m.commonAttrs, attributes...) }
}

// NewOTelTracingMiddleware creates a tracing middleware.
func NewOTelTracingMiddleware(next coordinator.Service, tracer trace.Tracer, opts ...OTelTracingOption) coordinator.Service {
	mw := &OTelTracingMiddleware{next: next, tracer: tracer}
	for _, o := range opts {
		o(mw)
	}

	return mw
}

// Put implements Service.Put with tracing.
func (mw OTelTracingMiddleware) Put(ctx context.Context, key string, value []byte) (consistency.VersionedValue, error) {
	ctx, span := mw.startSpan(ctx, "coretex.Put",
		attribute.Int(attrs.AttrKeyLength, len(key)),
		attribute.Int(attrs.AttrValueLength, len(value)))
	defer span.End()

	v, err := mw.next.Put(ctx, key, value)
	if err != nil {
		fail(span, err)

		return v, err
	}

	span.SetAttributes(attribute.Int64(attrs.AttrVersion, int64(v.Version))) //nolint:gosec

	return v, nil
}

// Get implements Service.Get with tracing.
func (mw OTelTracingMiddleware) Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error) {
	ctx, span := mw.startSpan(ctx, "coretex.Get", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	v, found, err := mw.next.Get(ctx, key)
	if err != nil {
		fail(span, err)

		return v, found, err
	}

	span.SetAttributes(attribute.Bool(attrs.AttrFound, found))

	if found {
		span.SetAttributes(attribute.Int64(attrs.AttrVersion, int64(v.Version))) //nolint:gosec
	}

	return v, found, nil
}

// Delete implements Service.Delete with tracing.
func (mw OTelTracingMiddleware) Delete(ctx context.Context, key string) (consistency.VersionedValue, error) {
	ctx, span := mw.startSpan(ctx, "coretex.Delete", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	v, err := mw.next.Delete(ctx, key)
	if err != nil {
		fail(span, err)
	}

	return v, err
}

// startSpan starts a span with common and provided attributes.
func (mw OTelTracingMiddleware) startSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := mw.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	if len(mw.commonAttrs) > 0 {
		span.SetAttributes(mw.commonAttrs...)
	}

	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	return ctx, span
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, attrs.Category(err))
	span.SetAttributes(attribute.String(attrs.AttrErrorCategory, attrs.Category(err)))
}
