package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/coretex/internal/telemetry/attrs"
	"github.com/hyp3rd/coretex/pkg/consistency"
	"github.com/hyp3rd/coretex/pkg/coordinator"
)

// OTelMetricsMiddleware emits OpenTelemetry metrics for service methods.
type OTelMetricsMiddleware struct {
	next coordinator.Service

	// instruments
	calls     metric.Int64Counter
	errors    metric.Int64Counter
	durations metric.Float64Histogram
}

// NewOTelMetricsMiddleware constructs a metrics middleware using the provided meter.
func NewOTelMetricsMiddleware(next coordinator.Service, meter metric.Meter) (coordinator.Service, error) {
	calls, err := meter.Int64Counter("coretex.calls")
	if err != nil {
		return nil, ewrap.Wrap(err, "create calls counter")
	}

	errs, err := meter.Int64Counter("coretex.errors")
	if err != nil {
		return nil, ewrap.Wrap(err, "create errors counter")
	}

	durations, err := meter.Float64Histogram("coretex.duration.ms")
	if err != nil {
		return nil, ewrap.Wrap(err, "create histogram")
	}

	return &OTelMetricsMiddleware{next: next, calls: calls, errors: errs, durations: durations}, nil
}

// Put implements Service.Put with metrics.
func (mw *OTelMetricsMiddleware) Put(ctx context.Context, key string, value []byte) (consistency.VersionedValue, error) {
	start := time.Now()
	v, err := mw.next.Put(ctx, key, value)
	mw.rec(ctx, "Put", start, err, attribute.Int(attrs.AttrKeyLength, len(key)), attribute.Int(attrs.AttrValueLength, len(value)))

	return v, err
}

// Get implements Service.Get with metrics.
func (mw *OTelMetricsMiddleware) Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error) {
	start := time.Now()
	v, found, err := mw.next.Get(ctx, key)
	mw.rec(ctx, "Get", start, err, attribute.Int(attrs.AttrKeyLength, len(key)), attribute.Bool(attrs.AttrFound, found))

	return v, found, err
}

// Delete implements Service.Delete with metrics.
func (mw *OTelMetricsMiddleware) Delete(ctx context.Context, key string) (consistency.VersionedValue, error) {
	start := time.Now()
	v, err := mw.next.Delete(ctx, key)
	mw.rec(ctx, "Delete", start, err, attribute.Int(attrs.AttrKeyLength, len(key)))

	return v, err
}

func (mw *OTelMetricsMiddleware) rec(ctx context.Context, method string, start time.Time, err error, extra ...attribute.KeyValue) {
	base := append([]attribute.KeyValue{attribute.String(attrs.AttrMethod, method)}, extra...)

	mw.calls.Add(ctx, 1, metric.WithAttributes(base...))
	mw.durations.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(base...))

	if err != nil {
		mw.errors.Add(ctx, 1, metric.WithAttributes(attribute.String(attrs.AttrMethod, method), attribute.String(attrs.AttrErrorCategory, attrs.Category(err))))
	}
}
