package coretex

import (
	"io"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/coretex/pkg/messaging"
	"github.com/hyp3rd/coretex/pkg/middleware"
	"github.com/hyp3rd/coretex/pkg/storage"
)

// Option is a function type that can be used to configure an Instance.
type Option func(*options)

type options struct {
	middleware     []middleware.Middleware
	meter          metric.Meter
	tracer         trace.Tracer
	backend        storage.Backend
	publisher      messaging.Publisher
	logOutput      io.Writer
	mgmt           []ManagementHTTPOption
	origins        []string
	requestTimeout time.Duration
}

// WithMiddleware appends service middleware outside the built-in logging,
// metrics and tracing layers.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}

// WithMeter sets the meter used by the metrics middleware. Defaults to the global provider.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithTracer sets the tracer used by the tracing middleware. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithBackend uses an already opened backend instead of the configured engine.
// The caller keeps ownership and closes it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithPublisher ships consistency events to p instead of the configured broker.
// The instance closes p on Stop.
func WithPublisher(p messaging.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLogOutput redirects console logging to w.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithManagementOptions configures the management HTTP server.
func WithManagementOptions(opts ...ManagementHTTPOption) Option {
	return func(o *options) { o.mgmt = append(o.mgmt, opts...) }
}

// WithAllowedOrigins restricts cross-origin access to the event stream.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) { o.origins = append(o.origins, origins...) }
}

// WithRequestTimeout bounds every wire protocol request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}
