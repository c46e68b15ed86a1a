// Package telemetry configures the global OpenTelemetry tracer provider.
// Disabled by default; when enabled, spans are batched to an OTLP/gRPC
// collector. Without it the tracers taken throughout the codebase stay
// no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// ErrInvalidConfig indicates invalid telemetry configuration.
var ErrInvalidConfig = errors.New("invalid telemetry configuration")

// Config holds trace export settings.
type Config struct {
	// Enabled turns span export on. Default: false.
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP/gRPC collector address, host:port.
	// Default: "localhost:4317".
	Endpoint string `koanf:"endpoint"`

	// ServiceName identifies this service in traces. Default: "complianced".
	ServiceName string `koanf:"service_name"`

	// ServiceVersion is recorded on the trace resource.
	ServiceVersion string `koanf:"service_version"`

	// Insecure disables TLS on the exporter connection. Only honored for
	// local endpoints.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the fraction of new traces sampled, 0 to 1.
	// Default: 1.
	SampleRate float64 `koanf:"sample_rate"`

	// ShutdownTimeout bounds the final span flush. Default: 5s.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.ServiceName == "" {
		c.ServiceName = "complianced"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint required", ErrInvalidConfig)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("%w: sample rate must be in [0, 1]", ErrInvalidConfig)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("%w: insecure transport only allowed for local endpoints", ErrInvalidConfig)
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := endpoint
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || host == "[::1]"
}

// Option overrides parts of the provider construction.
type Option func(*options)

type options struct {
	exporter trace.SpanExporter
}

// WithTraceExporter replaces the OTLP exporter, used by tests to capture
// spans in memory.
func WithTraceExporter(exp trace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// Telemetry owns the tracer provider lifecycle.
type Telemetry struct {
	config   Config
	provider *trace.TracerProvider
	logger   *zap.Logger
}

// New initializes tracing and installs the global tracer provider and
// propagator. When the config is disabled the globals are left alone and
// Shutdown is a no-op.
func New(ctx context.Context, config Config, logger *zap.Logger, opts ...Option) (*Telemetry, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Telemetry{config: config, logger: logger}
	if !config.Enabled {
		return t, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	exporter := o.exporter
	if exporter == nil {
		expOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.Endpoint),
		}
		if config.Insecure {
			expOpts = append(expOpts, otlptracegrpc.WithInsecure())
		}
		var err error
		exporter, err = otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	)

	var sampler trace.Sampler
	switch {
	case config.SampleRate >= 1:
		sampler = trace.AlwaysSample()
	case config.SampleRate <= 0:
		sampler = trace.NeverSample()
	default:
		sampler = trace.TraceIDRatioBased(config.SampleRate)
	}

	t.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		zap.String("endpoint", config.Endpoint),
		zap.Float64("sample_rate", config.SampleRate),
	)
	return t, nil
}

// Shutdown flushes pending spans, bounded by the configured timeout when
// the context has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("trace provider shutdown: %w", err)
	}
	return nil
}
