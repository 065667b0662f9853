package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers of one process
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	registry       *prometheus.Registry
}

// Option configures New
type Option func(*options)

type options struct {
	config *Config
}

// WithTelemetryConfig sets the telemetry configuration. Without it every provider is a no-op.
func WithTelemetryConfig(cfg *Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// New builds the providers described by the configuration. Call Shutdown before exiting
// to flush buffered spans and metrics.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	s := o.config.settings()
	t := &Telemetry{registry: prometheus.NewRegistry()}

	if !s.tracing && !s.metrics {
		slog.Debug("Telemetry disabled")
		t.tracerProvider, _ = newTracerProvider(ctx, s, nil)
		t.meterProvider, _ = newMeterProvider(ctx, s, nil, t.registry)
		return t, nil
	}

	res, err := newResource(ctx, s)
	if err != nil {
		return nil, err
	}

	t.tracerProvider, err = newTracerProvider(ctx, s, res)
	if err != nil {
		return nil, err
	}
	t.meterProvider, err = newMeterProvider(ctx, s, res, t.registry)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	slog.Info("Telemetry initialized",
		"service_name", s.serviceName,
		"service_version", s.serviceVersion)
	return t, nil
}

// TracerProvider returns the tracer provider, a no-op one when tracing is off
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the meter provider, a no-op one when metrics are off
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Gatherer returns the registry served on /metrics. It stays empty unless
// metrics.prometheus is set.
func (t *Telemetry) Gatherer() prometheus.Gatherer {
	return t.registry
}

// Tracer returns a named tracer
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a named meter
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops the SDK providers. No-op providers need no shutdown.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracer provider: %w", err))
		}
	}
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down meter provider: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Debug("Telemetry shut down")
	return nil
}
