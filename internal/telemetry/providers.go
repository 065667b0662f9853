package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newResource(ctx context.Context, s exportSettings) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(s.serviceName),
			semconv.ServiceVersion(s.serviceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}
	return res, nil
}

// newTracerProvider exports sampled spans over OTLP/HTTP and installs the provider and the
// W3C trace context propagator globally. Tracing disabled yields a no-op provider.
func newTracerProvider(ctx context.Context, s exportSettings, res *resource.Resource) (trace.TracerProvider, error) {
	if !s.tracing {
		return tracenoop.NewTracerProvider(), nil
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.endpoint)}
	if s.insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.sampling))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("Tracing enabled",
		"endpoint", s.endpoint,
		"sampling", s.sampling,
		"insecure", s.insecure)
	return tp, nil
}

// newMeterProvider exports metrics periodically over OTLP/HTTP and, when asked, through a
// Prometheus reader registered on registry. Metrics disabled yields a no-op provider.
func newMeterProvider(
	ctx context.Context,
	s exportSettings,
	res *resource.Resource,
	registry prometheus.Registerer,
) (metric.MeterProvider, error) {
	if !s.metrics {
		return metricnoop.NewMeterProvider(), nil
	}

	exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(s.endpoint)}
	if s.insecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	providerOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(s.interval))),
	}
	if s.prometheus {
		reader, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus reader: %w", err)
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}

	mp := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(mp)

	slog.Info("Metrics enabled",
		"endpoint", s.endpoint,
		"interval", s.interval,
		"prometheus", s.prometheus)
	return mp, nil
}
