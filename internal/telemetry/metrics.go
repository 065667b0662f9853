// Package telemetry provides OpenTelemetry instrumentation for the API publisher.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// PublisherMetricsMeterName is the name used for the publishing run meter
	PublisherMetricsMeterName = "github.com/stacklok/api-publisher/publisher"
)

// Item outcomes recorded on api_publisher_items_total
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// PublisherMetrics holds the OpenTelemetry instruments for publishing runs.
// A nil *PublisherMetrics records nothing.
type PublisherMetrics struct {
	runDuration   metric.Float64Histogram
	itemsTotal    metric.Int64Counter
	activeStreams metric.Int64UpDownCounter

	// streaming tracks resource pipelines currently holding a stream slot
	streaming sync.Map
}

// NewPublisherMetrics creates a new PublisherMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewPublisherMetrics(provider metric.MeterProvider) (*PublisherMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PublisherMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"api_publisher_run_duration_seconds",
		metric.WithDescription("Duration of publishing runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, err
	}

	itemsTotal, err := meter.Int64Counter(
		"api_publisher_items_total",
		metric.WithDescription("Number of items written to the target"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	activeStreams, err := meter.Int64UpDownCounter(
		"api_publisher_active_streams",
		metric.WithDescription("Number of resources currently streaming"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	return &PublisherMetrics{
		runDuration:   runDuration,
		itemsTotal:    itemsTotal,
		activeStreams: activeStreams,
	}, nil
}

// RecordItem counts one item written (or rejected) by a phase
func (m *PublisherMetrics) RecordItem(ctx context.Context, phase, resource string, success bool) {
	if m == nil || m.itemsTotal == nil {
		return
	}

	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailure
	}

	m.itemsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("resource", resource),
		attribute.String("outcome", outcome),
	))
}

// RecordStreamState tracks how many resources hold a stream slot. "SlotAcquired"
// increments; "Completed" or "Faulted" decrement when the resource held a slot.
func (m *PublisherMetrics) RecordStreamState(ctx context.Context, phase, resource, state string) {
	if m == nil || m.activeStreams == nil {
		return
	}

	key := phase + " " + resource
	attrs := metric.WithAttributes(attribute.String("phase", phase))

	switch state {
	case "SlotAcquired":
		if _, loaded := m.streaming.LoadOrStore(key, struct{}{}); !loaded {
			m.activeStreams.Add(ctx, 1, attrs)
		}
	case "Completed", "Faulted":
		if _, loaded := m.streaming.LoadAndDelete(key); loaded {
			m.activeStreams.Add(ctx, -1, attrs)
		}
	}
}

// RecordRunDuration records the duration of a publishing run between two connections
func (m *PublisherMetrics) RecordRunDuration(
	ctx context.Context, source, target string, duration time.Duration, success bool,
) {
	if m == nil || m.runDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("target", target),
		attribute.Bool("success", success),
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
