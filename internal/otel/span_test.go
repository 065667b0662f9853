package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpan_NilTracer(t *testing.T) {
	t.Parallel()

	ctx, span := StartSpan(context.Background(), nil, "publisher.process")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	assert.False(t, span.SpanContext().IsValid())
	assert.NotPanics(t, func() { EndSpan(span, errors.New("ignored")) })
}

func TestSpans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantStatus  codes.Code
		wantMessage string
		wantEvents  int
	}{
		{name: "success", wantStatus: codes.Ok},
		{
			name:        "failure hides the error text",
			err:         errors.New("POST https://target/api/data/v3/ed-fi/students: 500"),
			wantStatus:  codes.Error,
			wantMessage: failedDescription,
			wantEvents:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exporter := tracetest.NewInMemoryExporter()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
			t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

			_, span := StartSpan(context.Background(), tp.Tracer("test"), "streaming.resource",
				AttrPhase.String("upserts"),
				AttrResource.String("/ed-fi/students"))
			assert.True(t, span.SpanContext().IsValid())
			EndSpan(span, tt.err)

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			got := spans[0]
			assert.Equal(t, "streaming.resource", got.Name)
			assert.Equal(t, tt.wantStatus, got.Status.Code)
			assert.Equal(t, tt.wantMessage, got.Status.Description)
			assert.Len(t, got.Events, tt.wantEvents)

			attrs := map[string]string{}
			for _, attr := range got.Attributes {
				attrs[string(attr.Key)] = attr.Value.Emit()
			}
			assert.Equal(t, map[string]string{
				"publisher.phase":    "upserts",
				"publisher.resource": "/ed-fi/students",
			}, attrs)
		})
	}
}

func TestEndSpan_NilSpan(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() { EndSpan(nil, errors.New("boom")) })
}
