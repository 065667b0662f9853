// Package otel holds the span helpers and attribute keys shared by the publishing stages.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys
const (
	AttrPhase       = attribute.Key("publisher.phase")
	AttrResource    = attribute.Key("publisher.resource")
	AttrSource      = attribute.Key("publisher.source")
	AttrTarget      = attribute.Key("publisher.target")
	AttrWindowMin   = attribute.Key("publisher.change_window.min")
	AttrWindowMax   = attribute.Key("publisher.change_window.max")
	AttrResultCount = attribute.Key("publisher.items")
)

// failedDescription is the status set on failed spans. Error text, which may carry URLs
// and response bodies, is kept in the recorded error event only.
const failedDescription = "operation failed"

// StartSpan starts a span carrying attrs. A nil tracer returns the span already in ctx,
// which is a no-op span when there is none.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan sets the span status from err and ends the span
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, failedDescription)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
