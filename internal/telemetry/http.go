package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HTTPInstrumentationName names the status server's tracer and meter
	HTTPInstrumentationName = "github.com/stacklok/api-publisher/http"

	// MaxUserAgentLength caps the user agent recorded on server spans
	MaxUserAgentLength = 256

	unknownRoute = "unknown_route"
)

// probePaths are polled by orchestrators and get no spans
var probePaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

// routePattern returns the chi pattern that served r. Unmatched requests share one value
// so that arbitrary paths cannot grow attribute cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unknownRoute
}

func passThrough(next http.Handler) http.Handler {
	return next
}

// HTTPMetrics counts and times status server requests
type HTTPMetrics struct {
	duration metric.Float64Histogram
	requests metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the request instruments. A nil provider yields nil metrics.
func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(HTTPInstrumentationName)

	duration, err := meter.Float64Histogram(
		"api_publisher_status_http_request_duration_seconds",
		metric.WithDescription("Duration of status server requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}
	requests, err := meter.Int64Counter(
		"api_publisher_status_http_requests_total",
		metric.WithDescription("Number of status server requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		"api_publisher_status_http_active_requests",
		metric.WithDescription("Number of status server requests being served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{duration: duration, requests: requests, inFlight: inFlight}, nil
}

// Middleware records one request. A nil receiver passes requests through.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		m.inFlight.Add(ctx, 1)
		defer m.inFlight.Add(ctx, -1)

		next.ServeHTTP(ww, r)

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", routePattern(r)),
			attribute.String("status_code", strconv.Itoa(ww.Status())),
		)
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		m.requests.Add(ctx, 1, attrs)
	})
}

// MetricsMiddleware returns request metrics middleware for provider
func MetricsMiddleware(provider metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	metrics, err := NewHTTPMetrics(provider)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		return passThrough, nil
	}
	return metrics.Middleware, nil
}

// TracingMiddleware starts a server span per request, continuing any W3C trace context
// sent by the caller. Health and readiness probes are not traced.
func TracingMiddleware(provider trace.TracerProvider) func(http.Handler) http.Handler {
	if provider == nil {
		return passThrough
	}
	tracer := provider.Tracer(HTTPInstrumentationName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if probePaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.UserAgentOriginal(truncate(r.UserAgent(), MaxUserAgentLength)),
				),
			)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// the route is only known once chi has matched the request
			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			status := ww.Status()
			span.SetAttributes(
				semconv.HTTPRouteKey.String(route),
				semconv.HTTPResponseStatusCode(status),
			)

			// 4xx responses are the client's error and leave the span status unset
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else if status < http.StatusBadRequest {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
