package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider returns the current state of a publishing run
type Provider interface {
	Status() RunStatus
}

// ServerOption configures the status server
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	gatherer    prometheus.Gatherer
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithGatherer exposes the metrics of gatherer on /metrics
func WithGatherer(gatherer prometheus.Gatherer) ServerOption {
	return func(cfg *serverConfig) {
		cfg.gatherer = gatherer
	}
}

// NewServer creates the status router for provider
func NewServer(provider Provider, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(provider))
	r.Get("/status", statusHandler(provider))
	if cfg.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

// readinessHandler reports ready once the run has started streaming or finished
func readinessHandler(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if provider.Status().Phase == RunPhasePending {
			writeJSONResponse(w, map[string]string{"status": "not ready"}, http.StatusServiceUnavailable)
			return
		}
		writeJSONResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
	}
}

func statusHandler(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, provider.Status(), http.StatusOK)
	}
}

func writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode status response", "error", err)
	}
}
