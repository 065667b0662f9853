// Package telemetry wires OpenTelemetry tracing and metrics for publishing runs.
//
// Spans and metrics are exported over OTLP/HTTP. Metrics can additionally be served
// in Prometheus format by the status server. A disabled or missing configuration
// yields no-op providers, so callers never need to check whether telemetry is on.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultServiceName identifies the publisher in exported telemetry
	DefaultServiceName = "api-publisher"

	// DefaultEndpoint is the OTLP/HTTP collector address
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the fraction of traces kept
	DefaultSampling = 0.05

	// DefaultMetricsInterval is the OTLP metric export period
	DefaultMetricsInterval = 60 * time.Second

	unknownVersion = "unknown"
)

// Config is the telemetry section of the publisher configuration
type Config struct {
	Enabled bool `yaml:"enabled"`

	ServiceName    string `yaml:"serviceName,omitempty"`
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the collector host:port; /v1/traces and /v1/metrics are appended
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure exports over plain HTTP
	Insecure bool `yaml:"insecure,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig controls span export
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the ratio of traces kept, between 0 and 1. Zero means DefaultSampling.
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig controls metric export
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Prometheus also registers the metrics for scraping on the status server
	Prometheus bool `yaml:"prometheus,omitempty"`

	// Interval is the OTLP export period, for example "30s"
	Interval string `yaml:"interval,omitempty"`
}

// exportSettings is a Config with every default resolved
type exportSettings struct {
	serviceName    string
	serviceVersion string
	endpoint       string
	insecure       bool

	tracing    bool
	sampling   float64
	metrics    bool
	prometheus bool
	interval   time.Duration
}

func (c *Config) settings() exportSettings {
	s := exportSettings{
		serviceName:    DefaultServiceName,
		serviceVersion: unknownVersion,
		endpoint:       DefaultEndpoint,
		sampling:       DefaultSampling,
		interval:       DefaultMetricsInterval,
	}
	if c == nil || !c.Enabled {
		return s
	}

	if c.ServiceName != "" {
		s.serviceName = c.ServiceName
	}
	if c.ServiceVersion != "" {
		s.serviceVersion = c.ServiceVersion
	}
	if c.Endpoint != "" {
		s.endpoint = c.Endpoint
	}
	s.insecure = c.Insecure

	if c.Tracing != nil && c.Tracing.Enabled {
		s.tracing = true
		if c.Tracing.Sampling > 0 {
			s.sampling = c.Tracing.Sampling
		}
	}
	if c.Metrics != nil && c.Metrics.Enabled {
		s.metrics = true
		s.prometheus = c.Metrics.Prometheus
		if d, err := time.ParseDuration(c.Metrics.Interval); err == nil && d > 0 {
			s.interval = d
		}
	}
	return s
}

// Validate checks the sampling ratio and export interval. A nil or disabled
// configuration is valid.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if t := c.Tracing; t != nil && t.Enabled && (t.Sampling < 0 || t.Sampling > 1) {
		errs = append(errs, fmt.Errorf("tracing: sampling must be between 0.0 and 1.0, got %g", t.Sampling))
	}
	if m := c.Metrics; m != nil && m.Enabled && m.Interval != "" {
		if d, err := time.ParseDuration(m.Interval); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("metrics: interval must be a positive duration, got %q", m.Interval))
		}
	}
	return errors.Join(errs...)
}
