package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Settings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config *Config
		want   exportSettings
	}{
		{
			name:   "nil config exports nothing",
			config: nil,
			want: exportSettings{
				serviceName:    DefaultServiceName,
				serviceVersion: "unknown",
				endpoint:       DefaultEndpoint,
				sampling:       DefaultSampling,
				interval:       DefaultMetricsInterval,
			},
		},
		{
			name: "disabled config ignores sections",
			config: &Config{
				Enabled:     false,
				ServiceName: "ignored",
				Tracing:     &TracingConfig{Enabled: true},
			},
			want: exportSettings{
				serviceName:    DefaultServiceName,
				serviceVersion: "unknown",
				endpoint:       DefaultEndpoint,
				sampling:       DefaultSampling,
				interval:       DefaultMetricsInterval,
			},
		},
		{
			name: "every value set",
			config: &Config{
				Enabled:        true,
				ServiceName:    "publisher-nightly",
				ServiceVersion: "1.2.3",
				Endpoint:       "collector.example.com:4318",
				Insecure:       true,
				Tracing:        &TracingConfig{Enabled: true, Sampling: 0.25},
				Metrics:        &MetricsConfig{Enabled: true, Prometheus: true, Interval: "15s"},
			},
			want: exportSettings{
				serviceName:    "publisher-nightly",
				serviceVersion: "1.2.3",
				endpoint:       "collector.example.com:4318",
				insecure:       true,
				tracing:        true,
				sampling:       0.25,
				metrics:        true,
				prometheus:     true,
				interval:       15 * time.Second,
			},
		},
		{
			name: "zero sampling and bad interval fall back",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true},
				Metrics: &MetricsConfig{Enabled: true, Interval: "soon"},
			},
			want: exportSettings{
				serviceName:    DefaultServiceName,
				serviceVersion: "unknown",
				endpoint:       DefaultEndpoint,
				tracing:        true,
				sampling:       DefaultSampling,
				metrics:        true,
				interval:       DefaultMetricsInterval,
			},
		},
		{
			name: "disabled sections stay off",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: false, Sampling: 1},
				Metrics: &MetricsConfig{Enabled: false, Prometheus: true},
			},
			want: exportSettings{
				serviceName:    DefaultServiceName,
				serviceVersion: "unknown",
				endpoint:       DefaultEndpoint,
				sampling:       DefaultSampling,
				interval:       DefaultMetricsInterval,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.config.settings())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{name: "nil", config: nil},
		{name: "disabled with bad values", config: &Config{
			Tracing: &TracingConfig{Enabled: true, Sampling: 3},
		}},
		{name: "valid", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: 1},
			Metrics: &MetricsConfig{Enabled: true, Interval: "30s"},
		}},
		{name: "disabled tracing is not checked", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: false, Sampling: -1},
		}},
		{
			name: "negative sampling",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: -0.1},
			},
			wantErr: "tracing: sampling must be between 0.0 and 1.0",
		},
		{
			name: "sampling above one",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: 1.5},
			},
			wantErr: "tracing: sampling must be between 0.0 and 1.0",
		},
		{
			name: "unparsable interval",
			config: &Config{
				Enabled: true,
				Metrics: &MetricsConfig{Enabled: true, Interval: "often"},
			},
			wantErr: "metrics: interval must be a positive duration",
		},
		{
			name: "zero interval",
			config: &Config{
				Enabled: true,
				Metrics: &MetricsConfig{Enabled: true, Interval: "0s"},
			},
			wantErr: "metrics: interval must be a positive duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
