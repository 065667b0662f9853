package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/config"
	"github.com/stacklok/api-publisher/internal/dependencies"
	"github.com/stacklok/api-publisher/internal/publisher"
	"github.com/stacklok/api-publisher/internal/remediation"
	"github.com/stacklok/api-publisher/internal/retry"
	"github.com/stacklok/api-publisher/internal/state"
	"github.com/stacklok/api-publisher/internal/status"
	"github.com/stacklok/api-publisher/internal/streaming"
	"github.com/stacklok/api-publisher/internal/telemetry"
)

const (
	defaultGracefulTimeout = 10 * time.Second
	publisherTracerName    = "github.com/stacklok/api-publisher/publisher"
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newPublishCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish changes from the source API to the target API",
		Long: `Publish changes from the source API to the target API.

The run requires a configuration file (--config) describing both connections, the change
version store and the streaming options. Flags and API_PUBLISHER_* environment variables
override the file. The command exits non-zero when any item failed or any resource did not
finish, in which case the change version is left unchanged and the next run publishes the
same changes again.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublish(cmd.Context(), v, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to configuration file (YAML format, required)")
	flags.String(config.KeyInclude, "", "Comma-separated resources to publish with their dependencies")
	flags.String(config.KeyIncludeOnly, "", "Comma-separated resources to publish without their dependencies")
	flags.String(config.KeyExclude, "", "Comma-separated resources to skip with their dependents")
	flags.String(config.KeyExcludeOnly, "", "Comma-separated resources to skip, keeping their dependents")
	flags.Bool(config.KeyWhatIf, false, "Report what would be published without writing to the target")
	flags.Bool(config.KeyIgnoreIsolation, false, "Publish without a source snapshot when none is available")
	flags.Int64(config.KeyLastChangeVersionProcessed, 0, "Override the last processed change version")
	flags.Int64(config.KeyPageSize, 0, "Number of items requested per page")
	flags.Int(config.KeyMaxConcurrentStreams, 0, "Maximum number of resources streamed at once")
	flags.String(config.KeyStateStoreType, "", "Change version store (file, postgres or badger)")
	flags.String(config.KeyErrorFile, "", "Append failed items as JSON lines to this file")

	for _, key := range []string{
		"config",
		config.KeyInclude, config.KeyIncludeOnly, config.KeyExclude, config.KeyExcludeOnly,
		config.KeyWhatIf, config.KeyIgnoreIsolation, config.KeyLastChangeVersionProcessed,
		config.KeyPageSize, config.KeyMaxConcurrentStreams, config.KeyStateStoreType, config.KeyErrorFile,
	} {
		if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
			slog.Error("Error binding flag", "flag", key, "error", err)
		}
	}

	return cmd
}

func runPublish(ctx context.Context, v *viper.Viper, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	source, err := newClient(ctx, cfg.Connections.Source)
	if err != nil {
		return err
	}
	target, err := newClient(ctx, cfg.Connections.Target)
	if err != nil {
		return err
	}

	store, err := state.New(ctx, cfg.StateStore)
	if err != nil {
		return fmt.Errorf("failed to open change version store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close change version store", "error", err)
		}
	}()

	processorOpts, err := processorOptions(cfg, tel, out)
	if err != nil {
		return err
	}
	processor := publisher.NewChangeProcessor(source, target, store, buildOptions(cfg), processorOpts...)

	if cfg.Status != nil {
		server, err := startStatusServer(cfg.Status.Address, processor, tel)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Status server forced to shutdown", "error", err)
			}
		}()
	}

	result, err := processor.Process(ctx)
	printSummary(out, result)
	return err
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	configPath := v.GetString("config")
	if configPath == "" {
		return nil, errors.New("a configuration file is required (--config)")
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ApplyOverrides(v); err != nil {
		return nil, fmt.Errorf("invalid configuration overrides: %w", err)
	}

	slog.Info("Loaded configuration",
		"path", configPath,
		"source", cfg.Connections.Source.Name,
		"target", cfg.Connections.Target.Name,
		"state_store", cfg.StateStore.Type)
	return cfg, nil
}

func newClient(ctx context.Context, conn config.ConnectionConfig) (*apiclient.DefaultClient, error) {
	secret, err := conn.GetSecret()
	if err != nil {
		return nil, err
	}

	client, err := apiclient.NewDefaultClient(ctx, apiclient.Options{
		Name:            conn.Name,
		BaseURL:         conn.URL,
		Key:             conn.Key,
		Secret:          secret,
		Scope:           conn.Scope,
		SchoolYear:      conn.SchoolYear,
		Timeout:         conn.GetTimeout(),
		RateLimit:       conn.RateLimit,
		RateBurst:       conn.RateBurst,
		IgnoreSSLErrors: conn.IgnoreSSLErrors,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client for connection '%s': %w", conn.Name, err)
	}
	return client, nil
}

// buildOptions maps the configuration onto the publishing run options
func buildOptions(cfg *config.Config) publisher.Options {
	o := cfg.Options
	source := cfg.Connections.Source

	return publisher.Options{
		Streaming: streaming.Options{
			PageSize:                      o.StreamingPageSize,
			ChangeVersionPagingWindowSize: o.ChangeVersionPagingWindowSize,
			UseChangeVersionPaging:        o.UseChangeVersionPaging,
			UseReversePaging:              o.UseReversePaging,
			MaxConcurrentResourceStreams:  o.MaxConcurrentResourceStreams,
			MaxDegreeOfParallelismForResourceItems:       o.MaxDegreeOfParallelismForResourceItems,
			MaxDegreeOfParallelismForStreamResourcePages: o.MaxDegreeOfParallelismForStreamResourcePages,
			StreamingPagesWaitDuration: config.Duration(o.StreamingPagesWaitDuration,
				streaming.DefaultStreamingPagesWaitDuration),
			Retry: retry.Policy{
				StartingDelay:        config.Duration(o.RetryStartingDelay, retry.DefaultStartingDelay),
				MaxAttempts:          o.MaxRetryAttempts,
				TransientStatusCodes: o.PotentiallyTransientStatusCodes,
			},
		},
		Selection: dependencies.Selection{
			Include:     config.SplitPaths(source.Include),
			IncludeOnly: config.SplitPaths(source.IncludeOnly),
			Exclude:     config.SplitPaths(source.Exclude),
			ExcludeOnly: config.SplitPaths(source.ExcludeOnly),
		},
		IncludeDescriptors:          o.IncludeDescriptors == nil || *o.IncludeDescriptors,
		AuthorizationRules:          cfg.AuthorizationFailureHandling,
		IgnoreIsolation:             source.IgnoreIsolation,
		LastChangeVersionProcessed:  source.LastChangeVersionProcessed,
		TreatForbiddenPostAsWarning: cfg.Connections.Target.TreatForbiddenPostAsWarning,
		MaxMissingDependencyDepth:   o.MaxMissingDependencyDepth,
		UseSourceDependencyMetadata: o.UseSourceDependencyMetadata,
		WhatIf:                      o.WhatIf,
	}
}

func processorOptions(cfg *config.Config, tel *telemetry.Telemetry, out io.Writer) ([]publisher.Option, error) {
	metrics, err := telemetry.NewPublisherMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher metrics: %w", err)
	}

	errorPublisher := streaming.MultiPublisher{streaming.NewLogPublisher(slog.Default())}
	if cfg.ErrorPublishing.File != "" {
		errorPublisher = append(errorPublisher, streaming.NewFilePublisher(cfg.ErrorPublishing.File))
	}

	opts := []publisher.Option{
		publisher.WithMetrics(metrics),
		publisher.WithTracer(tel.Tracer(publisherTracerName)),
		publisher.WithErrorPublisher(errorPublisher),
		publisher.WithErrorBatchSize(cfg.ErrorPublishing.BatchSize),
		publisher.WithReportWriter(out),
	}

	if len(cfg.Remediations) > 0 {
		hook, err := remediation.NewScriptHook(cfg.Remediations,
			remediation.WithTimeout(config.Duration(cfg.Options.RemediationTimeout, remediation.DefaultTimeout)))
		if err != nil {
			return nil, fmt.Errorf("failed to create remediation hook: %w", err)
		}
		opts = append(opts, publisher.WithRemediation(hook))
	}
	return opts, nil
}

// startStatusServer serves the run status on address until shut down
func startStatusServer(address string, provider status.Provider, tel *telemetry.Telemetry) (*http.Server, error) {
	metricsMiddleware, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics middleware: %w", err)
	}

	router := status.NewServer(provider,
		status.WithGatherer(tel.Gatherer()),
		status.WithMiddlewares(
			middleware.RequestID,
			middleware.Recoverer,
			telemetry.TracingMiddleware(tel.TracerProvider()),
			metricsMiddleware,
			status.LoggingMiddleware,
		),
	)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
	go func() {
		slog.Info("Status server listening", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status server failed", "error", err)
		}
	}()
	return server, nil
}

func printSummary(out io.Writer, result *publisher.Result) {
	if result == nil || result.WhatIf {
		return
	}
	fmt.Fprintf(out, "Change window: %s\n", result.ChangeWindow)
	for _, phase := range result.Phases {
		if phase.Skipped() {
			fmt.Fprintf(out, "  %-12s skipped (%s)\n", phase.Phase, phase.SkipReason)
			continue
		}
		fmt.Fprintf(out, "  %-12s %d items, %d faulted resources, %s\n",
			phase.Phase, phase.Run.Items, len(phase.Run.Faulted), phase.Run.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "Errors: %d, change version recorded: %t\n", result.ErrorCount, result.WatermarkAdvanced)
}
