// Package publisher sequences a publishing run: it checks the two APIs, pins the source to
// a snapshot, works out the change window, prepares the dependency graphs and streams the
// key-change, upsert and delete phases before recording the new change version.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/capabilities"
	"github.com/stacklok/api-publisher/internal/changes"
	"github.com/stacklok/api-publisher/internal/dependencies"
	"github.com/stacklok/api-publisher/internal/otel"
	"github.com/stacklok/api-publisher/internal/remediation"
	"github.com/stacklok/api-publisher/internal/resources"
	"github.com/stacklok/api-publisher/internal/state"
	"github.com/stacklok/api-publisher/internal/status"
	"github.com/stacklok/api-publisher/internal/streaming"
	"github.com/stacklok/api-publisher/internal/telemetry"
)

const defaultErrorDrainTimeout = 30 * time.Second

// Options configure a publishing run
type Options struct {
	Streaming streaming.Options

	// Selection narrows the resources taken from the dependency metadata
	Selection dependencies.Selection

	IncludeDescriptors bool

	// AuthorizationRules add #Retry pipelines for resources rejected with 403
	AuthorizationRules []dependencies.AuthorizationRule

	// IgnoreIsolation publishes without a snapshot when none can be acquired
	IgnoreIsolation bool

	// LastChangeVersionProcessed overrides the stored change version when set
	LastChangeVersionProcessed *int64

	TreatForbiddenPostAsWarning bool
	MaxMissingDependencyDepth   int

	// UseSourceDependencyMetadata reads the dependency graph from the source instead of
	// the target
	UseSourceDependencyMetadata bool

	// WhatIf reports the plan and stops before anything is written
	WhatIf bool

	// ErrorDrainTimeout bounds the final flush of published item errors
	ErrorDrainTimeout time.Duration
}

// Result summarizes a publishing run
type Result struct {
	// ChangeWindow is the published range, nil when the source has no change queries
	ChangeWindow *changes.Window

	Phases []PhaseResult

	// ErrorCount is the number of item failures published
	ErrorCount int64

	WatermarkAdvanced bool
	WhatIf            bool
	Duration          time.Duration
}

// PhaseResult is the outcome of one streaming phase
type PhaseResult struct {
	Phase streaming.Kind

	// SkipReason explains why the phase did not run, empty when it ran
	SkipReason string

	Run *streaming.RunResult
}

// Skipped reports whether the phase did not run
func (p PhaseResult) Skipped() bool {
	return p.Run == nil
}

// completed reports whether every pipeline of the phase finished. A resource cancelled
// because the source lacks natural key metadata counts as complete: retrying the same
// window cannot succeed either. Any other cancellation does not.
func (p PhaseResult) completed() bool {
	if p.Run == nil || p.Run.Succeeded() {
		return true
	}
	if len(p.Run.Faulted) > 0 || p.Run.Cancelled != nil {
		return false
	}
	for _, cause := range p.Run.CancelledResources {
		if !errors.Is(cause, streaming.ErrUnsupportedKeyMetadata) {
			return false
		}
	}
	return true
}

// ChangeProcessor publishes the changes of a source API to a target API
type ChangeProcessor interface {
	// Process runs one publishing run. The returned result is never nil, even on error.
	Process(ctx context.Context) (*Result, error)

	// Status returns the live state of the run
	Status() status.RunStatus
}

// Option configures the change processor
type Option func(*changeProcessor)

// WithMetrics records run and item metrics
func WithMetrics(metrics *telemetry.PublisherMetrics) Option {
	return func(p *changeProcessor) {
		p.metrics = metrics
	}
}

// WithTracer traces the run and its resource pipelines
func WithTracer(tracer trace.Tracer) Option {
	return func(p *changeProcessor) {
		p.tracer = tracer
	}
}

// WithErrorPublisher sets where failed items are reported. Defaults to the process logger.
func WithErrorPublisher(publisher streaming.Publisher) Option {
	return func(p *changeProcessor) {
		p.errorPublisher = publisher
	}
}

// WithErrorBatchSize sets how many failed items are published together
func WithErrorBatchSize(size int) Option {
	return func(p *changeProcessor) {
		p.errorBatchSize = size
	}
}

// WithRemediation consults hook for failed upserts
func WithRemediation(hook remediation.Hook) Option {
	return func(p *changeProcessor) {
		p.remediation = hook
	}
}

// WithReportWriter sets where the what-if report is written. Defaults to stdout.
func WithReportWriter(w io.Writer) Option {
	return func(p *changeProcessor) {
		p.report = w
	}
}

// WithProbers replaces the capability probers of the two connections
func WithProbers(source, target capabilities.Prober) Option {
	return func(p *changeProcessor) {
		p.sourceProber = source
		p.targetProber = target
	}
}

// WithDependencyProvider replaces the dependency metadata read from the APIs
func WithDependencyProvider(provider dependencies.Provider) Option {
	return func(p *changeProcessor) {
		p.dependencyProvider = provider
	}
}

// changeProcessor implements ChangeProcessor
type changeProcessor struct {
	source apiclient.Client
	target apiclient.Client
	store  state.ChangeVersionStore
	opts   Options

	sourceProber       capabilities.Prober
	targetProber       capabilities.Prober
	dependencyProvider dependencies.Provider
	errorPublisher     streaming.Publisher
	errorBatchSize     int
	remediation        remediation.Hook
	metrics            *telemetry.PublisherMetrics
	tracer             trace.Tracer
	report             io.Writer

	mu        sync.RWMutex
	status    status.RunStatus
	scheduler *streaming.Scheduler
	sink      *streaming.ErrorSink
}

var _ ChangeProcessor = (*changeProcessor)(nil)

// NewChangeProcessor creates a processor publishing from source to target. store keeps the
// change version between runs. A processor runs once.
func NewChangeProcessor(
	source, target apiclient.Client,
	store state.ChangeVersionStore,
	opts Options,
	processorOpts ...Option,
) ChangeProcessor {
	if opts.ErrorDrainTimeout <= 0 {
		opts.ErrorDrainTimeout = defaultErrorDrainTimeout
	}

	p := &changeProcessor{
		source: source,
		target: target,
		store:  store,
		opts:   opts,
		status: status.RunStatus{
			Phase:  status.RunPhasePending,
			Source: source.Name(),
			Target: target.Name(),
		},
	}
	for _, opt := range processorOpts {
		opt(p)
	}

	if p.sourceProber == nil {
		p.sourceProber = capabilities.NewProber(source)
	}
	if p.targetProber == nil {
		p.targetProber = capabilities.NewProber(target)
	}
	if p.dependencyProvider == nil {
		metadataSource := target
		if opts.UseSourceDependencyMetadata {
			metadataSource = source
		}
		p.dependencyProvider = dependencies.NewMetadataProvider(metadataSource)
	}
	if p.errorPublisher == nil {
		p.errorPublisher = streaming.NewLogPublisher(slog.Default())
	}
	if p.report == nil {
		p.report = os.Stdout
	}
	return p
}

// Status implements status.Provider
func (p *changeProcessor) Status() status.RunStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	current := p.status
	if p.scheduler != nil {
		current.Resources = p.scheduler.Progress()
	}
	if p.sink != nil {
		current.ErrorCount = p.sink.Count()
	}
	return current
}

// Process implements ChangeProcessor
func (p *changeProcessor) Process(ctx context.Context) (*Result, error) {
	start := time.Now()
	sourceName, targetName := p.source.Name(), p.target.Name()

	ctx, span := otel.StartSpan(ctx, p.tracer, "publisher.process",
		otel.AttrSource.String(sourceName),
		otel.AttrTarget.String(targetName))

	p.begin(start)
	slog.Info("Publishing started", "source", sourceName, "target", targetName, "what_if", p.opts.WhatIf)

	result := &Result{WhatIf: p.opts.WhatIf}
	err := p.process(ctx, result)
	result.Duration = time.Since(start)
	if result.ChangeWindow != nil {
		span.SetAttributes(
			otel.AttrWindowMin.Int64(result.ChangeWindow.Min),
			otel.AttrWindowMax.Int64(result.ChangeWindow.Max))
	}
	otel.EndSpan(span, err)

	p.metrics.RecordRunDuration(ctx, sourceName, targetName, result.Duration, err == nil)
	p.end(result, err)

	if err != nil {
		slog.Error("Publishing failed",
			"source", sourceName,
			"target", targetName,
			"error", err,
			"duration", result.Duration)
		return result, err
	}

	slog.Info("Publishing completed",
		"source", sourceName,
		"target", targetName,
		"change_window", result.ChangeWindow.String(),
		"watermark_advanced", result.WatermarkAdvanced,
		"duration", result.Duration)
	return result, nil
}

func (p *changeProcessor) process(ctx context.Context, result *Result) error {
	p.setStep(PhaseVersionCheck)
	sourceCaps, err := p.checkVersions(ctx)
	if err != nil {
		return err
	}

	p.setStep(PhaseIsolation)
	if err := p.isolate(ctx, sourceCaps); err != nil {
		return err
	}

	p.setStep(PhaseChangeWindow)
	window, err := p.establishChangeWindow(ctx, sourceCaps)
	if err != nil {
		return err
	}
	result.ChangeWindow = window.window
	p.setChangeWindow(window.window)
	if window.window != nil && window.window.IsEmpty() {
		slog.Info("No changes to publish",
			"last_processed", window.lastProcessed,
			"newest", window.newest)
		return nil
	}

	p.setStep(PhaseDependencies)
	plan, err := p.prepareDependencies(ctx, sourceCaps)
	if err != nil {
		return err
	}

	if p.opts.WhatIf {
		if err := writeWhatIfReport(p.report, p.source.Name(), p.target.Name(), window, plan); err != nil {
			return newError(PhaseDependencies, err, "failed to write what-if report")
		}
		return nil
	}

	return p.publish(ctx, result, sourceCaps, window, plan)
}

// checkVersions probes both APIs and makes sure their data models share a major version
func (p *changeProcessor) checkVersions(ctx context.Context) (*capabilities.Capabilities, error) {
	sourceCaps, err := p.sourceProber.Probe(ctx)
	if err != nil {
		return nil, newError(PhaseVersionCheck, err, "failed to probe source API")
	}
	targetCaps, err := p.targetProber.Probe(ctx)
	if err != nil {
		return nil, newError(PhaseVersionCheck, err, "failed to probe target API")
	}
	if err := checkCompatibility(sourceCaps, targetCaps); err != nil {
		return nil, newError(PhaseVersionCheck, err, "source and target APIs are not compatible")
	}
	return sourceCaps, nil
}

func checkCompatibility(source, target *capabilities.Capabilities) error {
	for name, sourceVersion := range source.DataModels {
		targetVersion, ok := target.DataModels[name]
		if !ok {
			slog.Warn("Data model of the source is not reported by the target", "data_model", name)
			continue
		}
		sv, err := semver.NewVersion(sourceVersion)
		if err != nil {
			return fmt.Errorf("invalid source version %q of data model %s: %w", sourceVersion, name, err)
		}
		tv, err := semver.NewVersion(targetVersion)
		if err != nil {
			return fmt.Errorf("invalid target version %q of data model %s: %w", targetVersion, name, err)
		}
		if sv.Major() != tv.Major() {
			return fmt.Errorf("data model %s is version %s on the source but %s on the target",
				name, sourceVersion, targetVersion)
		}
	}
	return nil
}

// isolate pins the source to its newest snapshot when the source supports snapshots
func (p *changeProcessor) isolate(ctx context.Context, caps *capabilities.Capabilities) error {
	if !caps.Snapshots {
		slog.Info("Source does not support snapshots, publishing without isolation", "source", p.source.Name())
		return nil
	}

	id, err := p.sourceProber.AcquireSnapshot(ctx)
	if err != nil {
		if p.opts.IgnoreIsolation {
			slog.Warn("Publishing without snapshot isolation", "source", p.source.Name(), "error", err)
			return nil
		}
		return newError(PhaseIsolation, err, "failed to isolate the source; enable ignoreIsolation to publish without a snapshot")
	}

	p.source.SetSnapshotIdentifier(id)
	slog.Info("Source isolated", "source", p.source.Name(), "snapshot", id)
	return nil
}

// changeWindowPlan is the range published by a run
type changeWindowPlan struct {
	// window is nil when the source has no change queries
	window        *changes.Window
	incremental   bool
	lastProcessed int64
	newest        int64
}

func (w changeWindowPlan) describe() string {
	switch {
	case w.window == nil:
		return "unavailable (full publish)"
	case !w.incremental:
		return fmt.Sprintf("%s (initial load)", w.window)
	default:
		return w.window.String()
	}
}

func (p *changeProcessor) establishChangeWindow(
	ctx context.Context,
	caps *capabilities.Capabilities,
) (changeWindowPlan, error) {
	if !caps.ChangeQueries {
		slog.Warn("Source does not support change queries, publishing all data",
			"source", p.source.Name(), "version", caps.Version)
		return changeWindowPlan{lastProcessed: changes.NoPreviousVersion}, nil
	}

	available, err := p.sourceProber.AvailableChangeVersions(ctx)
	if err != nil {
		return changeWindowPlan{}, newError(PhaseChangeWindow, err, "failed to read available change versions")
	}

	last := changes.NoPreviousVersion
	if p.opts.LastChangeVersionProcessed != nil {
		last = *p.opts.LastChangeVersionProcessed
		slog.Info("Using configured last processed change version", "version", last)
	} else {
		stored, found, err := p.store.GetProcessedChangeVersion(ctx, p.source.Name(), p.target.Name())
		if err != nil {
			return changeWindowPlan{}, newError(PhaseChangeWindow, err, "failed to read last processed change version")
		}
		if found {
			last = stored
		}
	}

	if last > available.Newest {
		slog.Warn("Last processed change version is ahead of the source",
			"last_processed", last, "newest", available.Newest)
	}
	if last != changes.NoPreviousVersion && last+1 < available.Oldest {
		slog.Warn("Source no longer tracks every change since the last run, deletes and key changes may be missed",
			"last_processed", last, "oldest", available.Oldest)
	}

	window, err := changes.NewWindow(last, available.Newest)
	if err != nil {
		return changeWindowPlan{}, newError(PhaseChangeWindow, err, "failed to establish change window")
	}

	slog.Info("Change window established",
		"window", window.String(),
		"initial_load", last == changes.NoPreviousVersion)
	return changeWindowPlan{
		window:        window,
		incremental:   last != changes.NoPreviousVersion,
		lastProcessed: last,
		newest:        available.Newest,
	}, nil
}

// graphPlan holds the dependency graph of every phase
type graphPlan struct {
	upsert    *dependencies.Graph
	delete    *dependencies.Graph
	keyChange *dependencies.Graph
}

func (p *changeProcessor) prepareDependencies(
	ctx context.Context,
	caps *capabilities.Capabilities,
) (*graphPlan, error) {
	graph, err := p.dependencyProvider.Dependencies(ctx)
	if err != nil {
		return nil, newError(PhaseDependencies, err, "failed to load resource dependencies")
	}

	if !p.opts.IncludeDescriptors {
		graph = dependencies.WithoutDescriptors(graph, resources.IsDescriptor)
	}
	graph, err = p.opts.Selection.Apply(graph)
	if err != nil {
		return nil, newError(PhaseDependencies, err, "failed to apply resource selection")
	}
	if graph.Len() == 0 {
		return nil, newError(PhaseDependencies, nil, "no resources selected for publishing")
	}

	upsert := dependencies.ApplyAuthorizationRetry(graph, p.opts.AuthorizationRules)
	if err := upsert.Validate(); err != nil {
		return nil, newError(PhaseDependencies, err, "invalid upsert dependency graph")
	}

	plan := &graphPlan{
		upsert: upsert,
		delete: dependencies.InvertForDelete(graph, resources.IsDescriptor),
	}
	if caps.KeyChanges {
		plan.keyChange, err = dependencies.ReduceForKeyChanges(graph, caps.SupportsKeyChanges)
		if err != nil {
			return nil, newError(PhaseDependencies, err, "failed to build key change dependency graph")
		}
	}

	slog.Info("Dependencies prepared",
		"resources", graph.Len(),
		"upsert_pipelines", plan.upsert.Len(),
		"delete_pipelines", plan.delete.Len())
	return plan, nil
}

// publish streams the phases, drains the error sink and records the change version
func (p *changeProcessor) publish(
	ctx context.Context,
	result *Result,
	caps *capabilities.Capabilities,
	window changeWindowPlan,
	plan *graphPlan,
) error {
	sink := streaming.NewErrorSink(p.errorPublisher, streaming.WithBatchSize(p.errorBatchSize))

	streamingOpts := p.opts.Streaming
	streamingOpts.OnStateChange = func(phase streaming.Kind, resource string, state streaming.ResourceState) {
		p.metrics.RecordStreamState(ctx, string(phase), resource, string(state))
	}
	scheduler := streaming.NewScheduler(p.source, sink, streamingOpts, streaming.WithTracer(p.tracer))

	p.mu.Lock()
	p.sink = sink
	p.scheduler = scheduler
	p.mu.Unlock()

	stageCfg := streaming.StageConfig{
		Source: p.source,
		Target: p.target,
		Sink:   sink,
		Retry:  p.opts.Streaming.Retry,
	}
	if p.metrics != nil {
		stageCfg.Recorder = p.metrics
	}

	skipReason := ""
	switch {
	case window.window == nil:
		skipReason = "source does not support change queries"
	case !window.incremental:
		skipReason = "initial load"
	}

	steps := []struct {
		phase Phase
		kind  streaming.Kind
		skip  string
		build func() streaming.Plan
	}{
		{
			phase: PhaseKeyChanges,
			kind:  streaming.KindKeyChange,
			skip:  keyChangeSkipReason(skipReason, plan),
			build: func() streaming.Plan {
				return streaming.Plan{
					Stage:  streaming.NewKeyChangeStage(stageCfg),
					Graph:  plan.keyChange,
					Window: window.window,
					Skip:   func(resource string) bool { return !caps.SupportsKeyChanges(resource) },
				}
			},
		},
		{
			phase: PhaseUpserts,
			kind:  streaming.KindUpsert,
			build: func() streaming.Plan {
				return streaming.Plan{
					Stage:  streaming.NewUpsertStage(stageCfg, p.upsertOptions()),
					Graph:  plan.upsert,
					Window: window.window,
				}
			},
		},
		{
			phase: PhaseDeletes,
			kind:  streaming.KindDelete,
			skip:  skipReason,
			build: func() streaming.Plan {
				return streaming.Plan{
					Stage:  streaming.NewDeleteStage(stageCfg),
					Graph:  plan.delete,
					Window: window.window,
					Skip:   func(resource string) bool { return !caps.SupportsDeletes(resource) },
				}
			},
		},
	}

	var runErr error
	for _, step := range steps {
		if step.skip != "" {
			slog.Info("Skipping phase", "phase", step.kind, "reason", step.skip)
			result.Phases = append(result.Phases, PhaseResult{Phase: step.kind, SkipReason: step.skip})
			continue
		}
		if ctx.Err() != nil {
			runErr = newError(step.phase, ctx.Err(), "publishing cancelled")
			break
		}

		p.setStep(step.phase)
		run, err := scheduler.Run(ctx, step.build())
		if err != nil {
			runErr = newError(step.phase, err, "failed to stream %s", step.kind)
			break
		}
		result.Phases = append(result.Phases, PhaseResult{Phase: step.kind, Run: run})
		for resource, cause := range run.CancelledResources {
			if errors.Is(cause, streaming.ErrUnsupportedKeyMetadata) {
				slog.Warn("Resource skipped, the source does not expose natural key values",
					"phase", step.kind, "resource", resource)
			}
		}
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ErrorDrainTimeout)
	defer cancel()
	if err := sink.Close(drainCtx); err != nil {
		slog.Error("Failed to drain published errors", "error", err)
		if runErr == nil {
			runErr = newError(PhaseFinalize, err, "failed to drain published errors")
		}
	}
	result.ErrorCount = sink.Count()

	if runErr != nil {
		return runErr
	}
	return p.finalize(ctx, result, window)
}

func keyChangeSkipReason(base string, plan *graphPlan) string {
	if base != "" {
		return base
	}
	if plan.keyChange == nil {
		return "source does not track key changes"
	}
	return ""
}

func (p *changeProcessor) upsertOptions() streaming.UpsertOptions {
	retryPaths := make([]string, 0, len(p.opts.AuthorizationRules))
	for _, rule := range p.opts.AuthorizationRules {
		retryPaths = append(retryPaths, rule.Path)
	}
	return streaming.UpsertOptions{
		RetryPaths:                retryPaths,
		TreatForbiddenAsWarning:   p.opts.TreatForbiddenPostAsWarning,
		Remediation:               p.remediation,
		MaxMissingDependencyDepth: p.opts.MaxMissingDependencyDepth,
		SourceConnection:          p.source.Name(),
		TargetConnection:          p.target.Name(),
	}
}

// finalize records the newest change version once every item and pipeline succeeded
func (p *changeProcessor) finalize(ctx context.Context, result *Result, window changeWindowPlan) error {
	p.setStep(PhaseFinalize)

	var incomplete []string
	for _, phase := range result.Phases {
		if !phase.completed() {
			incomplete = append(incomplete, string(phase.Phase))
		}
	}

	if result.ErrorCount > 0 || len(incomplete) > 0 {
		return newError(PhaseFinalize, nil,
			"processing did not complete successfully (%d item errors, incomplete phases %v); change version not recorded",
			result.ErrorCount, incomplete)
	}

	if window.window == nil {
		return nil
	}

	err := p.store.SetProcessedChangeVersion(ctx, p.source.Name(), p.target.Name(), window.newest)
	if err != nil {
		return newError(PhaseFinalize, err, "failed to record processed change version %d", window.newest)
	}
	result.WatermarkAdvanced = true
	slog.Info("Recorded processed change version",
		"source", p.source.Name(),
		"target", p.target.Name(),
		"version", window.newest)
	return nil
}

func (p *changeProcessor) begin(start time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Phase = status.RunPhaseRunning
	p.status.StartedAt = &start
}

func (p *changeProcessor) setStep(phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Step = string(phase)
}

func (p *changeProcessor) setChangeWindow(window *changes.Window) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.ChangeWindow = window
}

func (p *changeProcessor) end(result *Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	finished := time.Now()
	p.status.FinishedAt = &finished
	p.status.ErrorCount = result.ErrorCount
	if err != nil {
		p.status.Phase = status.RunPhaseFailed
		p.status.Message = err.Error()
		return
	}
	p.status.Phase = status.RunPhaseComplete
	p.status.Message = ""
}
