package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/changes"
	"github.com/stacklok/api-publisher/internal/dependencies"
	"github.com/stacklok/api-publisher/internal/otel"
)

// Plan describes one phase to stream
type Plan struct {
	Stage Stage

	// Graph orders the resources; each key gets one pipeline
	Graph *dependencies.Graph

	// Window scopes the items; nil streams everything
	Window *changes.Window

	// Skip reports resources that take part in ordering but stream nothing
	Skip func(resourcePath string) bool
}

// RunResult summarizes a phase
type RunResult struct {
	Phase Kind

	// Completed lists the resources whose pipelines ran to completion
	Completed []string

	// Faulted maps resources whose pipelines failed to the failure
	Faulted map[string]error

	// Cancelled is the cause of a cancellation of the whole phase, nil when the phase was not
	// cancelled
	Cancelled error

	// CancelledResources maps resources whose pipelines stopped before streaming every page
	// to the cause
	CancelledResources map[string]error

	// Items is the number of action messages dispatched
	Items int64

	Duration time.Duration
}

// Succeeded reports whether every pipeline completed without cancellation
func (r *RunResult) Succeeded() bool {
	return len(r.Faulted) == 0 && r.Cancelled == nil && len(r.CancelledResources) == 0
}

// ResourceProgress is the live state of one resource pipeline
type ResourceProgress struct {
	Phase        Kind          `json:"phase"`
	Resource     string        `json:"resource"`
	State        ResourceState `json:"state"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Items        int64         `json:"items"`
	Error        string        `json:"error,omitempty"`

	cause error
}

// Scheduler streams every resource of a phase through its own pipeline. A resource starts
// once all of its dependencies completed and a concurrency slot is free.
type Scheduler struct {
	source   apiclient.Client
	sink     *ErrorSink
	opts     Options
	producer *PageProducer
	tracer   trace.Tracer

	mu       sync.Mutex
	progress map[string]*ResourceProgress
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithTracer records a span per resource pipeline
func WithTracer(tracer trace.Tracer) SchedulerOption {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

// NewScheduler creates a scheduler reading pages from source and posting failures to sink
func NewScheduler(source apiclient.Client, sink *ErrorSink, opts Options, schedulerOpts ...SchedulerOption) *Scheduler {
	opts = opts.WithDefaults()
	s := &Scheduler{
		source:   source,
		sink:     sink,
		opts:     opts,
		producer: NewPageProducer(source, opts),
		progress: make(map[string]*ResourceProgress),
	}
	for _, opt := range schedulerOpts {
		opt(s)
	}
	return s
}

// Progress returns a snapshot of the current or last phase, ordered by resource
func (s *Scheduler) Progress() []ResourceProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ResourceProgress, 0, len(s.progress))
	for _, p := range s.progress {
		snapshot := *p
		snapshot.Dependencies = append([]string(nil), p.Dependencies...)
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Run streams the plan and blocks until every pipeline finished. The returned error is
// reserved for plans that cannot start; pipeline failures are reported in the result.
func (s *Scheduler) Run(ctx context.Context, plan Plan) (*RunResult, error) {
	if plan.Stage == nil {
		return nil, errors.New("plan has no stage")
	}
	if plan.Graph == nil {
		return nil, errors.New("plan has no dependency graph")
	}
	order, err := plan.Graph.Order()
	if err != nil {
		return nil, fmt.Errorf("failed to order resources: %w", err)
	}

	start := time.Now()
	phase := plan.Stage.Kind()
	messages := s.messages(plan, order)
	s.reset(phase, messages)

	stream, cancelPhase := context.WithCancelCause(ctx)
	defer cancelPhase(nil)

	fetcher := &pageFetcher{
		source: s.source,
		policy: s.opts.Retry,
		sink:   s.sink,
		stage:  plan.Stage,
	}
	slots := semaphore.NewWeighted(int64(s.opts.MaxConcurrentResourceStreams))

	done := make(map[string]chan struct{}, len(order))
	for _, key := range order {
		done[key] = make(chan struct{})
	}

	slog.Info("Streaming resources", "phase", phase, "resources", len(order), "window", plan.Window.String(),
		"max_concurrent_streams", s.opts.MaxConcurrentResourceStreams)

	var wg sync.WaitGroup
	for _, key := range order {
		msg := messages[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[key])
			s.runResource(ctx, stream, slots, fetcher, msg, done)
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	s.monitor(phase, allDone)

	result := &RunResult{
		Phase:              phase,
		Faulted:            make(map[string]error),
		CancelledResources: make(map[string]error),
		Duration:           time.Since(start),
	}
	if stream.Err() != nil {
		result.Cancelled = context.Cause(stream)
	}
	for _, p := range s.Progress() {
		result.Items += p.Items
		switch p.State {
		case StateFaulted:
			result.Faulted[p.Resource] = errors.New(p.Error)
		case StateCancelled:
			result.CancelledResources[p.Resource] = p.cause
		case StateCompleted:
			result.Completed = append(result.Completed, p.Resource)
		}
	}

	slog.Info("Streaming finished", "phase", phase, "completed", len(result.Completed),
		"faulted", len(result.Faulted), "cancelled", len(result.CancelledResources),
		"items", result.Items, "duration", result.Duration)
	return result, nil
}

func (s *Scheduler) messages(plan Plan, order []string) map[string]StreamResourceMessage {
	messages := make(map[string]StreamResourceMessage, len(order))
	for _, key := range order {
		resourcePath := dependencies.BaseKey(key)
		messages[key] = StreamResourceMessage{
			ResourceKey:  key,
			ResourcePath: resourcePath,
			Window:       plan.Window,
			Dependencies: plan.Graph.Dependencies(key),
			PageSize:     s.opts.PageSize,
			Skip:         plan.Skip != nil && plan.Skip(resourcePath),
		}
	}
	return messages
}

func (s *Scheduler) reset(phase Kind, messages map[string]StreamResourceMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = make(map[string]*ResourceProgress, len(messages))
	for key, msg := range messages {
		s.progress[key] = &ResourceProgress{
			Phase:        phase,
			Resource:     key,
			State:        StateWaiting,
			Dependencies: msg.Dependencies,
		}
	}
}

func (s *Scheduler) setState(phase Kind, key string, state ResourceState, err error) {
	s.mu.Lock()
	if p, ok := s.progress[key]; ok {
		p.State = state
		if err != nil {
			p.Error = err.Error()
			p.cause = err
		}
	}
	s.mu.Unlock()

	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(phase, key, state)
	}
}

func (s *Scheduler) addItems(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.progress[key]; ok {
		p.Items += int64(n)
	}
}

// runResource drives one pipeline through Waiting, SlotAcquired, Streaming and a terminal
// state. The slot is released only after the terminal state is recorded.
func (s *Scheduler) runResource(
	ctx, stream context.Context,
	slots *semaphore.Weighted,
	fetcher *pageFetcher,
	msg StreamResourceMessage,
	done map[string]chan struct{},
) {
	phase := fetcher.stage.Kind()
	key := msg.ResourceKey

	for _, dep := range msg.Dependencies {
		if ch, ok := done[dep]; ok {
			<-ch
		}
	}

	if err := slots.Acquire(ctx, 1); err != nil {
		s.setState(phase, key, StateCancelled, fmt.Errorf("failed to acquire stream slot: %w", err))
		return
	}
	defer slots.Release(1)

	spanCtx, span := otel.StartSpan(ctx, s.tracer, "streaming.resource",
		otel.AttrPhase.String(string(phase)),
		otel.AttrResource.String(key))

	var err, cancelled error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
			slog.Error("Pipeline panicked", "phase", phase, "resource", key, "panic", r, "stack", string(debug.Stack()))
		}
		otel.EndSpan(span, err)
		switch {
		case err != nil:
			slog.Error("Pipeline faulted", "phase", phase, "resource", key, "error", err)
			s.setState(phase, key, StateFaulted, err)
		case cancelled != nil:
			slog.Warn("Pipeline cancelled", "phase", phase, "resource", key, "cause", cancelled)
			s.setState(phase, key, StateCancelled, cancelled)
		default:
			s.setState(phase, key, StateCompleted, nil)
		}
	}()

	s.setState(phase, key, StateSlotAcquired, nil)
	if stream.Err() != nil {
		cancelled = context.Cause(stream)
		return
	}
	if msg.Skip {
		return
	}

	s.setState(phase, key, StateStreaming, nil)
	var items int
	items, cancelled, err = s.stream(spanCtx, stream, fetcher, msg)
	span.SetAttributes(otel.AttrResultCount.Int(items))
}

// stream runs the stages of one resource: page production, concurrent page fetches and
// concurrent item processing, connected by bounded channels. It returns the items
// dispatched, the cause when the resource was cancelled before finishing and the error that
// faulted it.
func (s *Scheduler) stream(
	ctx, stream context.Context, fetcher *pageFetcher, msg StreamResourceMessage,
) (int, error, error) {
	resource, cancelResource := context.WithCancelCause(stream)
	defer cancelResource(nil)

	actions := make(chan ActionMessage, s.opts.MaxDegreeOfParallelismForResourceItems)

	var workers errgroup.Group
	for range s.opts.MaxDegreeOfParallelismForResourceItems {
		workers.Go(func() error {
			for action := range actions {
				if resource.Err() != nil {
					continue
				}
				if err := process(ctx, fetcher.stage, action); err != nil {
					cancelResource(err)
					return err
				}
			}
			return nil
		})
	}

	var producers errgroup.Group
	var mu sync.Mutex
	dispatched := 0
	dispatch := func(n int) {
		mu.Lock()
		dispatched += n
		mu.Unlock()
		s.addItems(msg.ResourceKey, n)
	}

	if dependencies.IsRetryKey(msg.ResourceKey) {
		producers.Go(func() error {
			deferrer, ok := fetcher.stage.(Deferrer)
			if !ok {
				return nil
			}
			deferred := deferrer.Deferred(msg.ResourcePath)
			if len(deferred) > 0 {
				slog.Info("Retrying deferred items", "resource", msg.ResourcePath, "items", len(deferred))
			}
			for _, action := range deferred {
				select {
				case actions <- action:
					dispatch(1)
				case <-resource.Done():
					return nil
				}
			}
			return nil
		})
	} else {
		result := s.producer.Produce(resource, msg, fetcher.stage.SourcePath(msg.ResourcePath))
		if result.Status != PagesProduced {
			slog.Warn("No pages streamed", "phase", fetcher.stage.Kind(), "resource", msg.ResourcePath, "status", result.Status)
		}

		pages := make(chan PageMessage, s.opts.MaxDegreeOfParallelismForStreamResourcePages)
		producers.Go(func() error {
			defer close(pages)
			for _, page := range result.Pages {
				select {
				case pages <- page:
				case <-resource.Done():
					return nil
				}
			}
			return nil
		})
		for range s.opts.MaxDegreeOfParallelismForStreamResourcePages {
			producers.Go(func() error {
				for page := range pages {
					n, err := fetchPage(ctx, resource, cancelResource, fetcher, page, actions)
					dispatch(n)
					if err != nil {
						cancelResource(err)
						return err
					}
				}
				return nil
			})
		}
	}

	producerErr := producers.Wait()
	close(actions)
	if err := workers.Wait(); err != nil {
		return dispatched, nil, err
	}
	if producerErr != nil {
		return dispatched, nil, producerErr
	}
	if resource.Err() != nil {
		return dispatched, context.Cause(resource), nil
	}
	return dispatched, nil, nil
}

// process runs one action, turning a panic into an error
func process(ctx context.Context, stage Stage, action ActionMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing %s panicked: %v", action.MessageID(), r)
			slog.Error("Action panicked", "resource", action.Resource(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return stage.Process(ctx, action)
}

// fetchPage reads one page, turning a panic into an error
func fetchPage(
	ctx, stream context.Context,
	cancel context.CancelCauseFunc,
	fetcher *pageFetcher,
	page PageMessage,
	out chan<- ActionMessage,
) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading page at offset %d panicked: %v", page.Offset, r)
			slog.Error("Page fetch panicked", "resource", page.ResourcePath, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return fetcher.fetch(ctx, stream, cancel, page, out), nil
}

// monitor logs which resources are streaming and which wait on dependencies until done
// is closed
func (s *Scheduler) monitor(phase Kind, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.StreamingPagesWaitDuration)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var streaming, waiting []string
			for _, p := range s.Progress() {
				switch p.State {
				case StateSlotAcquired, StateStreaming:
					streaming = append(streaming, p.Resource)
				case StateWaiting:
					waiting = append(waiting, fmt.Sprintf("%s (on %v)", p.Resource, s.pending(p.Dependencies)))
				}
			}
			slog.Info("Streaming in progress", "phase", phase, "streaming", streaming, "waiting", waiting)
		}
	}
}

// pending returns the dependencies that have not finished
func (s *Scheduler) pending(deps []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, dep := range deps {
		if p, ok := s.progress[dep]; ok {
			switch p.State {
			case StateCompleted, StateFaulted, StateCancelled:
			default:
				out = append(out, dep)
			}
		}
	}
	return out
}
