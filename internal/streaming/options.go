package streaming

import (
	"context"
	"time"

	"github.com/stacklok/api-publisher/internal/retry"
)

const (
	// DefaultPageSize is the number of items requested per page
	DefaultPageSize = 75

	// DefaultMaxConcurrentResourceStreams bounds the resources streaming at once
	DefaultMaxConcurrentResourceStreams = 5

	// DefaultMaxDegreeOfParallelismForResourceItems bounds in-flight items per resource
	DefaultMaxDegreeOfParallelismForResourceItems = 5

	// DefaultMaxDegreeOfParallelismForStreamResourcePages bounds in-flight page fetches per resource
	DefaultMaxDegreeOfParallelismForStreamResourcePages = 5

	// DefaultStreamingPagesWaitDuration is the interval between progress reports
	DefaultStreamingPagesWaitDuration = 10 * time.Second

	// DefaultMaxMissingDependencyDepth caps recursive resolution of missing references
	DefaultMaxMissingDependencyDepth = 3
)

// ResourceState is the lifecycle state of one resource pipeline
type ResourceState string

const (
	// StateWaiting means the resource waits for its dependencies
	StateWaiting ResourceState = "Waiting"

	// StateSlotAcquired means the resource holds a concurrency slot
	StateSlotAcquired ResourceState = "SlotAcquired"

	// StateStreaming means pages are being fetched and processed
	StateStreaming ResourceState = "Streaming"

	// StateCompleted means the pipeline finished normally
	StateCompleted ResourceState = "Completed"

	// StateFaulted means the pipeline failed
	StateFaulted ResourceState = "Faulted"

	// StateCancelled means the pipeline stopped before streaming every page, either because
	// the source cannot describe its items or because the phase was cancelled
	StateCancelled ResourceState = "Cancelled"
)

// Recorder observes item outcomes, typically for metrics. It is set on StageConfig.
type Recorder interface {
	RecordItem(ctx context.Context, phase, resource string, success bool)
}

// Options tune the streaming engine
type Options struct {
	PageSize int64

	// ChangeVersionPagingWindowSize splits the change window into sub-windows of this size
	// when UseChangeVersionPaging is set
	ChangeVersionPagingWindowSize int64
	UseChangeVersionPaging        bool

	// UseReversePaging walks each sub-window from its last page down
	UseReversePaging bool

	MaxConcurrentResourceStreams                 int
	MaxDegreeOfParallelismForResourceItems       int
	MaxDegreeOfParallelismForStreamResourcePages int

	StreamingPagesWaitDuration time.Duration

	Retry retry.Policy

	// OnStateChange is called on every resource state transition
	OnStateChange func(phase Kind, resource string, state ResourceState)
}

// WithDefaults returns a copy of o with unset values defaulted
func (o Options) WithDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxConcurrentResourceStreams <= 0 {
		o.MaxConcurrentResourceStreams = DefaultMaxConcurrentResourceStreams
	}
	if o.MaxDegreeOfParallelismForResourceItems <= 0 {
		o.MaxDegreeOfParallelismForResourceItems = DefaultMaxDegreeOfParallelismForResourceItems
	}
	if o.MaxDegreeOfParallelismForStreamResourcePages <= 0 {
		o.MaxDegreeOfParallelismForStreamResourcePages = DefaultMaxDegreeOfParallelismForStreamResourcePages
	}
	if o.StreamingPagesWaitDuration <= 0 {
		o.StreamingPagesWaitDuration = DefaultStreamingPagesWaitDuration
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if o.Retry.StartingDelay <= 0 {
		o.Retry.StartingDelay = retry.DefaultStartingDelay
	}
	return o
}
