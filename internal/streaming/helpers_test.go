package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/apiclient/apitest"
	"github.com/stacklok/api-publisher/internal/changes"
	"github.com/stacklok/api-publisher/internal/dependencies"
	"github.com/stacklok/api-publisher/internal/retry"
)

// collector is a Publisher keeping every record in memory
type collector struct {
	mu      sync.Mutex
	records []ErrorItemMessage
	batches int
}

func (c *collector) Publish(_ context.Context, batch []ErrorItemMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, batch...)
	c.batches++
	return nil
}

func (c *collector) Records() []ErrorItemMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ErrorItemMessage(nil), c.records...)
}

type harness struct {
	source *apitest.Server
	target *apitest.Server

	sourceClient apiclient.Client
	targetClient apiclient.Client

	sink   *ErrorSink
	errors *collector
	opts   Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		source: apitest.NewServer("5.3"),
		target: apitest.NewServer("5.3"),
		errors: &collector{},
		opts:   testOptions(),
	}
	t.Cleanup(h.source.Close)
	t.Cleanup(h.target.Close)

	h.sourceClient = newClient(t, "source", h.source)
	h.targetClient = newClient(t, "target", h.target)
	h.sink = NewErrorSink(h.errors, WithFlushInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = h.sink.Close(context.Background()) })
	return h
}

func newClient(t *testing.T, name string, server *apitest.Server) apiclient.Client {
	t.Helper()
	client, err := apiclient.NewDefaultClient(context.Background(), apiclient.Options{
		Name:    name,
		BaseURL: server.URL,
	})
	require.NoError(t, err)
	return client
}

func testOptions() Options {
	return Options{
		PageSize:                   10,
		StreamingPagesWaitDuration: 20 * time.Millisecond,
		Retry: retry.Policy{
			StartingDelay: time.Millisecond,
			MaxAttempts:   3,
		},
	}
}

func (h *harness) stageConfig() StageConfig {
	return StageConfig{
		Source: h.sourceClient,
		Target: h.targetClient,
		Sink:   h.sink,
		Retry:  h.opts.Retry,
	}
}

// run streams the plan and closes the sink so every error record is published
func (h *harness) run(t *testing.T, stage Stage, graph *dependencies.Graph, window *changes.Window) *RunResult {
	t.Helper()

	scheduler := NewScheduler(h.sourceClient, h.sink, h.opts)
	result, err := scheduler.Run(context.Background(), Plan{
		Stage:  stage,
		Graph:  graph,
		Window: window,
	})
	require.NoError(t, err)
	require.NoError(t, h.sink.Close(context.Background()))
	return result
}
