package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/resources"
	"github.com/stacklok/api-publisher/internal/retry"
)

// ErrUnsupportedKeyMetadata means the source does not expose the natural key data needed to
// apply deletes or key changes. It cancels the phase rather than failing items.
var ErrUnsupportedKeyMetadata = errors.New("source does not provide natural key values")

// Stage is the action stage of one processing phase
type Stage interface {
	// Kind names the phase
	Kind() Kind

	// SourcePath returns the source collection the pages of resourcePath are read from
	SourcePath(resourcePath string) string

	// Transform turns one source item into an action message
	Transform(resourcePath string, item resources.Item) (ActionMessage, error)

	// Process performs the action against the target. Item failures are posted to the
	// error sink; a returned error faults the resource pipeline.
	Process(ctx context.Context, msg ActionMessage) error
}

// Deferrer is implemented by stages that hold items for a later #Retry pipeline
type Deferrer interface {
	Deferred(resourcePath string) []ActionMessage
}

// StageConfig carries the collaborators shared by the action stages
type StageConfig struct {
	Source apiclient.Client
	Target apiclient.Client
	Sink   *ErrorSink
	Retry  retry.Policy

	Recorder Recorder
}

type stageBase struct {
	kind   Kind
	source apiclient.Client
	target apiclient.Client
	sink   *ErrorSink
	policy retry.Policy

	recorder Recorder
}

func newStageBase(kind Kind, cfg StageConfig) stageBase {
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = retry.DefaultMaxAttempts
	}
	if policy.StartingDelay <= 0 {
		policy.StartingDelay = retry.DefaultStartingDelay
	}
	return stageBase{
		kind:     kind,
		source:   cfg.Source,
		target:   cfg.Target,
		sink:     cfg.Sink,
		policy:   policy,
		recorder: cfg.Recorder,
	}
}

// Kind implements Stage
func (b *stageBase) Kind() Kind { return b.kind }

func (b *stageBase) record(ctx context.Context, resourcePath string, success bool) {
	if b.recorder != nil {
		b.recorder.RecordItem(ctx, string(b.kind), resourcePath, success)
	}
}

// fail posts an error record for a failed request. resp may be nil for transport failures.
func (b *stageBase) fail(
	ctx context.Context, resourcePath, method, requestURL, sourceID string,
	body []byte, resp *apiclient.Response, err error,
) {
	msg := ErrorItemMessage{
		Timestamp:   time.Now().UTC(),
		Phase:       b.kind,
		Method:      method,
		ResourceURL: requestURL,
		SourceID:    sourceID,
		RequestBody: string(body),
	}
	if resp != nil {
		msg.ResponseStatus = resp.StatusCode
		msg.ResponseContent = string(resp.Body)
	}
	if err != nil {
		msg.Message = err.Error()
	}

	slog.Debug("Item failed",
		"phase", b.kind, "method", method, "url", requestURL, "status", msg.ResponseStatus, "error", err)
	b.sink.Post(msg)
	b.record(ctx, resourcePath, false)
}

// findOnTarget locates items on the target by natural key
func (b *stageBase) findOnTarget(
	ctx context.Context, resourcePath, sourceID string, keyValues map[string]any,
) ([]resources.Item, bool) {
	path := b.target.DataPath(resourcePath)
	query := resources.KeyValuesQuery(keyValues)

	resp, _, err := retry.Do(ctx, b.policy, nil, func(ctx context.Context) (*apiclient.Response, error) {
		return b.target.Get(ctx, path, query)
	})
	requestURL := describeURL(path, query)
	if err != nil {
		b.fail(ctx, resourcePath, http.MethodGet, requestURL, sourceID, nil, nil,
			fmt.Errorf("failed to locate item on target: %w", err))
		return nil, false
	}
	if !resp.IsSuccess() {
		b.fail(ctx, resourcePath, http.MethodGet, requestURL, sourceID, nil, resp,
			fmt.Errorf("failed to locate item on target by %s", resources.DescribeKeyValues(keyValues)))
		return nil, false
	}

	items, err := resources.DecodeItems(resp.Body)
	if err != nil {
		b.fail(ctx, resourcePath, http.MethodGet, requestURL, sourceID, nil, resp, err)
		return nil, false
	}
	return items, true
}

func describeURL(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}
