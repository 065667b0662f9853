package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/remediation"
	"github.com/stacklok/api-publisher/internal/resources"
	"github.com/stacklok/api-publisher/internal/retry"
)

// UpsertOptions configure the upsert stage
type UpsertOptions struct {
	// RetryPaths are the resources with an authorization-retry rule. Items of these
	// resources rejected with 403 are deferred to the resource's #Retry pipeline.
	RetryPaths []string

	// TreatForbiddenAsWarning ignores the rest of a resource after a 403 when no retry
	// path exists, instead of failing every item.
	TreatForbiddenAsWarning bool

	// Remediation is consulted for failures it handles
	Remediation remediation.Hook

	// MaxMissingDependencyDepth caps recursive resolution of unresolved references
	MaxMissingDependencyDepth int

	SourceConnection string
	TargetConnection string
}

// UpsertStage POSTs source items to the target
type UpsertStage struct {
	stageBase

	opts       UpsertOptions
	retryPaths map[string]bool
	queue      *RetryQueue

	// ignored holds resources given up on after a 403
	ignored sync.Map

	// unremediable caches resource/status pairs the remediation hook had no answer for
	unremediable sync.Map
}

var (
	_ Stage    = (*UpsertStage)(nil)
	_ Deferrer = (*UpsertStage)(nil)
)

// NewUpsertStage creates the upsert phase stage. A stage carries per-run state and must
// not be reused across runs.
func NewUpsertStage(cfg StageConfig, opts UpsertOptions) *UpsertStage {
	if opts.MaxMissingDependencyDepth <= 0 {
		opts.MaxMissingDependencyDepth = DefaultMaxMissingDependencyDepth
	}
	retryPaths := make(map[string]bool, len(opts.RetryPaths))
	for _, path := range opts.RetryPaths {
		retryPaths[strings.ToLower(path)] = true
	}
	return &UpsertStage{
		stageBase:  newStageBase(KindUpsert, cfg),
		opts:       opts,
		retryPaths: retryPaths,
		queue:      NewRetryQueue(),
	}
}

// SourcePath implements Stage
func (s *UpsertStage) SourcePath(resourcePath string) string {
	return resourcePath
}

// Transform implements Stage
func (s *UpsertStage) Transform(resourcePath string, item resources.Item) (ActionMessage, error) {
	return &PostItemMessage{
		envelope: newEnvelope(resourcePath),
		SourceID: item.ID(),
		Item:     item,
	}, nil
}

// Deferred implements Deferrer
func (s *UpsertStage) Deferred(resourcePath string) []ActionMessage {
	items := s.queue.Drain(resourcePath)
	out := make([]ActionMessage, 0, len(items))
	for i := range items {
		out = append(out, &items[i])
	}
	return out
}

// DeferredCount returns the number of items waiting for a #Retry pipeline
func (s *UpsertStage) DeferredCount() int {
	return s.queue.Len()
}

// IgnoredResources returns the resources skipped after an authorization failure
func (s *UpsertStage) IgnoredResources() []string {
	var out []string
	s.ignored.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}

// Process implements Stage
func (s *UpsertStage) Process(ctx context.Context, msg ActionMessage) error {
	m, ok := msg.(*PostItemMessage)
	if !ok {
		return fmt.Errorf("unexpected message %T in %s stage", msg, s.kind)
	}
	if _, ignored := s.ignored.Load(strings.ToLower(m.ResourcePath)); ignored {
		return nil
	}

	body, err := resources.StripForUpsert(m.Item, m.ResourcePath).Marshal()
	if err != nil {
		s.fail(ctx, m.ResourcePath, http.MethodPost, s.target.DataPath(m.ResourcePath), m.SourceID, nil, nil,
			fmt.Errorf("failed to encode item: %w", err))
		return nil
	}
	s.upsert(ctx, m, body)
	return nil
}

func (s *UpsertStage) isTransient(resourcePath string) func(int) bool {
	if resources.IsDescriptor(resourcePath) {
		return s.policy.IsTransient
	}
	return s.policy.WithConflictAsTransient()
}

func (s *UpsertStage) post(ctx context.Context, resourcePath string, body []byte) (*apiclient.Response, error) {
	path := s.target.DataPath(resourcePath)
	resp, _, err := retry.Do(ctx, s.policy, s.isTransient(resourcePath),
		func(ctx context.Context) (*apiclient.Response, error) {
			return s.target.Post(ctx, path, body)
		})
	return resp, err
}

// upsert posts body and resolves the outcome. It reports whether the item ended up on the
// target.
func (s *UpsertStage) upsert(ctx context.Context, m *PostItemMessage, body []byte) bool {
	path := s.target.DataPath(m.ResourcePath)

	resp, err := s.post(ctx, m.ResourcePath, body)
	if err != nil {
		s.fail(ctx, m.ResourcePath, http.MethodPost, path, m.SourceID, body, nil, err)
		return false
	}
	if s.succeeded(m.ResourcePath, resp) {
		s.record(ctx, m.ResourcePath, true)
		return true
	}

	if resp.StatusCode == http.StatusForbidden && s.handleForbidden(m) {
		return false
	}

	if resp.StatusCode == http.StatusBadRequest && m.Depth < s.opts.MaxMissingDependencyDepth {
		if reference, ok := resources.UnresolvedReference(resp.Body, m.Item); ok {
			if s.resolveMissingDependency(ctx, m, reference) {
				resp, err = s.post(ctx, m.ResourcePath, body)
				if err != nil {
					s.fail(ctx, m.ResourcePath, http.MethodPost, path, m.SourceID, body, nil, err)
					return false
				}
				if s.succeeded(m.ResourcePath, resp) {
					s.record(ctx, m.ResourcePath, true)
					return true
				}
			}
		}
	}

	if s.remediate(ctx, m, body, resp) {
		return true
	}

	s.fail(ctx, m.ResourcePath, http.MethodPost, path, m.SourceID, body, resp, nil)
	return false
}

func (s *UpsertStage) succeeded(resourcePath string, resp *apiclient.Response) bool {
	if resp.IsSuccess() {
		return true
	}
	// Descriptors are shared across data sets; an existing one is what we wanted.
	return resp.StatusCode == http.StatusConflict && resources.IsDescriptor(resourcePath)
}

// handleForbidden defers or ignores an item rejected with 403. It returns false when the
// item must be reported as failed. Dependencies posted while resolving a missing reference
// are never deferred: their #Retry pipeline may already have drained.
func (s *UpsertStage) handleForbidden(m *PostItemMessage) bool {
	if s.retryPaths[strings.ToLower(m.ResourcePath)] && !m.Deferred && m.Depth == 0 {
		deferred := PostItemMessage{
			envelope: m.envelope,
			SourceID: m.SourceID,
			Item:     m.Item.Clone(),
			Depth:    m.Depth,
			Deferred: true,
		}
		s.queue.Enqueue(deferred)
		slog.Debug("Deferring item after authorization failure",
			"resource", m.ResourcePath, "source_id", m.SourceID)
		return true
	}

	if s.opts.TreatForbiddenAsWarning {
		if _, loaded := s.ignored.LoadOrStore(strings.ToLower(m.ResourcePath), true); !loaded {
			slog.Warn("Authorization failed, ignoring remaining items of resource",
				"resource", m.ResourcePath, "source_id", m.SourceID)
		}
		return true
	}
	return false
}

// resolveMissingDependency copies the referenced item from the source to the target
func (s *UpsertStage) resolveMissingDependency(
	ctx context.Context, m *PostItemMessage, reference resources.MissingReference,
) bool {
	href := strings.TrimPrefix(reference.Href, s.source.DataPath(""))
	idx := strings.LastIndex(href, "/")
	if idx <= 0 {
		return false
	}
	resourcePath := href[:idx]

	path := s.source.DataPath(href)
	resp, _, err := retry.Do(ctx, s.policy, nil, func(ctx context.Context) (*apiclient.Response, error) {
		return s.source.Get(ctx, path, nil)
	})
	if err != nil || !resp.IsSuccess() {
		slog.Debug("Failed to fetch missing dependency from source",
			"resource", m.ResourcePath, "reference", reference.Property, "href", href, "error", err)
		return false
	}
	item, err := resources.DecodeItem(resp.Body)
	if err != nil {
		slog.Debug("Missing dependency is not a valid item", "href", href, "error", err)
		return false
	}

	slog.Info("Resolving missing dependency",
		"resource", m.ResourcePath, "dependency", resourcePath, "source_id", item.ID(), "depth", m.Depth+1)

	dependency := &PostItemMessage{
		envelope: newEnvelope(resourcePath),
		SourceID: item.ID(),
		Item:     item,
		Depth:    m.Depth + 1,
	}
	body, err := resources.StripForUpsert(item, resourcePath).Marshal()
	if err != nil {
		return false
	}
	return s.upsert(ctx, dependency, body)
}

// remediate asks the remediation hook to repair a failed POST. It reports whether the item
// was eventually accepted.
func (s *UpsertStage) remediate(
	ctx context.Context, m *PostItemMessage, body []byte, resp *apiclient.Response,
) bool {
	hook := s.opts.Remediation
	if hook == nil || !hook.Handles(m.ResourcePath, resp.StatusCode) {
		return false
	}
	cacheKey := strings.ToLower(m.ResourcePath) + "/" + strconv.Itoa(resp.StatusCode)
	if _, cached := s.unremediable.Load(cacheKey); cached {
		return false
	}

	path := s.target.DataPath(m.ResourcePath)
	result, err := hook.Remediate(ctx, remediation.FailureContext{
		ResourcePath:     m.ResourcePath,
		ResourceURL:      path,
		Method:           http.MethodPost,
		StatusCode:       resp.StatusCode,
		RequestBody:      string(body),
		ResponseBody:     string(resp.Body),
		SourceConnection: s.opts.SourceConnection,
		TargetConnection: s.opts.TargetConnection,
	})
	if err != nil {
		slog.Warn("Remediation failed", "resource", m.ResourcePath, "status", resp.StatusCode, "error", err)
		return false
	}
	if result == nil {
		s.unremediable.Store(cacheKey, true)
		return false
	}

	for _, request := range result.AdditionalRequests {
		extraPath := s.target.DataPath(request.Resource)
		extra, err := s.post(ctx, request.Resource, request.Body)
		if err != nil || !s.succeeded(request.Resource, extra) {
			s.fail(ctx, m.ResourcePath, http.MethodPost, extraPath, m.SourceID, request.Body, extra,
				errors.Join(errors.New("remediation request failed"), err))
		}
	}

	retryBody := body
	if len(result.ModifiedRequestBody) > 0 {
		retryBody = result.ModifiedRequestBody
	}
	retried, err := s.post(ctx, m.ResourcePath, retryBody)
	if err != nil || !s.succeeded(m.ResourcePath, retried) {
		return false
	}
	slog.Debug("Item accepted after remediation", "resource", m.ResourcePath, "source_id", m.SourceID)
	s.record(ctx, m.ResourcePath, true)
	return true
}
