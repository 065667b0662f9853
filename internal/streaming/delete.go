package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/resources"
	"github.com/stacklok/api-publisher/internal/retry"
)

// DeleteStage removes items deleted on the source from the target
type DeleteStage struct {
	stageBase
}

var _ Stage = (*DeleteStage)(nil)

// NewDeleteStage creates the delete phase stage
func NewDeleteStage(cfg StageConfig) *DeleteStage {
	return &DeleteStage{stageBase: newStageBase(KindDelete, cfg)}
}

// SourcePath implements Stage
func (s *DeleteStage) SourcePath(resourcePath string) string {
	return resourcePath + "/deletes"
}

// Transform implements Stage
func (s *DeleteStage) Transform(resourcePath string, item resources.Item) (ActionMessage, error) {
	keys, ok := resources.KeyValues(item, resources.FieldKeyValues)
	if !ok {
		return nil, fmt.Errorf("delete of %s %s has no %s: %w",
			resourcePath, item.ID(), resources.FieldKeyValues, ErrUnsupportedKeyMetadata)
	}
	return &GetItemForDeletionMessage{
		envelope:  newEnvelope(resourcePath),
		SourceID:  item.ID(),
		KeyValues: keys,
	}, nil
}

// Process implements Stage
func (s *DeleteStage) Process(ctx context.Context, msg ActionMessage) error {
	m, ok := msg.(*GetItemForDeletionMessage)
	if !ok {
		return fmt.Errorf("unexpected message %T in %s stage", msg, s.kind)
	}
	s.locate(ctx, m)
	return nil
}

func (s *DeleteStage) locate(ctx context.Context, m *GetItemForDeletionMessage) {
	items, ok := s.findOnTarget(ctx, m.ResourcePath, m.SourceID, m.KeyValues)
	if !ok {
		return
	}
	if len(items) == 0 {
		slog.Debug("Deleted item not found on target",
			"resource", m.ResourcePath, "keys", resources.DescribeKeyValues(m.KeyValues))
		s.record(ctx, m.ResourcePath, true)
		return
	}

	for _, item := range items {
		s.delete(ctx, &DeleteItemMessage{
			envelope:  m.envelope,
			SourceID:  m.SourceID,
			TargetID:  item.ID(),
			KeyValues: m.KeyValues,
		})
	}
}

func (s *DeleteStage) delete(ctx context.Context, m *DeleteItemMessage) {
	path := s.target.DataPath(m.ResourcePath) + "/" + m.TargetID
	resp, _, err := retry.Do(ctx, s.policy, s.policy.WithConflictAsTransient(),
		func(ctx context.Context) (*apiclient.Response, error) {
			return s.target.Delete(ctx, path)
		})
	if err != nil {
		s.fail(ctx, m.ResourcePath, http.MethodDelete, path, m.SourceID, nil, nil, err)
		return
	}
	if !resp.IsSuccess() && resp.StatusCode != http.StatusNotFound {
		s.fail(ctx, m.ResourcePath, http.MethodDelete, path, m.SourceID, nil, resp,
			fmt.Errorf("delete of %s failed", resources.DescribeKeyValues(m.KeyValues)))
		return
	}
	s.record(ctx, m.ResourcePath, true)
}
