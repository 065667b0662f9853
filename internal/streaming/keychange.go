package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/resources"
	"github.com/stacklok/api-publisher/internal/retry"
)

// KeyChangeStage applies natural key changes from the source to the target
type KeyChangeStage struct {
	stageBase
}

var _ Stage = (*KeyChangeStage)(nil)

// NewKeyChangeStage creates the key change phase stage
func NewKeyChangeStage(cfg StageConfig) *KeyChangeStage {
	return &KeyChangeStage{stageBase: newStageBase(KindKeyChange, cfg)}
}

// SourcePath implements Stage
func (s *KeyChangeStage) SourcePath(resourcePath string) string {
	return resourcePath + "/keyChanges"
}

// Transform implements Stage
func (s *KeyChangeStage) Transform(resourcePath string, item resources.Item) (ActionMessage, error) {
	oldKeys, okOld := resources.KeyValues(item, resources.FieldOldKeyValues)
	newKeys, okNew := resources.KeyValues(item, resources.FieldNewKeyValues)
	if !okOld || !okNew {
		return nil, fmt.Errorf("key change of %s %s has no old and new key values: %w",
			resourcePath, item.ID(), ErrUnsupportedKeyMetadata)
	}
	return &GetItemForKeyChangeMessage{
		envelope:     newEnvelope(resourcePath),
		SourceID:     item.ID(),
		OldKeyValues: oldKeys,
		NewKeyValues: newKeys,
	}, nil
}

// Process implements Stage
func (s *KeyChangeStage) Process(ctx context.Context, msg ActionMessage) error {
	m, ok := msg.(*GetItemForKeyChangeMessage)
	if !ok {
		return fmt.Errorf("unexpected message %T in %s stage", msg, s.kind)
	}
	s.locate(ctx, m)
	return nil
}

func (s *KeyChangeStage) locate(ctx context.Context, m *GetItemForKeyChangeMessage) {
	items, ok := s.findOnTarget(ctx, m.ResourcePath, m.SourceID, m.OldKeyValues)
	if !ok {
		return
	}
	if len(items) == 0 {
		slog.Debug("Key-changed item not found on target",
			"resource", m.ResourcePath, "keys", resources.DescribeKeyValues(m.OldKeyValues))
		s.record(ctx, m.ResourcePath, true)
		return
	}

	for _, item := range items {
		body := resources.StripForUpdate(item)
		resources.OverlayKeyValues(body, m.NewKeyValues)
		s.put(ctx, &ChangeKeyMessage{
			envelope: m.envelope,
			SourceID: m.SourceID,
			TargetID: item.ID(),
			Body:     body,
		})
	}
}

func (s *KeyChangeStage) put(ctx context.Context, m *ChangeKeyMessage) {
	path := s.target.DataPath(m.ResourcePath) + "/" + m.TargetID
	body, err := m.Body.Marshal()
	if err != nil {
		s.fail(ctx, m.ResourcePath, http.MethodPut, path, m.SourceID, nil, nil,
			fmt.Errorf("failed to encode item: %w", err))
		return
	}

	resp, _, err := retry.Do(ctx, s.policy, s.policy.WithConflictAsTransient(),
		func(ctx context.Context) (*apiclient.Response, error) {
			return s.target.Put(ctx, path, body)
		})
	if err != nil {
		s.fail(ctx, m.ResourcePath, http.MethodPut, path, m.SourceID, body, nil, err)
		return
	}
	if !resp.IsSuccess() {
		s.fail(ctx, m.ResourcePath, http.MethodPut, path, m.SourceID, body, resp,
			errors.New("key change failed"))
		return
	}
	s.record(ctx, m.ResourcePath, true)
}
