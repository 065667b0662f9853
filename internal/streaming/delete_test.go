package streaming

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/api-publisher/internal/dependencies"
)

func TestDelete_RemovesItemsByNaturalKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.target.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": "1", "firstName": "Ada"}, 1)
	h.target.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": "2", "firstName": "Grace"}, 1)
	h.source.AddDelete("/ed-fi/students", "source-1", map[string]any{"studentUniqueId": "1"}, 5)

	result := h.run(t, NewDeleteStage(h.stageConfig()), single("/ed-fi/students"), nil)
	require.True(t, result.Succeeded())

	remaining := h.target.Items("/ed-fi/students")
	require.Len(t, remaining, 1)
	assert.Equal(t, "2", remaining[0]["studentUniqueId"])
	assert.Len(t, h.target.CallsTo(http.MethodDelete, "/data/v3/ed-fi/students/"), 1)
	assert.Zero(t, h.sink.Count())
	assert.NotEmpty(t, h.source.CallsTo(http.MethodGet, "/data/v3/ed-fi/students/deletes"))
}

func TestDelete_MissingOnTargetIsSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.target.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": "2"}, 1)
	h.source.AddDelete("/ed-fi/students", "source-1", map[string]any{"studentUniqueId": "1"}, 5)

	result := h.run(t, NewDeleteStage(h.stageConfig()), single("/ed-fi/students"), nil)
	require.True(t, result.Succeeded())

	assert.Len(t, h.target.Items("/ed-fi/students"), 1)
	assert.Empty(t, h.target.CallsTo(http.MethodDelete, "/data/v3/ed-fi/students"))
	assert.Zero(t, h.sink.Count())
}

func TestDelete_FailureIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.target.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": "1"}, 1)
	h.source.AddDelete("/ed-fi/students", "source-1", map[string]any{"studentUniqueId": "1"}, 5)
	h.target.FailTimes(http.MethodDelete, "/data/v3/ed-fi/students/"+id, http.StatusBadRequest, 10,
		`{"message":"referenced by other items"}`)

	result := h.run(t, NewDeleteStage(h.stageConfig()), single("/ed-fi/students"), nil)
	require.True(t, result.Succeeded())

	records := h.errors.Records()
	require.Len(t, records, 1)
	assert.Equal(t, KindDelete, records[0].Phase)
	assert.Equal(t, http.MethodDelete, records[0].Method)
	assert.Equal(t, "source-1", records[0].SourceID)
	assert.Equal(t, http.StatusBadRequest, records[0].ResponseStatus)
	assert.Len(t, h.target.Items("/ed-fi/students"), 1)
}

func TestDelete_UnsupportedKeyMetadataCancelsResource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.target.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": "1"}, 1)
	h.source.AddDelete("/ed-fi/students", "source-1", nil, 5)

	result := h.run(t, NewDeleteStage(h.stageConfig()), single("/ed-fi/students"), nil)

	assert.False(t, result.Succeeded())
	assert.NoError(t, result.Cancelled)
	assert.Empty(t, result.Completed)
	assert.ErrorIs(t, result.CancelledResources["/ed-fi/students"], ErrUnsupportedKeyMetadata)
	assert.Empty(t, h.target.CallsTo(http.MethodDelete, "/data/v3"))
	assert.Zero(t, h.sink.Count(), "unsupported metadata is a warning, not an item failure")
	assert.Len(t, h.target.Items("/ed-fi/students"), 1)
}

func TestDelete_UnsupportedKeyMetadataLeavesOtherResources(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.opts.MaxConcurrentResourceStreams = 1
	h.target.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": "1"}, 1)
	h.source.AddDelete("/ed-fi/aaa", "source-a", nil, 4)
	h.source.AddDelete("/ed-fi/students", "source-1", map[string]any{"studentUniqueId": "1"}, 5)

	result := h.run(t, NewDeleteStage(h.stageConfig()), dependencies.New(map[string][]string{
		"/ed-fi/aaa":      nil,
		"/ed-fi/students": nil,
	}), nil)

	assert.False(t, result.Succeeded())
	assert.Empty(t, result.Faulted)
	assert.Equal(t, []string{"/ed-fi/students"}, result.Completed)
	require.Len(t, result.CancelledResources, 1)
	assert.ErrorIs(t, result.CancelledResources["/ed-fi/aaa"], ErrUnsupportedKeyMetadata)

	assert.Empty(t, h.target.Items("/ed-fi/students"), "deletes of other resources still apply")
	assert.Zero(t, h.sink.Count())
}

func TestDelete_ConflictIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.target.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": "1"}, 1)
	h.source.AddDelete("/ed-fi/students", "source-1", map[string]any{"studentUniqueId": "1"}, 5)
	h.target.FailTimes(http.MethodDelete, "/data/v3/ed-fi/students/"+id, http.StatusConflict, 2,
		`{"message":"the item is being modified"}`)

	result := h.run(t, NewDeleteStage(h.stageConfig()), single("/ed-fi/students"), nil)
	require.True(t, result.Succeeded())

	assert.Len(t, h.target.CallsTo(http.MethodDelete, "/data/v3/ed-fi/students/"+id), 3)
	assert.Empty(t, h.target.Items("/ed-fi/students"))
	assert.Empty(t, h.errors.Records())
}

func TestDelete_RejectsOtherMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	stage := NewDeleteStage(h.stageConfig())
	err := stage.Process(context.Background(), &DeleteItemMessage{envelope: newEnvelope("/ed-fi/students")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected message")
	assert.Empty(t, h.target.Calls())
}
