package streaming

import (
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/api-publisher/internal/changes"
	"github.com/stacklok/api-publisher/internal/resources"
)

// Kind identifies the processing phase a pipeline belongs to
type Kind string

const (
	// KindUpsert posts source items to the target
	KindUpsert Kind = "upserts"

	// KindDelete removes items deleted on the source from the target
	KindDelete Kind = "deletes"

	// KindKeyChange applies natural key changes from the source to the target
	KindKeyChange Kind = "key-changes"
)

// StreamResourceMessage is the streaming context of one resource for one run
type StreamResourceMessage struct {
	// ResourceKey is the dependency graph key, possibly carrying the #Retry marker
	ResourceKey string

	// ResourcePath is the API path of the resource
	ResourcePath string

	// Window scopes the items to stream. nil streams everything.
	Window *changes.Window

	// Dependencies are the resources that must complete first
	Dependencies []string

	PageSize int64

	// Skip marks a resource that takes part in ordering but streams nothing
	Skip bool
}

// PageMessage describes one page to fetch from the source
type PageMessage struct {
	ResourcePath string

	// SourcePath is the collection the page is read from
	SourcePath string

	Offset int64
	Limit  int64

	// Window is the change-version sub-window of the page; nil means unbounded
	Window *changes.Window

	IsFinalPage bool

	// Reverse marks pages produced from the highest offset down
	Reverse bool
}

// ActionMessage is a unit of work for an action stage
type ActionMessage interface {
	// MessageID traces the message through logs and error records
	MessageID() string

	// Resource returns the API path of the resource the message belongs to
	Resource() string
}

type envelope struct {
	ID           string
	ResourcePath string
}

func newEnvelope(resourcePath string) envelope {
	return envelope{ID: uuid.NewString(), ResourcePath: resourcePath}
}

// MessageID implements ActionMessage
func (e envelope) MessageID() string { return e.ID }

// Resource implements ActionMessage
func (e envelope) Resource() string { return e.ResourcePath }

// PostItemMessage carries a source item to upsert on the target
type PostItemMessage struct {
	envelope

	// SourceID is the id of the item on the source
	SourceID string

	// Item is the source item as read; source-only fields are stripped before POST
	Item resources.Item

	// Depth counts missing-dependency resolutions that led to this message
	Depth int

	// Deferred marks an item re-processed by an authorization-retry pipeline
	Deferred bool
}

// GetItemForDeletionMessage asks to locate a deleted source item on the target
type GetItemForDeletionMessage struct {
	envelope

	SourceID  string
	KeyValues map[string]any
}

// DeleteItemMessage deletes a located item from the target. The delete stage builds one per
// target match of a GetItemForDeletionMessage.
type DeleteItemMessage struct {
	envelope

	SourceID  string
	TargetID  string
	KeyValues map[string]any
}

// GetItemForKeyChangeMessage asks to locate a key-changed source item on the target
type GetItemForKeyChangeMessage struct {
	envelope

	SourceID     string
	OldKeyValues map[string]any
	NewKeyValues map[string]any
}

// ChangeKeyMessage updates a located target item with its new natural key. The key change
// stage builds one per target match of a GetItemForKeyChangeMessage.
type ChangeKeyMessage struct {
	envelope

	SourceID string
	TargetID string
	Body     resources.Item
}

// ErrorItemMessage is the terminal record of one failed operation
type ErrorItemMessage struct {
	Timestamp       time.Time `json:"timestamp"`
	Phase           Kind      `json:"phase"`
	Method          string    `json:"method"`
	ResourceURL     string    `json:"resourceUrl"`
	SourceID        string    `json:"sourceId,omitempty"`
	RequestBody     string    `json:"requestBody,omitempty"`
	ResponseStatus  int       `json:"responseStatus,omitempty"`
	ResponseContent string    `json:"responseContent,omitempty"`
	Message         string    `json:"message,omitempty"`
}
