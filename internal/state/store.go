// Package state persists the last change version processed for each
// source and target connection pair.
package state

import (
	"context"
	"fmt"

	"github.com/stacklok/api-publisher/internal/config"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go ChangeVersionStore

// ChangeVersionStore keeps the watermark of a source/target pair between runs
type ChangeVersionStore interface {
	// GetProcessedChangeVersion returns the last change version published from source
	// to target. The boolean is false when the pair has never completed a run.
	GetProcessedChangeVersion(ctx context.Context, source, target string) (int64, bool, error)

	// SetProcessedChangeVersion records version as fully published from source to target
	SetProcessedChangeVersion(ctx context.Context, source, target string, version int64) error

	// Close releases the resources held by the store
	Close() error
}

// New creates the store selected by cfg
func New(ctx context.Context, cfg config.StateStoreConfig) (ChangeVersionStore, error) {
	switch cfg.Type {
	case config.StoreTypeFile, "":
		return NewFileStore(cfg.Path), nil
	case config.StoreTypeBadger:
		return NewBadgerStore(cfg.Path)
	case config.StoreTypePostgres:
		return NewPostgresStore(ctx, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown state store type '%s'", cfg.Type)
	}
}
