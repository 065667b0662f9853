// Package capabilities discovers what a data-management API supports: its version, change
// queries, snapshots and per-resource delete and key-change tracking.
package capabilities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/versions"
)

const (
	// MinChangeQueriesVersion is the first API version exposing change queries
	MinChangeQueriesVersion = "3.0"

	// MinKeyChangesVersion is the first API version tracking natural key changes
	MinKeyChangesVersion = "3.1"

	// MinSnapshotsVersion is the first API version supporting snapshot isolation
	MinSnapshotsVersion = "5.2"

	// ResourcesMetadataEndpoint is the OpenAPI document describing the resources
	ResourcesMetadataEndpoint = "/data/v3/resources/swagger.json"

	deletesSuffix    = "/deletes"
	keyChangesSuffix = "/keyChanges"
)

// ErrSnapshotUnavailable is returned when isolation is required but the source has no snapshot
var ErrSnapshotUnavailable = errors.New("no snapshot is available on the source")

// Capabilities describes a probed API
type Capabilities struct {
	// Version is the API version reported by the root endpoint
	Version string

	// DataModels maps data model names to their versions
	DataModels map[string]string

	ChangeQueries bool
	KeyChanges    bool
	Snapshots     bool

	// deletes and keyChanges hold the resources with tracked deletes/key changes, keyed by
	// lower-cased resource path. nil means the metadata could not be read.
	deletes    map[string]bool
	keyChanges map[string]bool
}

// SupportsDeletes reports whether deletes of resource are tracked by the API
func (c *Capabilities) SupportsDeletes(resource string) bool {
	if c.deletes == nil {
		return c.ChangeQueries
	}
	return c.deletes[strings.ToLower(resource)]
}

// SupportsKeyChanges reports whether natural key changes of resource are tracked by the API
func (c *Capabilities) SupportsKeyChanges(resource string) bool {
	if c.keyChanges == nil {
		return c.KeyChanges
	}
	return c.keyChanges[strings.ToLower(resource)]
}

// ChangeVersions is the range of change versions currently available on an API
type ChangeVersions struct {
	Oldest int64 `json:"oldestChangeVersion"`
	Newest int64 `json:"newestChangeVersion"`
}

// Prober answers capability questions about one API connection
//
//go:generate mockgen -destination=mocks/mock_prober.go -package=mocks -source=capabilities.go Prober
type Prober interface {
	// Probe reads the API root and resource metadata
	Probe(ctx context.Context) (*Capabilities, error)

	// AvailableChangeVersions returns the change versions currently available
	AvailableChangeVersions(ctx context.Context) (*ChangeVersions, error)

	// AcquireSnapshot returns the identifier of the newest snapshot
	AcquireSnapshot(ctx context.Context) (string, error)
}

// defaultProber implements Prober over an API client
type defaultProber struct {
	client apiclient.Client
}

var _ Prober = (*defaultProber)(nil)

// NewProber creates a Prober for client
func NewProber(client apiclient.Client) Prober {
	return &defaultProber{client: client}
}

// Probe reads the API root for the version and data models, then the resource metadata for
// per-resource delete and key-change support. Missing resource metadata is not an error:
// per-resource answers fall back to the version gates.
func (p *defaultProber) Probe(ctx context.Context) (*Capabilities, error) {
	resp, err := p.client.Get(ctx, "/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read API root of %s: %w", p.client.Name(), err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to read API root of %s: %w",
			p.client.Name(), apiclient.ErrorFromResponse(resp, "/"))
	}

	root := gjson.ParseBytes(resp.Body)
	caps := &Capabilities{
		Version:    root.Get("version").String(),
		DataModels: make(map[string]string),
	}
	root.Get("dataModels").ForEach(func(_, model gjson.Result) bool {
		caps.DataModels[model.Get("name").String()] = model.Get("version").String()
		return true
	})
	if caps.Version == "" {
		return nil, fmt.Errorf("API root of %s does not report a version", p.client.Name())
	}

	if caps.ChangeQueries, err = versions.AtLeast(caps.Version, MinChangeQueriesVersion); err != nil {
		return nil, fmt.Errorf("failed to evaluate API version of %s: %w", p.client.Name(), err)
	}
	caps.KeyChanges, _ = versions.AtLeast(caps.Version, MinKeyChangesVersion)
	caps.Snapshots, _ = versions.AtLeast(caps.Version, MinSnapshotsVersion)

	p.readResourceMetadata(ctx, caps)

	slog.Info("Probed API capabilities",
		"connection", p.client.Name(),
		"version", caps.Version,
		"change_queries", caps.ChangeQueries,
		"key_changes", caps.KeyChanges,
		"snapshots", caps.Snapshots)
	return caps, nil
}

func (p *defaultProber) readResourceMetadata(ctx context.Context, caps *Capabilities) {
	path := p.client.MetadataPath(ResourcesMetadataEndpoint)
	resp, err := p.client.Get(ctx, path, nil)
	if err != nil || !resp.IsSuccess() {
		slog.Debug("Resource metadata unavailable, using version defaults",
			"connection", p.client.Name(), "error", err)
		return
	}

	paths := gjson.GetBytes(resp.Body, "paths")
	if !paths.IsObject() {
		return
	}

	caps.deletes = make(map[string]bool)
	caps.keyChanges = make(map[string]bool)
	paths.ForEach(func(key, _ gjson.Result) bool {
		endpoint := key.String()
		switch {
		case strings.HasSuffix(endpoint, deletesSuffix):
			caps.deletes[strings.ToLower(strings.TrimSuffix(endpoint, deletesSuffix))] = true
		case strings.HasSuffix(endpoint, keyChangesSuffix):
			caps.keyChanges[strings.ToLower(strings.TrimSuffix(endpoint, keyChangesSuffix))] = true
		}
		return true
	})
}

// AvailableChangeVersions returns the oldest and newest change versions of the API
func (p *defaultProber) AvailableChangeVersions(ctx context.Context) (*ChangeVersions, error) {
	path := p.client.ChangeQueriesPath("/availableChangeVersions")
	resp, err := p.client.Get(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get available change versions: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to get available change versions: %w",
			apiclient.ErrorFromResponse(resp, path))
	}

	newest := gjson.GetBytes(resp.Body, "newestChangeVersion")
	if !newest.Exists() {
		return nil, fmt.Errorf("available change versions response has no newestChangeVersion")
	}
	return &ChangeVersions{
		Oldest: gjson.GetBytes(resp.Body, "oldestChangeVersion").Int(),
		Newest: newest.Int(),
	}, nil
}

// AcquireSnapshot returns the identifier of the most recent snapshot
func (p *defaultProber) AcquireSnapshot(ctx context.Context) (string, error) {
	path := p.client.ChangeQueriesPath("/snapshots")
	resp, err := p.client.Get(ctx, path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to list snapshots: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrSnapshotUnavailable
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("failed to list snapshots: %w", apiclient.ErrorFromResponse(resp, path))
	}

	var (
		identifier string
		newest     string
	)
	gjson.ParseBytes(resp.Body).ForEach(func(_, snapshot gjson.Result) bool {
		id := snapshot.Get("snapshotIdentifier").String()
		taken := snapshot.Get("snapshotDateTime").String()
		if id != "" && (identifier == "" || taken > newest) {
			identifier, newest = id, taken
		}
		return true
	})
	if identifier == "" {
		return "", ErrSnapshotUnavailable
	}
	return identifier, nil
}
