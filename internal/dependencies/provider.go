package dependencies

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/api-publisher/internal/apiclient"
)

// DefaultMetadataEndpoint is the dependency metadata endpoint under the metadata API
const DefaultMetadataEndpoint = "/data/v3/dependencies"

// Provider supplies the raw dependency metadata of an API
type Provider interface {
	// Dependencies fetches and parses the dependency metadata
	Dependencies(ctx context.Context) (*Graph, error)
}

// metadataProvider reads the GraphML dependency document from an API's metadata endpoint
type metadataProvider struct {
	client   apiclient.Client
	endpoint string
}

var _ Provider = (*metadataProvider)(nil)

// NewMetadataProvider creates a provider reading dependency metadata through client
func NewMetadataProvider(client apiclient.Client) Provider {
	return &metadataProvider{client: client, endpoint: DefaultMetadataEndpoint}
}

// Dependencies fetches the dependency metadata and validates it is acyclic
func (p *metadataProvider) Dependencies(ctx context.Context) (*Graph, error) {
	path := p.client.MetadataPath(p.endpoint)
	resp, err := p.client.GetDocument(ctx, path, GraphMLContentType)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dependency metadata from %s: %w", p.client.Name(), err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to fetch dependency metadata from %s: %w",
			p.client.Name(), apiclient.ErrorFromResponse(resp, path))
	}

	raw, err := ParseGraphML(resp.Body)
	if err != nil {
		return nil, err
	}
	graph := New(raw)
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Loaded dependency metadata", "connection", p.client.Name(), "resources", graph.Len())
	return graph, nil
}

// StaticProvider serves a fixed dependency map, used when dependencies are configured
// explicitly instead of being read from an API.
type StaticProvider map[string][]string

// Dependencies returns the configured graph
func (p StaticProvider) Dependencies(context.Context) (*Graph, error) {
	graph := New(p)
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return graph, nil
}
