// Package apiclient provides the authenticated REST client used to talk to the source and
// target data-management APIs.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 2 * time.Minute

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "api-publisher/1.0"

	// SnapshotHeader pins requests to a point-in-time snapshot of the source
	SnapshotHeader = "Snapshot-Identifier"

	// TotalCountHeader carries the item count when totalCount=true is requested
	TotalCountHeader = "Total-Count"

	// DefaultDataManagementPath is the data-management API segment under the base URL
	DefaultDataManagementPath = "/data/v3"

	// DefaultChangeQueriesPath is the change-queries API segment under the base URL
	DefaultChangeQueriesPath = "/changeQueries/v1"

	// DefaultMetadataPath is the metadata API segment under the base URL
	DefaultMetadataPath = "/metadata"

	// DefaultTokenPath is the OAuth token endpoint under the base URL
	DefaultTokenPath = "/oauth/token"
)

// Client is an interface for the REST operations the publisher performs
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client
type Client interface {
	// Name identifies the connection in logs and persisted change versions
	Name() string

	// Get performs a GET request against a path relative to the base URL
	Get(ctx context.Context, path string, query url.Values) (*Response, error)

	// GetDocument performs a GET request negotiating a non-JSON representation
	GetDocument(ctx context.Context, path, accept string) (*Response, error)

	// Post performs a POST request with a JSON body
	Post(ctx context.Context, path string, body []byte) (*Response, error)

	// Put performs a PUT request with a JSON body
	Put(ctx context.Context, path string, body []byte) (*Response, error)

	// Delete performs a DELETE request
	Delete(ctx context.Context, path string) (*Response, error)

	// DataPath returns the path of a resource under the data-management API
	DataPath(resource string) string

	// ChangeQueriesPath returns the path of an endpoint under the change-queries API
	ChangeQueriesPath(endpoint string) string

	// MetadataPath returns the path of an endpoint under the metadata API
	MetadataPath(endpoint string) string

	// SetSnapshotIdentifier pins every subsequent request to the given snapshot.
	// An empty identifier clears it.
	SetSnapshotIdentifier(id string)
}

// Response is the outcome of a request that reached the server.
// Non-2xx statuses are reported here rather than as errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess returns true if the status code is 2xx
func (r *Response) IsSuccess() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// TotalCount returns the item count reported in the Total-Count header
func (r *Response) TotalCount() (int64, error) {
	raw := r.Header.Get(TotalCountHeader)
	if raw == "" {
		return 0, fmt.Errorf("response has no %s header", TotalCountHeader)
	}
	count, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q: %w", TotalCountHeader, raw, err)
	}
	return count, nil
}

// Options configures a DefaultClient
type Options struct {
	// Name identifies the connection
	Name string

	// BaseURL is the API base URL, for example https://host/api
	BaseURL string

	// Key and Secret are OAuth client credentials. When both are empty requests are anonymous.
	Key    string
	Secret string
	Scope  string

	// SchoolYear adds a year segment to data-management paths when non-zero
	SchoolYear int

	DataManagementPath string
	ChangeQueriesPath  string
	MetadataPath       string
	TokenPath          string

	// Timeout for individual requests
	Timeout time.Duration

	// RateLimit is the maximum number of requests per second (0 disables limiting)
	RateLimit float64
	RateBurst int

	// IgnoreSSLErrors disables TLS certificate verification
	IgnoreSSLErrors bool

	// Transport allows injecting a custom HTTP transport (for tests)
	Transport http.RoundTripper
}

// DefaultClient is the default Client implementation
type DefaultClient struct {
	opts        Options
	baseURL     string
	client      *http.Client
	rateLimiter *rate.Limiter

	mu         sync.RWMutex
	snapshotID string
}

var _ Client = (*DefaultClient)(nil)

// NewDefaultClient creates a client for the given connection options.
// When credentials are supplied the underlying HTTP client fetches and refreshes
// bearer tokens through the OAuth client-credentials flow.
func NewDefaultClient(ctx context.Context, opts Options) (*DefaultClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", opts.BaseURL, err)
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DataManagementPath == "" {
		opts.DataManagementPath = DefaultDataManagementPath
	}
	if opts.ChangeQueriesPath == "" {
		opts.ChangeQueriesPath = DefaultChangeQueriesPath
	}
	if opts.MetadataPath == "" {
		opts.MetadataPath = DefaultMetadataPath
	}
	if opts.TokenPath == "" {
		opts.TokenPath = DefaultTokenPath
	}

	baseURL := strings.TrimSuffix(opts.BaseURL, "/")

	transport := opts.Transport
	if transport == nil {
		defaultTransport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.IgnoreSSLErrors {
			// #nosec G402 -- explicitly requested for self-signed development hosts
			defaultTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = defaultTransport
	}
	baseClient := &http.Client{Timeout: opts.Timeout, Transport: transport}

	httpClient := baseClient
	if opts.Key != "" || opts.Secret != "" {
		ccConfig := &clientcredentials.Config{
			ClientID:     opts.Key,
			ClientSecret: opts.Secret,
			TokenURL:     baseURL + opts.TokenPath,
		}
		if opts.Scope != "" {
			ccConfig.Scopes = []string{opts.Scope}
		}
		// The token source refreshes the bearer token when it expires
		tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, baseClient)
		httpClient = ccConfig.Client(tokenCtx)
		httpClient.Timeout = opts.Timeout
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &DefaultClient{
		opts:        opts,
		baseURL:     baseURL,
		client:      httpClient,
		rateLimiter: limiter,
	}, nil
}

// Name returns the connection name
func (c *DefaultClient) Name() string {
	return c.opts.Name
}

// DataPath returns the path of a resource under the data-management API
func (c *DefaultClient) DataPath(resource string) string {
	path := c.opts.DataManagementPath
	if c.opts.SchoolYear > 0 {
		path += "/" + strconv.Itoa(c.opts.SchoolYear)
	}
	return path + ensureLeadingSlash(resource)
}

// ChangeQueriesPath returns the path of an endpoint under the change-queries API
func (c *DefaultClient) ChangeQueriesPath(endpoint string) string {
	path := c.opts.ChangeQueriesPath
	if c.opts.SchoolYear > 0 {
		path += "/" + strconv.Itoa(c.opts.SchoolYear)
	}
	return path + ensureLeadingSlash(endpoint)
}

// MetadataPath returns the path of an endpoint under the metadata API
func (c *DefaultClient) MetadataPath(endpoint string) string {
	return c.opts.MetadataPath + ensureLeadingSlash(endpoint)
}

// SetSnapshotIdentifier pins every subsequent request to the given snapshot
func (c *DefaultClient) SetSnapshotIdentifier(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotID = id
}

func (c *DefaultClient) snapshotIdentifier() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotID
}

// Get performs a GET request
func (c *DefaultClient) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, "")
}

// GetDocument performs a GET request with the given Accept header
func (c *DefaultClient) GetDocument(ctx context.Context, path, accept string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, nil, accept)
}

// Post performs a POST request with a JSON body
func (c *DefaultClient) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, nil, body, "")
}

// Put performs a PUT request with a JSON body
func (c *DefaultClient) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, nil, body, "")
}

// Delete performs a DELETE request
func (c *DefaultClient) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil, "")
}

func (c *DefaultClient) do(
	ctx context.Context, method, path string, query url.Values, body []byte, accept string,
) (*Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	fullURL := c.ResolveURL(path, query)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := c.snapshotIdentifier(); id != "" {
		req.Header.Set(SnapshotHeader, id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// +1 to detect if limit exceeded
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// ResolveURL joins a relative path and query onto the base URL.
// Paths that are already absolute URLs are used as-is.
func (c *DefaultClient) ResolveURL(path string, query url.Values) string {
	fullURL := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		fullURL = c.baseURL + ensureLeadingSlash(path)
	}
	if len(query) > 0 {
		separator := "?"
		if strings.Contains(fullURL, "?") {
			separator = "&"
		}
		fullURL += separator + query.Encode()
	}
	return fullURL
}

func ensureLeadingSlash(path string) string {
	if path == "" || strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}
