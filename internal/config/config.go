// Package config provides configuration loading and management for the publisher.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/api-publisher/internal/dependencies"
	"github.com/stacklok/api-publisher/internal/remediation"
	"github.com/stacklok/api-publisher/internal/telemetry"
)

// EnvPrefix is the prefix of environment variables overriding configuration
const EnvPrefix = "API_PUBLISHER"

const (
	// StoreTypeFile keeps processed change versions in a local JSON file
	StoreTypeFile = "file"

	// StoreTypePostgres keeps processed change versions in a PostgreSQL table
	StoreTypePostgres = "postgres"

	// StoreTypeBadger keeps processed change versions in an embedded badger database
	StoreTypeBadger = "badger"
)

const (
	defaultStatePath          = "./data/change-versions.json"
	defaultBadgerPath         = "./data/badger"
	defaultPageSize           = 75
	defaultRetryStartingDelay = 100 * time.Millisecond
	defaultMaxRetryAttempts   = 5
	defaultRequestTimeout     = 60 * time.Second
	defaultErrorBatchSize     = 100
	defaultWaitDuration       = 10 * time.Second
	defaultConcurrentStreams  = 5
	defaultItemParallelism    = 5
	defaultPageParallelism    = 5
	defaultCVPagingWindowSize = 25000
	defaultMissingDependency  = 3
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Connections ConnectionsConfig `yaml:"connections"`
	Options     OptionsConfig     `yaml:"options"`

	// AuthorizationFailureHandling defers items rejected with 403 until their
	// prerequisite resources have been published
	AuthorizationFailureHandling []dependencies.AuthorizationRule `yaml:"authorizationFailureHandling,omitempty"`

	Remediations []remediation.Rule `yaml:"remediations,omitempty"`

	StateStore      StateStoreConfig      `yaml:"stateStore"`
	ErrorPublishing ErrorPublishingConfig `yaml:"errorPublishing"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
	Status    *StatusConfig     `yaml:"status,omitempty"`
}

// ConnectionsConfig holds the two API endpoints
type ConnectionsConfig struct {
	Source ConnectionConfig `yaml:"source"`
	Target ConnectionConfig `yaml:"target"`
}

// ConnectionConfig describes one API endpoint
type ConnectionConfig struct {
	// Name identifies the connection in logs and in the change version store
	Name string `yaml:"name"`

	// URL is the API base URL, for example https://host/api
	URL string `yaml:"url"`

	Key string `yaml:"key,omitempty"`

	// SecretFile is the path to a file containing the client secret
	SecretFile string `yaml:"secretFile,omitempty"`
	Secret     string `yaml:"secret,omitempty"`
	Scope      string `yaml:"scope,omitempty"`

	SchoolYear int `yaml:"schoolYear,omitempty"`

	// Include, IncludeOnly, Exclude and ExcludeOnly are comma-separated resource lists
	// applied to the source
	Include     string `yaml:"include,omitempty"`
	IncludeOnly string `yaml:"includeOnly,omitempty"`
	Exclude     string `yaml:"exclude,omitempty"`
	ExcludeOnly string `yaml:"excludeOnly,omitempty"`

	// IgnoreIsolation proceeds without a snapshot when the source offers none
	IgnoreIsolation bool `yaml:"ignoreIsolation,omitempty"`

	// LastChangeVersionProcessed overrides the stored watermark for this run
	LastChangeVersionProcessed *int64 `yaml:"lastChangeVersionProcessed,omitempty"`

	// TreatForbiddenPostAsWarning skips a resource after a 403 on the target
	TreatForbiddenPostAsWarning bool `yaml:"treatForbiddenPostAsWarning,omitempty"`

	// RateLimit is the maximum number of requests per second (0 disables limiting)
	RateLimit float64 `yaml:"rateLimit,omitempty"`
	RateBurst int     `yaml:"rateBurst,omitempty"`

	Timeout         string `yaml:"timeout,omitempty"`
	IgnoreSSLErrors bool   `yaml:"ignoreSSLErrors,omitempty"`
}

// OptionsConfig tunes the publishing run
type OptionsConfig struct {
	StreamingPageSize                            int64  `yaml:"streamingPageSize,omitempty"`
	StreamingPagesWaitDuration                   string `yaml:"streamingPagesWaitDuration,omitempty"`
	MaxConcurrentResourceStreams                 int    `yaml:"maxConcurrentResourceStreams,omitempty"`
	MaxDegreeOfParallelismForResourceItems       int    `yaml:"maxDegreeOfParallelismForResourceItems,omitempty"`
	MaxDegreeOfParallelismForStreamResourcePages int    `yaml:"maxDegreeOfParallelismForStreamResourcePages,omitempty"`
	UseChangeVersionPaging                       bool   `yaml:"useChangeVersionPaging,omitempty"`
	ChangeVersionPagingWindowSize                int64  `yaml:"changeVersionPagingWindowSize,omitempty"`
	UseReversePaging                             bool   `yaml:"useReversePaging,omitempty"`
	RetryStartingDelay                           string `yaml:"retryStartingDelay,omitempty"`
	MaxRetryAttempts                             int    `yaml:"maxRetryAttempts,omitempty"`
	PotentiallyTransientStatusCodes              []int  `yaml:"potentiallyTransientStatusCodes,omitempty"`
	IncludeDescriptors                           *bool  `yaml:"includeDescriptors,omitempty"`
	UseSourceDependencyMetadata                  bool   `yaml:"useSourceDependencyMetadata,omitempty"`
	MaxMissingDependencyDepth                    int    `yaml:"maxMissingDependencyDepth,omitempty"`
	WhatIf                                       bool   `yaml:"whatIf,omitempty"`
	RemediationTimeout                           string `yaml:"remediationTimeout,omitempty"`
}

// StateStoreConfig selects where processed change versions are kept
type StateStoreConfig struct {
	// Type is one of file, postgres or badger
	Type string `yaml:"type,omitempty"`

	// Path is the JSON file for the file store or the directory for the badger store
	Path string `yaml:"path,omitempty"`

	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// ErrorPublishingConfig controls where failed items are reported
type ErrorPublishingConfig struct {
	BatchSize int `yaml:"batchSize,omitempty"`

	// File appends failures as JSON lines when set
	File string `yaml:"file,omitempty"`
}

// StatusConfig enables the status server
type StatusConfig struct {
	Address string `yaml:"address"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from API_PUBLISHER_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		data, err := os.ReadFile(filepath.Clean(d.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	), nil
}

// GetSecret returns the client secret, preferring SecretFile, then Secret, then the
// API_PUBLISHER_<NAME>_SECRET environment variable
func (c *ConnectionConfig) GetSecret() (string, error) {
	if c.SecretFile != "" {
		data, err := os.ReadFile(filepath.Clean(c.SecretFile))
		if err != nil {
			return "", fmt.Errorf("failed to read secret for connection '%s': %w", c.Name, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if c.Secret != "" {
		return c.Secret, nil
	}
	return os.Getenv(EnvPrefix + "_" + envName(c.Name) + "_SECRET"), nil
}

// GetTimeout returns the request timeout
func (c *ConnectionConfig) GetTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
		return d
	}
	return defaultRequestTimeout
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses, defaults and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Connections.Source.Name == "" {
		c.Connections.Source.Name = "source"
	}
	if c.Connections.Target.Name == "" {
		c.Connections.Target.Name = "target"
	}

	o := &c.Options
	if o.StreamingPageSize <= 0 {
		o.StreamingPageSize = defaultPageSize
	}
	if o.StreamingPagesWaitDuration == "" {
		o.StreamingPagesWaitDuration = defaultWaitDuration.String()
	}
	if o.MaxConcurrentResourceStreams <= 0 {
		o.MaxConcurrentResourceStreams = defaultConcurrentStreams
	}
	if o.MaxDegreeOfParallelismForResourceItems <= 0 {
		o.MaxDegreeOfParallelismForResourceItems = defaultItemParallelism
	}
	if o.MaxDegreeOfParallelismForStreamResourcePages <= 0 {
		o.MaxDegreeOfParallelismForStreamResourcePages = defaultPageParallelism
	}
	if o.ChangeVersionPagingWindowSize <= 0 {
		o.ChangeVersionPagingWindowSize = defaultCVPagingWindowSize
	}
	if o.RetryStartingDelay == "" {
		o.RetryStartingDelay = defaultRetryStartingDelay.String()
	}
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if o.IncludeDescriptors == nil {
		include := true
		o.IncludeDescriptors = &include
	}
	if o.MaxMissingDependencyDepth <= 0 {
		o.MaxMissingDependencyDepth = defaultMissingDependency
	}

	if c.StateStore.Type == "" {
		c.StateStore.Type = StoreTypeFile
	}
	if c.StateStore.Path == "" {
		switch c.StateStore.Type {
		case StoreTypeFile:
			c.StateStore.Path = defaultStatePath
		case StoreTypeBadger:
			c.StateStore.Path = defaultBadgerPath
		}
	}
	if c.ErrorPublishing.BatchSize <= 0 {
		c.ErrorPublishing.BatchSize = defaultErrorBatchSize
	}
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error
	errs = append(errs, validateConnection("connections.source", &c.Connections.Source))
	errs = append(errs, validateConnection("connections.target", &c.Connections.Target))
	if strings.EqualFold(c.Connections.Source.Name, c.Connections.Target.Name) {
		errs = append(errs, fmt.Errorf("connections: source and target names must differ, both are '%s'",
			c.Connections.Source.Name))
	}
	errs = append(errs, c.Options.validate())
	errs = append(errs, c.StateStore.validate())

	for i, rule := range c.AuthorizationFailureHandling {
		if rule.Path == "" {
			errs = append(errs, fmt.Errorf("authorizationFailureHandling[%d]: path is required", i))
		}
	}
	if len(c.Remediations) > 0 {
		if err := remediation.ValidateRules(c.Remediations); err != nil {
			errs = append(errs, fmt.Errorf("remediations: %w", err))
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	if c.Status != nil && c.Status.Address == "" {
		errs = append(errs, fmt.Errorf("status: address is required"))
	}

	return errors.Join(errs...)
}

func validateConnection(prefix string, conn *ConnectionConfig) error {
	if conn.URL == "" {
		return fmt.Errorf("%s: url is required", prefix)
	}
	parsed, err := url.Parse(conn.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%s: url must be an absolute http(s) URL, got '%s'", prefix, conn.URL)
	}
	if conn.Timeout != "" {
		if _, err := time.ParseDuration(conn.Timeout); err != nil {
			return fmt.Errorf("%s: timeout must be a valid duration: %w", prefix, err)
		}
	}
	if conn.LastChangeVersionProcessed != nil && *conn.LastChangeVersionProcessed < 0 {
		return fmt.Errorf("%s: lastChangeVersionProcessed must not be negative", prefix)
	}
	if conn.RateLimit < 0 {
		return fmt.Errorf("%s: rateLimit must not be negative", prefix)
	}
	return nil
}

func (o *OptionsConfig) validate() error {
	for name, value := range map[string]string{
		"streamingPagesWaitDuration": o.StreamingPagesWaitDuration,
		"retryStartingDelay":         o.RetryStartingDelay,
		"remediationTimeout":         o.RemediationTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("options: %s must be a valid duration (e.g., '250ms', '10s'): %w", name, err)
		}
	}
	for _, code := range o.PotentiallyTransientStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("options: potentiallyTransientStatusCodes contains invalid status %d", code)
		}
	}
	return nil
}

func (s *StateStoreConfig) validate() error {
	switch s.Type {
	case StoreTypeFile, StoreTypeBadger:
		if s.Path == "" {
			return fmt.Errorf("stateStore: path is required for %s store", s.Type)
		}
	case StoreTypePostgres:
		if s.Database == nil {
			return fmt.Errorf("stateStore: database is required for postgres store")
		}
		if s.Database.Host == "" || s.Database.Database == "" {
			return fmt.Errorf("stateStore: database.host and database.database are required")
		}
		if s.Database.ConnMaxLifetime != "" {
			if _, err := time.ParseDuration(s.Database.ConnMaxLifetime); err != nil {
				return fmt.Errorf("stateStore: database.connMaxLifetime must be a valid duration: %w", err)
			}
		}
	default:
		return fmt.Errorf("stateStore: unknown type '%s' (expected %s, %s or %s)",
			s.Type, StoreTypeFile, StoreTypePostgres, StoreTypeBadger)
	}
	return nil
}

// Duration parses a duration option, falling back when it is empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return fallback
}

// SplitPaths splits a comma-separated resource list, trimming blanks
func SplitPaths(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
