// Package helpers provides the API servers, configuration files and command runner used by
// the publisher integration specs.
package helpers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stacklok/api-publisher/cmd/api-publisher/app"
	"github.com/stacklok/api-publisher/internal/apiclient/apitest"
	"github.com/stacklok/api-publisher/internal/state"
)

// APIVersion is the version reported by both test APIs
const APIVersion = "5.3"

// Environment is a source and target API pair with a configuration file and a file state
// store in a private directory
type Environment struct {
	Source     *apitest.Server
	Target     *apitest.Server
	ConfigPath string
	StatePath  string
	ErrorPath  string
}

// Option adjusts the generated configuration file
type Option func(*settings)

type settings struct {
	source []string
	extra  []string
}

// WithSourceSetting adds a key to the source connection, such as a resource selection
func WithSourceSetting(key, value string) Option {
	return func(s *settings) {
		s.source = append(s.source, fmt.Sprintf("    %s: %s\n", key, value))
	}
}

// WithDocument appends a top-level YAML section to the configuration file
func WithDocument(section string) Option {
	return func(s *settings) {
		s.extra = append(s.extra, section)
	}
}

// NewEnvironment starts both APIs and writes a configuration file under dir
func NewEnvironment(dir string, opts ...Option) (*Environment, error) {
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}

	env := &Environment{
		Source:     apitest.NewServer(APIVersion),
		Target:     apitest.NewServer(APIVersion),
		ConfigPath: filepath.Join(dir, "config.yaml"),
		StatePath:  filepath.Join(dir, "state", "versions.json"),
		ErrorPath:  filepath.Join(dir, "errors.jsonl"),
	}
	env.Source.SetDependencies(Dependencies())
	env.Target.SetDependencies(Dependencies())
	env.Source.AddSnapshot("snapshot-1")

	doc := fmt.Sprintf(`connections:
  source:
    name: %s
    url: %s
%s  target:
    name: %s
    url: %s
options:
  streamingPageSize: 2
  streamingPagesWaitDuration: 20ms
  retryStartingDelay: 1ms
  maxRetryAttempts: 2
stateStore:
  type: file
  path: %s
%s`, SourceKey, env.Source.URL, strings.Join(cfg.source, ""),
		TargetKey, env.Target.URL, env.StatePath, strings.Join(cfg.extra, ""))

	if err := os.WriteFile(env.ConfigPath, []byte(doc), 0o600); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to write config file: %w", err)
	}
	return env, nil
}

// Publish runs the publish command with the environment's configuration and returns its
// standard output
func (e *Environment) Publish(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := app.NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"publish", "--config", e.ConfigPath, "--errorFile", e.ErrorPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// ProcessedVersion reads the change version recorded for the source and target pair
func (e *Environment) ProcessedVersion(ctx context.Context) (int64, bool, error) {
	store := state.NewFileStore(e.StatePath)
	defer func() { _ = store.Close() }()
	return store.GetProcessedChangeVersion(ctx, SourceKey, TargetKey)
}

// ErrorRecords reads the failed-item log written by the last runs
func (e *Environment) ErrorRecords() (string, error) {
	data, err := os.ReadFile(e.ErrorPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	return string(data), err
}

// Close stops both APIs
func (e *Environment) Close() {
	e.Source.Close()
	e.Target.Close()
}
