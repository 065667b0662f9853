package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

const lockSuffix = ".lock"

// fileStore keeps every pair in one JSON document shaped
// {"<source>": {"<target>": <version>}}
type fileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the JSON file at path. The file and its
// directory are created on the first write.
func NewFileStore(path string) ChangeVersionStore {
	return &fileStore{path: path}
}

func (f *fileStore) GetProcessedChangeVersion(_ context.Context, source, target string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	versions, err := f.load()
	if err != nil {
		return 0, false, err
	}

	version, ok := versions[source][target]
	return version, ok, nil
}

func (f *fileStore) SetProcessedChangeVersion(_ context.Context, source, target string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.withFileLock(func() error {
		versions, err := f.load()
		if err != nil {
			return err
		}
		if versions[source] == nil {
			versions[source] = map[string]int64{}
		}
		versions[source][target] = version

		return f.save(versions)
	})
}

// withFileLock runs fn holding an exclusive lock on <path>.lock. Publishers for other
// connection pairs may share the file, and each rewrite must keep their versions.
func (f *fileStore) withFileLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		return fmt.Errorf("failed to create change version directory: %w", err)
	}

	lock := flock.New(f.path + lockSuffix)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock change version file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("Failed to unlock change version file", "path", f.path, "error", err)
		}
	}()

	return fn()
}

func (*fileStore) Close() error {
	return nil
}

func (f *fileStore) load() (map[string]map[string]int64, error) {
	// #nosec G304 -- path comes from the operator's configuration
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]int64{}, nil
		}
		return nil, fmt.Errorf("failed to read change version file: %w", err)
	}

	versions := map[string]map[string]int64{}
	if len(data) == 0 {
		return versions, nil
	}
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change version file %s: %w", f.path, err)
	}
	return versions, nil
}

func (f *fileStore) save(versions map[string]map[string]int64) error {
	data, err := json.MarshalIndent(versions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal change versions: %w", err)
	}

	// Write to temporary file first for atomic operation
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary change version file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename change version file: %w", err)
	}

	return nil
}
