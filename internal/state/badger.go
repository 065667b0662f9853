package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "changeversion/"

// BadgerOption configures the badger store
type BadgerOption func(*badgerOptions)

type badgerOptions struct {
	inMemory bool
	logger   *slog.Logger
}

// WithInMemory keeps the badger database in memory. Nothing survives Close.
func WithInMemory() BadgerOption {
	return func(o *badgerOptions) {
		o.inMemory = true
	}
}

// WithBadgerLogger routes badger's internal logging to logger
func WithBadgerLogger(logger *slog.Logger) BadgerOption {
	return func(o *badgerOptions) {
		o.logger = logger
	}
}

type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) an embedded badger database in dir
func NewBadgerStore(dir string, opts ...BadgerOption) (ChangeVersionStore, error) {
	o := &badgerOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var badgerOpts badger.Options
	if o.inMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if dir == "" {
			return nil, errors.New("path is required for the badger store")
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create badger directory %s: %w", dir, err)
		}
		badgerOpts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithNumVersionsToKeep(1)

	if o.logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{logger: o.logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &badgerStore{db: db}, nil
}

func badgerKey(source, target string) []byte {
	return []byte(badgerKeyPrefix + source + "/" + target)
}

func (b *badgerStore) GetProcessedChangeVersion(_ context.Context, source, target string) (int64, bool, error) {
	var (
		version int64
		found   bool
	)

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(source, target))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			parsed, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt change version for %s/%s: %w", source, target, err)
			}
			version, found = parsed, true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to read change version: %w", err)
	}

	return version, found, nil
}

func (b *badgerStore) SetProcessedChangeVersion(_ context.Context, source, target string, version int64) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(source, target), []byte(strconv.FormatInt(version, 10)))
	})
	if err != nil {
		return fmt.Errorf("failed to write change version: %w", err)
	}
	return nil
}

func (b *badgerStore) Close() error {
	return b.db.Close()
}

// badgerLogger adapts slog.Logger to badger's Logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
