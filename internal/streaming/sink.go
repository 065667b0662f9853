package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultErrorBatchSize is the number of error records published together
	DefaultErrorBatchSize = 100

	// DefaultErrorFlushInterval bounds how long a partial batch waits before publishing
	DefaultErrorFlushInterval = time.Second
)

// Publisher delivers batches of error records
type Publisher interface {
	Publish(ctx context.Context, batch []ErrorItemMessage) error
}

// ErrorSink collects failure records from every pipeline and publishes them in batches.
// The number of records posted is the run's success signal: any record fails the run.
type ErrorSink struct {
	publisher     Publisher
	batchSize     int
	flushInterval time.Duration

	mu     sync.RWMutex
	closed bool
	input  chan ErrorItemMessage
	done   chan struct{}
	count  atomic.Int64
}

// SinkOption configures an ErrorSink
type SinkOption func(*ErrorSink)

// WithBatchSize sets the publishing batch size
func WithBatchSize(size int) SinkOption {
	return func(s *ErrorSink) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets how often partial batches are published
func WithFlushInterval(interval time.Duration) SinkOption {
	return func(s *ErrorSink) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// NewErrorSink starts a sink publishing to publisher. Close must be called to flush it.
func NewErrorSink(publisher Publisher, opts ...SinkOption) *ErrorSink {
	if publisher == nil {
		publisher = NewLogPublisher(slog.Default())
	}
	s := &ErrorSink{
		publisher:     publisher,
		batchSize:     DefaultErrorBatchSize,
		flushInterval: DefaultErrorFlushInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.input = make(chan ErrorItemMessage, s.batchSize)

	go s.run()
	return s
}

// Post records a failure. Posting to a closed sink still counts the failure but the record
// is only logged.
func (s *ErrorSink) Post(msg ErrorItemMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.count.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		slog.Error("Error record posted after the sink was closed",
			"phase", msg.Phase, "method", msg.Method, "url", msg.ResourceURL, "status", msg.ResponseStatus)
		return
	}
	s.input <- msg
}

// Count returns the number of failures posted so far
func (s *ErrorSink) Count() int64 {
	return s.count.Load()
}

// Close flushes pending records and stops the sink. It waits until publishing completes or
// ctx is done.
func (s *ErrorSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.input)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain error sink: %w", ctx.Err())
	}
}

func (s *ErrorSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]ErrorItemMessage, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.publisher.Publish(context.Background(), batch); err != nil {
			slog.Error("Failed to publish error records", "count", len(batch), "error", err)
		}
		batch = make([]ErrorItemMessage, 0, s.batchSize)
	}

	for {
		select {
		case msg, ok := <-s.input:
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LogPublisher writes error records to a structured logger
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher logging through logger
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher
func (p *LogPublisher) Publish(ctx context.Context, batch []ErrorItemMessage) error {
	for _, msg := range batch {
		p.logger.ErrorContext(ctx, "Item failed",
			"phase", msg.Phase,
			"method", msg.Method,
			"url", msg.ResourceURL,
			"source_id", msg.SourceID,
			"status", msg.ResponseStatus,
			"response", msg.ResponseContent,
			"message", msg.Message,
		)
	}
	return nil
}

// FilePublisher appends error records to a file as JSON lines
type FilePublisher struct {
	mu   sync.Mutex
	path string
}

// NewFilePublisher creates a publisher appending to path
func NewFilePublisher(path string) *FilePublisher {
	return &FilePublisher{path: path}
}

// Publish implements Publisher
func (p *FilePublisher) Publish(_ context.Context, batch []ErrorItemMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// #nosec G304 -- path is provided by the operator's configuration
	file, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open error file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, msg := range batch {
		if err := encoder.Encode(msg); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to write error record: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close error file: %w", err)
	}
	return nil
}

// MultiPublisher fans a batch out to several publishers
type MultiPublisher []Publisher

// Publish implements Publisher
func (m MultiPublisher) Publish(ctx context.Context, batch []ErrorItemMessage) error {
	var firstErr error
	for _, publisher := range m {
		if err := publisher.Publish(ctx, batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
