// Package retry implements the bounded exponential backoff used for every outbound API call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/api-publisher/internal/apiclient"
)

const (
	// DefaultStartingDelay is the delay before the first retry
	DefaultStartingDelay = 100 * time.Millisecond

	// DefaultMaxAttempts is the default total number of attempts, including the first one
	DefaultMaxAttempts = 5

	// maxInterval caps a single backoff interval
	maxInterval = 30 * time.Second
)

// Policy describes how transient failures are retried
type Policy struct {
	// StartingDelay is the initial backoff interval; it doubles on every retry
	StartingDelay time.Duration

	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts int

	// TransientStatusCodes are additional status codes treated as potentially transient
	TransientStatusCodes []int
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		StartingDelay: DefaultStartingDelay,
		MaxAttempts:   DefaultMaxAttempts,
	}
}

// IsTransient reports whether a response status should be retried.
// Server errors, request timeouts, throttling and any configured
// potentially-transient codes are retried.
func (p Policy) IsTransient(statusCode int) bool {
	if statusCode >= http.StatusInternalServerError {
		return true
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return slices.Contains(p.TransientStatusCodes, statusCode)
}

// WithConflictAsTransient returns a classifier that also retries 409 Conflict,
// for targets that may be mid-update of the same resource.
func (p Policy) WithConflictAsTransient() func(int) bool {
	return func(statusCode int) bool {
		return statusCode == http.StatusConflict || p.IsTransient(statusCode)
	}
}

// transientStatusError signals a response that should be retried
type transientStatusError struct {
	statusCode int
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("transient HTTP status %d", e.statusCode)
}

// Do runs call until it yields a non-transient response or attempts run out.
// It returns the final response together with the number of attempts made. A nil
// response is only returned with a non-nil error, which happens when every attempt
// failed at the transport level or the context was cancelled.
func Do(
	ctx context.Context,
	policy Policy,
	isTransient func(statusCode int) bool,
	call func(ctx context.Context) (*apiclient.Response, error),
) (*apiclient.Response, int, error) {
	if isTransient == nil {
		isTransient = policy.IsTransient
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = policy.StartingDelay
	if expBackOff.InitialInterval <= 0 {
		expBackOff.InitialInterval = DefaultStartingDelay
	}
	expBackOff.Multiplier = 2
	expBackOff.MaxInterval = maxInterval

	attempts := 0
	var last *apiclient.Response
	operation := func() (*apiclient.Response, error) {
		attempts++
		resp, err := call(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		last = resp
		if isTransient(resp.StatusCode) {
			return resp, &transientStatusError{statusCode: resp.StatusCode}
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackOff),
		backoff.WithMaxTries(uint(maxAttempts)), // #nosec G115 -- maxAttempts is positive
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("Retrying request", "attempt", attempts, "next_delay", next, "error", err)
		}),
	)

	var statusErr *transientStatusError
	if errors.As(err, &statusErr) {
		// Retries exhausted on a transient status: the caller decides what the last
		// response means.
		return last, attempts, nil
	}
	if err != nil {
		if last != nil && ctx.Err() == nil {
			return last, attempts, nil
		}
		return resp, attempts, err
	}
	return resp, attempts, nil
}
