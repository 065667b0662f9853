package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/api-publisher/internal/apiclient"
)

func fastPolicy(attempts int) Policy {
	return Policy{StartingDelay: time.Millisecond, MaxAttempts: attempts}
}

func TestPolicy_IsTransient(t *testing.T) {
	t.Parallel()

	policy := Policy{TransientStatusCodes: []int{http.StatusForbidden}}

	tests := []struct {
		name       string
		statusCode int
		expected   bool
	}{
		{name: "500 is transient", statusCode: http.StatusInternalServerError, expected: true},
		{name: "503 is transient", statusCode: http.StatusServiceUnavailable, expected: true},
		{name: "408 is transient", statusCode: http.StatusRequestTimeout, expected: true},
		{name: "429 is transient", statusCode: http.StatusTooManyRequests, expected: true},
		{name: "configured 403 is transient", statusCode: http.StatusForbidden, expected: true},
		{name: "400 is permanent", statusCode: http.StatusBadRequest, expected: false},
		{name: "404 is permanent", statusCode: http.StatusNotFound, expected: false},
		{name: "409 is permanent by default", statusCode: http.StatusConflict, expected: false},
		{name: "200 is not retried", statusCode: http.StatusOK, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, policy.IsTransient(tt.statusCode))
		})
	}

	assert.True(t, policy.WithConflictAsTransient()(http.StatusConflict))
	assert.False(t, policy.WithConflictAsTransient()(http.StatusBadRequest))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	statuses := []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}
	calls := 0

	resp, attempts, err := Do(context.Background(), fastPolicy(5), nil,
		func(context.Context) (*apiclient.Response, error) {
			status := statuses[calls]
			calls++
			return &apiclient.Response{StatusCode: status}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastResponseWhenExhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	resp, attempts, err := Do(context.Background(), fastPolicy(3), nil,
		func(context.Context) (*apiclient.Response, error) {
			calls++
			return &apiclient.Response{StatusCode: http.StatusInternalServerError}, nil
		})

	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStatusIsNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	resp, attempts, err := Do(context.Background(), fastPolicy(5), nil,
		func(context.Context) (*apiclient.Response, error) {
			calls++
			return &apiclient.Response{StatusCode: http.StatusBadRequest}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomClassifier(t *testing.T) {
	t.Parallel()

	policy := fastPolicy(4)
	calls := 0
	resp, attempts, err := Do(context.Background(), policy, policy.WithConflictAsTransient(),
		func(context.Context) (*apiclient.Response, error) {
			calls++
			if calls < 2 {
				return &apiclient.Response{StatusCode: http.StatusConflict}, nil
			}
			return &apiclient.Response{StatusCode: http.StatusNoContent}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 2, attempts)
}

func TestDo_TransportErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	resp, attempts, err := Do(context.Background(), fastPolicy(3), nil,
		func(context.Context) (*apiclient.Response, error) {
			calls++
			return nil, errors.New("connection refused")
		})

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDo_TransportErrorThenSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	resp, attempts, err := Do(context.Background(), fastPolicy(3), nil,
		func(context.Context) (*apiclient.Response, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection reset")
			}
			return &apiclient.Response{StatusCode: http.StatusOK}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, attempts)
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := Do(ctx, Policy{StartingDelay: time.Millisecond, MaxAttempts: 10}, nil,
		func(ctx context.Context) (*apiclient.Response, error) {
			calls++
			cancel()
			return nil, ctx.Err()
		})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
