package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindAuthFailed},
		{http.StatusForbidden, KindAuthFailed},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadRequest, KindBadRequest},
		{http.StatusNotFound, KindModelNotFound},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusServiceUnavailable, KindProviderUnavailable},
		{http.StatusBadGateway, KindProviderUnavailable},
		{http.StatusInternalServerError, KindUpstreamError},
		{http.StatusNotImplemented, KindUpstreamError},
	}

	for _, tc := range cases {
		err := FromStatus(tc.status, "openai", "gpt-4o", "boom")
		assert.Equal(t, tc.kind, err.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, err.StatusCode)
	}
}

func TestClassificationIsPure(t *testing.T) {
	// Repeated classification of the same error yields the same kind.
	err := FromStatus(429, "openai", "gpt-4o", "slow down")
	for i := 0; i < 3; i++ {
		assert.Equal(t, KindRateLimited, KindOf(err))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(KindRateLimited, "x").Retryable())
	assert.True(t, New(KindTimeout, "x").Retryable())
	assert.True(t, New(KindProviderUnavailable, "x").Retryable())
	assert.False(t, New(KindAuthFailed, "x").Retryable())
	assert.False(t, New(KindBadRequest, "x").Retryable())
	assert.False(t, New(KindContentFiltered, "x").Retryable())
	assert.False(t, New(KindBudgetExceeded, "x").Retryable())
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 403, New(KindContentFiltered, "x").HTTPStatus())
	assert.Equal(t, 403, New(KindBudgetExceeded, "x").HTTPStatus())
	assert.Equal(t, 404, New(KindModelNotFound, "x").HTTPStatus())
	assert.Equal(t, 404, New(KindProviderNotFound, "x").HTTPStatus())
	assert.Equal(t, 429, New(KindRateLimited, "x").HTTPStatus())
	assert.Equal(t, 502, New(KindCircuitOpen, "x").HTTPStatus())
	assert.Equal(t, 500, New(KindRoutingLoop, "x").HTTPStatus())
	assert.Equal(t, 400, New(KindNotSupported, "x").HTTPStatus())
}

func TestKindOfUnwraps(t *testing.T) {
	inner := New(KindTimeout, "deadline").WithProvider("anthropic", "claude-3-sonnet")
	wrapped := fmt.Errorf("pipeline: %w", inner)
	assert.Equal(t, KindTimeout, KindOf(wrapped))

	ge := AsGateway(wrapped)
	require.NotNil(t, ge)
	assert.Equal(t, "anthropic", ge.Provider)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
}

func TestKindOfContextDeadline(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))

	wrapped := fmt.Errorf("call: %w", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, http.StatusGatewayTimeout, AsGateway(wrapped).HTTPStatus())

	// Client cancellation is not an upstream timeout.
	assert.Equal(t, KindInternal, KindOf(context.Canceled))
}
