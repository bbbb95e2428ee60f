package resilience

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastRetryConfig(4), "openai", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", gwerr.New(gwerr.KindRateLimited, "slow down")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(4), "openai", func(context.Context) (string, error) {
		calls++
		return "", gwerr.New(gwerr.KindTimeout, "deadline")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, gwerr.KindTimeout, gwerr.KindOf(err))
}

func TestRetryFailsFastOnPermanentError(t *testing.T) {
	permanent := []gwerr.Kind{
		gwerr.KindAuthFailed,
		gwerr.KindBadRequest,
		gwerr.KindModelNotFound,
		gwerr.KindContentFiltered,
		gwerr.KindBudgetExceeded,
		gwerr.KindCircuitOpen,
	}
	for _, kind := range permanent {
		calls := 0
		_, err := Retry(context.Background(), fastRetryConfig(4), "openai", func(context.Context) (string, error) {
			calls++
			return "", gwerr.New(kind, "nope")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "kind %s must not retry", kind)
	}
}

func TestRetryStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := Retry(ctx, RetryConfig{MaxAttempts: 4, BaseDelay: time.Hour, MaxDelay: time.Hour}, "openai", func(context.Context) (string, error) {
		calls++
		cancel()
		return "", gwerr.New(gwerr.KindTimeout, "deadline")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryDeadlineDuringBackoffIsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The deadline expires inside the first backoff sleep; the caller must
	// see a timeout, not an internal error.
	calls := 0
	_, err := Retry(ctx, RetryConfig{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second}, "openai", func(context.Context) (string, error) {
		calls++
		return "", gwerr.New(gwerr.KindRateLimited, "slow down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, gwerr.KindTimeout, gwerr.KindOf(err))
	assert.Equal(t, http.StatusGatewayTimeout, gwerr.AsGateway(err).HTTPStatus())
}

func TestRetryDoesNotRetryPlainErrors(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(4), "openai", func(context.Context) (string, error) {
		calls++
		return "", assert.AnError
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDelayExponentialGrowth(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second}
	err := gwerr.New(gwerr.KindTimeout, "deadline")

	for attempt := 0; attempt < 4; attempt++ {
		d := cfg.Delay(attempt, err)
		floor := cfg.BaseDelay << attempt
		assert.GreaterOrEqual(t, d, floor)
		assert.Less(t, d, floor+cfg.BaseDelay)
	}
}

func TestDelayHonorsRetryAfter(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Second}

	limited := gwerr.New(gwerr.KindRateLimited, "slow down")
	limited.RetryAfter = 5 * time.Second

	d := cfg.Delay(0, limited)
	assert.GreaterOrEqual(t, d, 5*time.Second)
}

func TestDelayCappedAtMax(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second}

	limited := gwerr.New(gwerr.KindRateLimited, "slow down")
	limited.RetryAfter = time.Minute

	assert.Equal(t, 2*time.Second, cfg.Delay(5, limited))
}
