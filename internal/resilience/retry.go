package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/uridolan77/llmgateway/internal/metrics"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
)

// RetryConfig tunes the classified retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, the first included.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps a single backoff wait.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig returns the gateway-level retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4, // 1 call + 3 retries
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// ProviderRetryConfig returns the tighter per-provider retry defaults used
// inside a fallback chain.
func ProviderRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3, // 1 call + 2 retries
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// shouldRetry classifies err. Rate limits, timeouts, and transient provider
// outages are retried; everything else fails fast. A tripped circuit breaker
// is deliberately not retried here so it does not burn the retry budget.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ge *gwerr.GatewayError
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Retryable()
}

// Delay computes the wait before retry number attempt (0-based): exponential
// backoff with full jitter over one base interval, capped at MaxDelay. An
// upstream Retry-After hint extends but never shortens the wait.
func (cfg RetryConfig) Delay(attempt int, err error) time.Duration {
	delay := cfg.BaseDelay << attempt
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	delay += time.Duration(rand.Int63n(int64(cfg.BaseDelay)))

	var ge *gwerr.GatewayError
	if errors.As(err, &ge) && ge.RetryAfter > delay {
		delay = ge.RetryAfter
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Retry runs op until it succeeds, exhausts the attempt budget, or hits a
// non-retryable error. The provider label is used for metrics only.
func Retry[T any](ctx context.Context, cfg RetryConfig, provider string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RetryAttempts.WithLabelValues(provider).Inc()
			select {
			case <-time.After(cfg.Delay(attempt-1, lastErr)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return zero, err
		}
	}
	return zero, lastErr
}
