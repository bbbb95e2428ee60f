package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Now()
	b := NewBreaker("openai", DefaultBreakerConfig())
	b.now = func() time.Time { return now }
	return b, &now
}

func trip(b *Breaker) {
	for i := 0; i < b.cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
		assert.True(t, b.Allow())
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()

	// The streak restarts; four more failures do not trip it.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(t)
	trip(b)

	*now = now.Add(61 * time.Second)

	// Exactly one probe is admitted; concurrent callers stay blocked.
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow())
	assert.False(t, b.Allow())
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(t)
	trip(b)
	*now = now.Add(61 * time.Second)

	assert.True(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)
	trip(b)
	*now = now.Add(61 * time.Second)

	assert.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// The open timeout restarts from the failed probe.
	*now = now.Add(30 * time.Second)
	assert.False(t, b.Allow())
	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerBlocksBeforeTimeout(t *testing.T) {
	b, now := newTestBreaker(t)
	trip(b)

	*now = now.Add(59 * time.Second)
	assert.False(t, b.Allow())
}

func TestBreakerStateAppliesOpenTimeout(t *testing.T) {
	b, now := newTestBreaker(t)
	trip(b)
	assert.Equal(t, StateOpen, b.State())

	// With no traffic, reads still observe the half-open phase once the
	// timeout elapses.
	*now = now.Add(61 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
}

func TestBreakerStatsCounters(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()

	s := b.Stats()
	assert.Equal(t, "openai", s.Key)
	assert.Equal(t, "closed", s.State)
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(3), s.SuccessfulRequests)
	assert.InDelta(t, 0.75, s.SuccessRate, 1e-9)
	assert.Equal(t, 1, s.ConsecutiveFailures)
}

func TestBreakerStatsIdle(t *testing.T) {
	b, _ := newTestBreaker(t)

	s := b.Stats()
	assert.Equal(t, int64(0), s.TotalRequests)
	assert.Equal(t, 1.0, s.SuccessRate)
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(t)
	trip(b)
	assert.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	s := b.Stats()
	assert.Equal(t, int64(0), s.TotalRequests)
	assert.Equal(t, int64(0), s.SuccessfulRequests)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestBreakerSetStats(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig())
	set.For("openai").RecordSuccess()
	trip(set.For("anthropic"))

	stats := set.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "anthropic", stats[0].Key)
	assert.Equal(t, "open", stats[0].State)
	assert.Equal(t, "openai", stats[1].Key)
	assert.Equal(t, int64(1), stats[1].SuccessfulRequests)
	assert.Equal(t, 1.0, stats[1].SuccessRate)
}

func TestBreakerSetIsolatesKeys(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig())

	trip(set.For("openai"))

	assert.Equal(t, StateOpen, set.For("openai").State())
	assert.Equal(t, StateClosed, set.For("anthropic").State())
	assert.True(t, set.For("anthropic").Allow())
}

func TestBreakerSetConcurrentFor(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig())

	var wg sync.WaitGroup
	breakers := make([]*Breaker, 16)
	for i := range breakers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = set.For("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(breakers); i++ {
		assert.Same(t, breakers[0], breakers[i])
	}
}
