// Package resilience provides the failure-handling layer around provider
// calls: per-target circuit breakers and the classified retry policy.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/uridolan77/llmgateway/internal/metrics"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
)

// CircuitState is the breaker phase.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// OpenTimeout is how long the circuit stays open before admitting a probe.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

// Breaker is a circuit breaker for one target (a provider, or a
// provider/model pair). In half-open exactly one probe request is admitted;
// its outcome decides whether the circuit closes or re-opens.
type Breaker struct {
	mu sync.Mutex

	key      string
	cfg      BreakerConfig
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool

	// Counters since creation or the last Reset.
	total     int64
	successes int64

	now func() time.Time // test hook
}

// BreakerStats is a point-in-time report of one breaker for health surfaces.
type BreakerStats struct {
	Key                 string  `json:"key"`
	State               string  `json:"state"`
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	SuccessRate         float64 `json:"success_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// NewBreaker creates a closed breaker for key.
func NewBreaker(key string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	b := &Breaker{key: key, cfg: cfg, now: time.Now}
	b.publish()
	return b
}

// Allow reports whether a request may proceed. When the open timeout has
// elapsed it admits exactly one probe; concurrent callers stay blocked until
// the probe reports its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call. A successful probe closes the
// circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.successes++
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probing = false
		b.failures = 0
		b.transition(StateClosed)
	}
}

// RecordFailure reports a failed call. In closed state it opens the circuit
// once the threshold is reached; a failed probe re-opens it and restarts the
// open timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// State returns the current phase, applying the open-timeout transition so
// health reporting does not lag behind Allow.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Stats reports the breaker's counters since creation or the last Reset.
// A breaker that has seen no traffic reports a success rate of 1.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	rate := 1.0
	if b.total > 0 {
		rate = float64(b.successes) / float64(b.total)
	}
	return BreakerStats{
		Key:                 b.key,
		State:               b.state.String(),
		TotalRequests:       b.total,
		SuccessfulRequests:  b.successes,
		SuccessRate:         rate,
		ConsecutiveFailures: b.failures,
	}
}

// refresh applies the elapsed open-timeout with mu held, so reads observe the
// half-open phase even when no request has hit Allow since the timeout passed.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transition(StateHalfOpen)
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.total = 0
	b.successes = 0
	b.transition(StateClosed)
}

// transition is called with mu held.
func (b *Breaker) transition(to CircuitState) {
	if b.state == to {
		return
	}
	b.state = to
	b.publish()
}

func (b *Breaker) publish() {
	metrics.CircuitState.WithLabelValues(b.key).Set(float64(b.state))
}

// BreakerSet lazily creates one breaker per target key.
type BreakerSet struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set sharing cfg.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for key, creating it closed on first use.
func (s *BreakerSet) For(key string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[key]; ok {
		return b
	}
	b = NewBreaker(key, s.cfg)
	s.breakers[key] = b
	return b
}

// Stats reports every breaker in the set, sorted by key.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// ErrOpen returns the error surfaced when the breaker for provider blocks a
// call.
func ErrOpen(provider string) *gwerr.GatewayError {
	return gwerr.New(gwerr.KindCircuitOpen, "provider temporarily disabled by circuit breaker").WithProvider(provider, "")
}
