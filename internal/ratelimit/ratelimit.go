// Package ratelimit provides a per-caller token bucket over x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per caller key. Idle buckets are dropped
// after an inactivity window so the map cannot grow without bound.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	lastGC  time.Time
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config sizes the buckets. TokensPerPeriod tokens refill every Period;
// Burst is the bucket capacity.
type Config struct {
	TokensPerPeriod int
	Period          time.Duration
	Burst           int
}

// DefaultConfig allows 60 requests per minute with a burst of 10.
func DefaultConfig() Config {
	return Config{TokensPerPeriod: 60, Period: time.Minute, Burst: 10}
}

// New builds a limiter from config.
func New(cfg Config) *Limiter {
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	if cfg.TokensPerPeriod <= 0 {
		cfg.TokensPerPeriod = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.TokensPerPeriod
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(cfg.TokensPerPeriod) / cfg.Period.Seconds()),
		burst:   cfg.Burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether the caller may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// RetryAfter estimates how long the caller should wait before the next
// attempt would succeed.
func (l *Limiter) RetryAfter(key string) time.Duration {
	r := l.get(key).Reserve()
	delay := r.Delay()
	r.Cancel()
	if delay < time.Second {
		return time.Second
	}
	return delay
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastGC) > l.idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}
