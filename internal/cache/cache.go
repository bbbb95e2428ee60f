// Package cache provides the provider-aware response cache: a deterministic
// request fingerprint, pluggable TTL backends (in-memory and redis), and a
// single-flight handler so concurrent identical requests produce at most one
// upstream call.
package cache

import (
	"context"
	"time"
)

// Stats holds cache counters for monitoring.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

// Store is the cache backend contract. Expired entries read as misses;
// backends never surface expiry as an error.
type Store interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value with an absolute TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetSliding stores value with a TTL that is renewed on every Get.
	SetSliding(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Stats returns cache counters.
	Stats() Stats

	// Close releases backend resources.
	Close() error
}
