package provider

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// HealthStatus is one probe result for a provider.
type HealthStatus struct {
	Provider  string        `json:"provider"`
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency_ms"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

// Registry holds the registered adapters and their latest health snapshots.
// Lookup is case-insensitive; enumeration order is stable (sorted by name).
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string

	// health snapshots expire so a stalled prober reads as unknown, not as
	// perpetually healthy.
	health *gocache.Cache
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		health:   gocache.New(15*time.Minute, 30*time.Minute),
		logger:   logger,
	}
}

// Register adds an adapter, replacing any previous one with the same name.
func (r *Registry) Register(a Adapter) {
	name := strings.ToLower(a.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; !exists {
		r.order = append(r.order, name)
		sort.Strings(r.order)
	}
	r.adapters[name] = a
}

// Get returns the adapter for name, or a provider_not_found error.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, gwerr.Newf(gwerr.KindProviderNotFound, "provider %q is not configured", name)
	}
	return a, nil
}

// All returns every adapter in stable name order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Names returns the registered provider names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Models returns every mapped logical model across providers, sorted by id.
func (r *Registry) Models() []types.ModelInfo {
	var out []types.ModelInfo
	for _, a := range r.All() {
		out = append(out, a.Models()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Health returns the latest probe result for a provider. ok is false when no
// probe has run recently.
func (r *Registry) Health(name string) (HealthStatus, bool) {
	v, ok := r.health.Get(strings.ToLower(name))
	if !ok {
		return HealthStatus{}, false
	}
	return v.(HealthStatus), true
}

// ProviderLatency reports the last probe latency for a healthy provider. It
// feeds the router's latency strategy.
func (r *Registry) ProviderLatency(name string) (time.Duration, bool) {
	hs, ok := r.Health(name)
	if !ok || !hs.Available {
		return 0, false
	}
	return hs.Latency, true
}

// HealthSnapshot returns the probe results for all providers, in stable order.
// Providers without a recent probe appear as unavailable with an empty
// CheckedAt.
func (r *Registry) HealthSnapshot() []HealthStatus {
	names := r.Names()
	out := make([]HealthStatus, 0, len(names))
	for _, name := range names {
		if hs, ok := r.Health(name); ok {
			out = append(out, hs)
		} else {
			out = append(out, HealthStatus{Provider: name})
		}
	}
	return out
}

// ProbeAll probes every provider once and records the results.
func (r *Registry) ProbeAll(ctx context.Context) {
	for _, a := range r.All() {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		start := time.Now()
		err := a.IsAvailable(probeCtx)
		cancel()

		hs := HealthStatus{
			Provider:  a.Name(),
			Available: err == nil,
			Latency:   time.Since(start),
			CheckedAt: time.Now(),
		}
		if err != nil {
			hs.Error = err.Error()
			r.logger.Warn("provider probe failed", "provider", a.Name(), "error", err)
		}
		r.health.SetDefault(strings.ToLower(a.Name()), hs)
	}
}

// StartProber probes all providers on the given interval until ctx ends.
func (r *Registry) StartProber(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		r.ProbeAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.ProbeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}
