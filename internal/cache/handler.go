package cache

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/uridolan77/llmgateway/internal/metrics"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// Handler is the request-level caching layer: admission policy, fingerprint
// keying, serialization, and single-flight collapsing of concurrent identical
// misses so at most one upstream call runs per key.
type Handler struct {
	store   Store
	group   singleflight.Group
	logger  *slog.Logger
	enabled bool
}

// NewHandler creates a cache handler. A nil store disables caching.
func NewHandler(store Store, enabled bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:   store,
		logger:  logger,
		enabled: enabled && store != nil,
	}
}

// Fetch produces a fresh response when the cache cannot serve one.
type Fetch func(ctx context.Context) (*types.ChatResponse, error)

// Complete serves req from cache when possible, otherwise invokes fetch and
// stores the admitted result. The bool reports whether the response came from
// cache. Cache read and write failures degrade to a plain fetch; they never
// fail the request.
func (h *Handler) Complete(ctx context.Context, provider string, req *types.ChatRequest, fetch Fetch) (*types.ChatResponse, bool, error) {
	if !h.enabled || !AdmitRequest(req) {
		resp, err := fetch(ctx)
		return resp, false, err
	}

	key, err := Fingerprint(provider, req)
	if err != nil {
		h.logger.Warn("cache fingerprint failed", "error", err)
		resp, err := fetch(ctx)
		return resp, false, err
	}

	if data, err := h.store.Get(ctx, key); err != nil {
		h.logger.Warn("cache read failed", "error", err)
	} else if data != nil {
		var resp types.ChatResponse
		if err := json.Unmarshal(data, &resp); err == nil {
			metrics.CacheHits.Inc()
			return &resp, true, nil
		}
		// Corrupt entry reads as a miss.
		_ = h.store.Delete(ctx, key)
	}
	metrics.CacheMisses.Inc()

	type flight struct {
		resp *types.ChatResponse
		data []byte
	}

	// The flight runs under the leader's context: if the leader goes away
	// mid-fetch, coalesced followers share its cancellation error. Followers
	// retrying a fresh request is cheaper than detaching the fetch from
	// cancellation entirely, which would leave orphaned upstream calls.
	v, err, shared := h.group.Do(key, func() (any, error) {
		resp, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		var data []byte
		if AdmitResponse(req, resp) {
			if data, err = json.Marshal(resp); err != nil {
				h.logger.Warn("cache marshal failed", "error", err)
				data = nil
			} else if err := h.store.Set(ctx, key, data, TTLFor(req)); err != nil {
				h.logger.Warn("cache write failed", "error", err)
			}
		}
		return flight{resp: resp, data: data}, nil
	})
	if err != nil {
		return nil, false, err
	}

	f := v.(flight)
	if !shared {
		return f.resp, false, nil
	}
	// Followers of a shared flight get their own copy so callers can mutate
	// the response freely.
	if f.data != nil {
		var resp types.ChatResponse
		if err := json.Unmarshal(f.data, &resp); err == nil {
			return &resp, false, nil
		}
	}
	return f.resp, false, nil
}

// Invalidate removes the cached entry for req, if any.
func (h *Handler) Invalidate(ctx context.Context, provider string, req *types.ChatRequest) error {
	if !h.enabled {
		return nil
	}
	key, err := Fingerprint(provider, req)
	if err != nil {
		return err
	}
	return h.store.Delete(ctx, key)
}

// Enabled reports whether caching is active.
func (h *Handler) Enabled() bool { return h.enabled }

// Stats returns backend counters.
func (h *Handler) Stats() Stats {
	if h.store == nil {
		return Stats{}
	}
	return h.store.Stats()
}

// Ping checks backend health.
func (h *Handler) Ping(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	return h.store.Ping(ctx)
}

// Close releases the backend.
func (h *Handler) Close() error {
	if h.store == nil {
		return nil
	}
	return h.store.Close()
}
