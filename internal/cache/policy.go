package cache

import (
	"time"

	"github.com/uridolan77/llmgateway/pkg/types"
)

// TTL ladder by temperature. Higher temperatures produce unstable output and
// are not cached at all.
const (
	lowTempTTL = 60 * time.Minute // temperature <= 0.1
	midTempTTL = 30 * time.Minute // temperature <= 0.3

	maxCachedTemperature = 0.3
)

// AdmitRequest reports whether a request is eligible for caching at all.
// Streaming, tool-enabled, and high-temperature requests are excluded.
func AdmitRequest(req *types.ChatRequest) bool {
	if req.Stream || len(req.Tools) > 0 {
		return false
	}
	return temperature(req) <= maxCachedTemperature
}

// AdmitResponse reports whether a response may be stored. Responses carrying
// tool calls are never cached.
func AdmitResponse(req *types.ChatRequest, resp *types.ChatResponse) bool {
	if !AdmitRequest(req) {
		return false
	}
	return !resp.HasToolCalls()
}

// TTLFor returns the TTL for an admitted request per the temperature ladder.
// Returns 0 for requests that should not be cached.
func TTLFor(req *types.ChatRequest) time.Duration {
	t := temperature(req)
	switch {
	case t <= 0.1:
		return lowTempTTL
	case t <= maxCachedTemperature:
		return midTempTTL
	default:
		return 0
	}
}

func temperature(req *types.ChatRequest) float64 {
	if req.Temperature == nil {
		// Providers default to 1.0 when unset; treat as uncacheable.
		return 1.0
	}
	return *req.Temperature
}
