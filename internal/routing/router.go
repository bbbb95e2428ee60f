package routing

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/uridolan77/llmgateway/internal/config"
	"github.com/uridolan77/llmgateway/internal/metrics"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// Decision is the routing outcome for one outbound attempt.
type Decision struct {
	Provider        string
	LogicalModelID  string
	ProviderModelID string
	ContextWindow   int
	Mapping         config.ModelMapping
	Strategy        string
	Reason          string
}

// Router resolves logical model ids to provider calls. The catalog pointer is
// swapped atomically on config reload; each request routes against one
// consistent snapshot.
type Router struct {
	catalog atomic.Pointer[Catalog]
	latency LatencySource
	trace   TraceSink
	logger  *slog.Logger
}

// New builds a router over an initial catalog. latency may be nil (the default
// latency table is used); trace may be nil (decisions are not recorded).
func New(catalog *Catalog, latency LatencySource, trace TraceSink, logger *slog.Logger) *Router {
	if trace == nil {
		trace = NopTrace()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{latency: latency, trace: trace, logger: logger}
	r.catalog.Store(catalog)
	return r
}

// Reload swaps in a catalog built from a new config snapshot.
func (r *Router) Reload(catalog *Catalog) {
	r.catalog.Store(catalog)
}

// Catalog returns the current catalog snapshot.
func (r *Router) Catalog() *Catalog {
	return r.catalog.Load()
}

// Route resolves the request's model to a provider call: alias chasing, user
// preference, direct mapping, then strategy execution.
func (r *Router) Route(req *types.ChatRequest) (Decision, error) {
	cat := r.catalog.Load()
	requested := req.Model

	logicalID, err := cat.ResolveAlias(requested)
	if err != nil {
		r.record(requested, Decision{LogicalModelID: requested}, req.User, err)
		return Decision{}, err
	}

	// Stored user preference overrides the requested model unless the request
	// opts out. The preferred model goes through alias resolution too.
	reason := "requested model"
	if !req.DisablePreferenceOverride && req.User != "" {
		if pref, ok := cat.UserModel(req.User); ok {
			logicalID, err = cat.ResolveAlias(pref)
			if err != nil {
				r.record(requested, Decision{LogicalModelID: pref}, req.User, err)
				return Decision{}, err
			}
			reason = "user model preference"
		}
	}

	if m, ok := cat.Mapping(logicalID); ok {
		d := decisionFor(m, StrategyDirect, reason)
		r.record(requested, d, req.User, nil)
		return d, nil
	}

	strategy := r.strategyFor(cat, req.User, logicalID)
	d, err := r.execute(strategy, req, cat)
	if err != nil {
		r.record(requested, Decision{LogicalModelID: logicalID, Strategy: strategy}, req.User, err)
		return Decision{}, err
	}
	r.record(requested, d, req.User, nil)
	return d, nil
}

// strategyFor picks the strategy when no direct mapping exists: user routing
// preference wins, then the per-model configuration, then content-based.
func (r *Router) strategyFor(cat *Catalog, userID, logicalID string) string {
	if userID != "" {
		if s, ok := cat.UserStrategy(userID); ok {
			return normalizeStrategy(s)
		}
	}
	if s, ok := cat.ModelStrategy(logicalID); ok {
		return normalizeStrategy(s)
	}
	return StrategyContent
}

func normalizeStrategy(s string) string {
	switch strings.ToLower(s) {
	case "directmapping", "direct":
		return StrategyDirect
	case "costoptimized", "cost":
		return StrategyCost
	case "latencyoptimized", "latency":
		return StrategyLatency
	default:
		return StrategyContent
	}
}

func (r *Router) execute(strategy string, req *types.ChatRequest, cat *Catalog) (Decision, error) {
	switch strategy {
	case StrategyCost:
		if m, ok := chooseCost(req, cat, r.latency); ok {
			return decisionFor(m, StrategyCost, "lowest estimated cost"), nil
		}
	case StrategyLatency:
		if m, ok := chooseLatency(req, cat, r.latency); ok {
			return decisionFor(m, StrategyLatency, "lowest estimated latency"), nil
		}
	default:
		if m, bucket, ok := chooseContent(req, cat); ok {
			return decisionFor(m, StrategyContent, "content bucket: "+bucket), nil
		}
	}
	return Decision{}, gwerr.Newf(gwerr.KindModelNotFound, "no mapping available for model %q", req.Model)
}

// Fallbacks returns the ordered fallback candidates for a failed attempt,
// bounded by the configured attempt cap and with already-tried models removed.
func (r *Router) Fallbacks(logicalID string, kind gwerr.Kind, tried map[string]bool, maxAttempts int) []string {
	cat := r.catalog.Load()
	rule, ok := cat.FallbackRule(logicalID, kind)
	if !ok {
		return nil
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	out := make([]string, 0, len(rule.FallbackModels))
	for _, candidate := range rule.FallbackModels {
		if len(out) >= maxAttempts {
			break
		}
		if tried[strings.ToLower(candidate)] {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

func decisionFor(m config.ModelMapping, strategy, reason string) Decision {
	return Decision{
		Provider:        m.Provider,
		LogicalModelID:  m.LogicalID,
		ProviderModelID: m.ProviderModelID,
		ContextWindow:   m.ContextWindow,
		Mapping:         m,
		Strategy:        strategy,
		Reason:          reason,
	}
}

func (r *Router) record(requested string, d Decision, userID string, err error) {
	rec := TraceRecord{
		Time:            time.Now(),
		RequestedModel:  requested,
		LogicalModelID:  d.LogicalModelID,
		Provider:        d.Provider,
		ProviderModelID: d.ProviderModelID,
		Strategy:        d.Strategy,
		Reason:          d.Reason,
		UserID:          userID,
		Success:         err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
		r.logger.Warn("routing failed",
			slog.String("model", requested),
			slog.String("error", err.Error()))
	} else {
		metrics.RoutingDecisions.WithLabelValues(d.Strategy, d.Provider).Inc()
	}
	r.trace.Record(rec)
}
