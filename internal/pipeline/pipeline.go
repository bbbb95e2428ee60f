// Package pipeline orchestrates one request end to end: validation, content
// filtering, routing, budget enforcement, caching, circuit breaking, retries,
// the adapter call, and cost tracking. Adapters stay format-only; every
// cross-cutting concern lives here.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/uridolan77/llmgateway/internal/cache"
	"github.com/uridolan77/llmgateway/internal/config"
	"github.com/uridolan77/llmgateway/internal/filter"
	"github.com/uridolan77/llmgateway/internal/ledger"
	"github.com/uridolan77/llmgateway/internal/metrics"
	"github.com/uridolan77/llmgateway/internal/provider"
	"github.com/uridolan77/llmgateway/internal/resilience"
	"github.com/uridolan77/llmgateway/internal/routing"
	"github.com/uridolan77/llmgateway/internal/tokenizer"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// Caller identifies the authenticated principal behind a request.
type Caller struct {
	UserID    string
	ProjectID string
	RequestID string
}

// Options wires the pipeline's collaborators.
type Options struct {
	Snapshot func() *config.Config
	Router   *routing.Router
	Registry *provider.Registry
	Cache    *cache.Handler
	Filter   *filter.Filter
	Ledger   *ledger.Ledger
	Breakers *resilience.BreakerSet
	Logger   *slog.Logger
}

// Pipeline executes completion, streaming, and embedding requests.
type Pipeline struct {
	snapshot func() *config.Config
	router   *routing.Router
	registry *provider.Registry
	cache    *cache.Handler
	filter   *filter.Filter
	ledger   *ledger.Ledger
	breakers *resilience.BreakerSet
	logger   *slog.Logger
}

// New builds a pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		snapshot: opts.Snapshot,
		router:   opts.Router,
		registry: opts.Registry,
		cache:    opts.Cache,
		filter:   opts.Filter,
		ledger:   opts.Ledger,
		breakers: opts.Breakers,
		logger:   logger,
	}
}

// Complete executes a non-streaming completion.
func (p *Pipeline) Complete(ctx context.Context, req *types.ChatRequest, caller Caller) (*types.ChatResponse, error) {
	cfg := p.snapshot()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.deadline(cfg, false))
	defer cancel()

	decision, effective, clamped, err := p.prelude(ctx, cfg, req, caller)
	if err != nil {
		return nil, err
	}

	resp, cached, err := p.completeWithFallback(ctx, cfg, decision, effective, caller)
	status := "success"
	if err != nil {
		status = string(gwerr.KindOf(err))
	}
	metrics.RecordRequest(decision.Provider, decision.LogicalModelID, "completion", status, time.Since(start))
	if err != nil {
		return nil, surfaceError(err)
	}

	if clamped {
		if resp.Metadata == nil {
			resp.Metadata = map[string]string{}
		}
		resp.Metadata["max_tokens_clamped"] = "true"
	}
	p.filterCompletion(ctx, cfg, resp)
	if !cached {
		p.recordAsync(cfg, ledger.OpCompletion, decision, resp.Usage, caller)
	}
	return resp, nil
}

// prelude runs the shared steps before any provider work: validation, prompt
// filtering, routing, token clamping, and budget enforcement.
func (p *Pipeline) prelude(ctx context.Context, cfg *config.Config, req *types.ChatRequest, caller Caller) (routing.Decision, *types.ChatRequest, bool, error) {
	if err := req.Validate(); err != nil {
		return routing.Decision{}, nil, false, gwerr.Newf(gwerr.KindBadRequest, "%v", err)
	}

	if cfg.ContentFiltering.Enable && cfg.ContentFiltering.FilterPrompts {
		if res := p.filter.CheckPrompt(ctx, req.PromptText()); !res.Allowed {
			for _, c := range res.Categories {
				metrics.FilterBlocked.WithLabelValues("prompt", c).Inc()
			}
			e := gwerr.New(gwerr.KindContentFiltered, res.Reason)
			e.Categories = res.Categories
			return routing.Decision{}, nil, false, e
		}
	}

	effective := req.Clone()
	if effective.User == "" {
		effective.User = caller.UserID
	}

	decision, err := p.router.Route(effective)
	if err != nil {
		return routing.Decision{}, nil, false, err
	}
	effective.Model = decision.LogicalModelID

	est := tokenizer.EstimateForRequest(effective, decision.ContextWindow)
	clamped := est.Clamped && effective.MaxTokens > 0
	if clamped {
		effective.MaxTokens = est.EstCompletionTokens
	}

	if cfg.Global.EnableBudgetEnforcement {
		estimated := p.ledger.EstimateCost(decision.Provider, decision.LogicalModelID, est.PromptTokens, est.EstCompletionTokens)
		if !p.ledger.IsWithinBudget(ctx, caller.UserID, caller.ProjectID, estimated) {
			return routing.Decision{}, nil, false, gwerr.New(gwerr.KindBudgetExceeded, "budget exceeded for this request")
		}
	}
	return decision, effective, clamped, nil
}

// completeWithFallback runs the cached provider call and walks the fallback
// chain on eligible failures. The same logical model is never tried twice.
func (p *Pipeline) completeWithFallback(ctx context.Context, cfg *config.Config, decision routing.Decision, effective *types.ChatRequest, caller Caller) (*types.ChatResponse, bool, error) {
	maxFallbacks := p.fallbackBudget(cfg)
	tried := map[string]bool{strings.ToLower(decision.LogicalModelID): true}

	var (
		resp   *types.ChatResponse
		cached bool
		err    error
	)
	for attempt := 0; ; attempt++ {
		resp, cached, err = p.completeCached(ctx, decision, effective)
		if err == nil {
			return resp, cached, nil
		}
		if !cfg.Fallbacks.EnableFallbacks || attempt >= maxFallbacks || ctx.Err() != nil {
			return nil, false, err
		}

		next, nextDecision, ok := p.nextFallback(decision, effective, gwerr.KindOf(err), tried, maxFallbacks)
		if !ok {
			return nil, false, err
		}
		metrics.FallbackAttempts.WithLabelValues(decision.LogicalModelID, next).Inc()
		p.logger.Info("falling back",
			slog.String("from", decision.LogicalModelID),
			slog.String("to", next),
			slog.String("reason", string(gwerr.KindOf(err))))

		decision = nextDecision
		effective = effective.Clone()
		effective.Model = decision.LogicalModelID
	}
}

// nextFallback picks the first untried candidate from the fallback rule
// covering this error kind. circuit_open matches rules listing either
// circuit_open or provider_unavailable.
func (p *Pipeline) nextFallback(decision routing.Decision, effective *types.ChatRequest, kind gwerr.Kind, tried map[string]bool, maxFallbacks int) (string, routing.Decision, bool) {
	candidates := p.router.Fallbacks(decision.LogicalModelID, kind, tried, maxFallbacks)
	if len(candidates) == 0 && kind == gwerr.KindCircuitOpen {
		candidates = p.router.Fallbacks(decision.LogicalModelID, gwerr.KindProviderUnavailable, tried, maxFallbacks)
	}
	for _, candidate := range candidates {
		fbReq := effective.Clone()
		fbReq.Model = candidate
		fbReq.DisablePreferenceOverride = true
		d, err := p.router.Route(fbReq)
		if err != nil || tried[strings.ToLower(d.LogicalModelID)] {
			continue
		}
		tried[strings.ToLower(d.LogicalModelID)] = true
		return candidate, d, true
	}
	return "", routing.Decision{}, false
}

// completeCached runs the breaker/retry-wrapped adapter call behind the cache
// handler, so concurrent identical requests collapse to one upstream call.
func (p *Pipeline) completeCached(ctx context.Context, decision routing.Decision, effective *types.ChatRequest) (*types.ChatResponse, bool, error) {
	fetch := func(ctx context.Context) (*types.ChatResponse, error) {
		return p.callComplete(ctx, decision, effective)
	}
	return p.cache.Complete(ctx, decision.Provider, effective, fetch)
}

// callComplete executes the adapter call inside the retry policy, gated by
// the provider's circuit breaker.
func (p *Pipeline) callComplete(ctx context.Context, decision routing.Decision, effective *types.ChatRequest) (*types.ChatResponse, error) {
	adapter, err := p.registry.Get(decision.Provider)
	if err != nil {
		return nil, err
	}
	breaker := p.breakers.For(decision.Provider)

	wire := effective.Clone()
	wire.Model = decision.ProviderModelID

	op := func(ctx context.Context) (*types.ChatResponse, error) {
		if !breaker.Allow() {
			return nil, resilience.ErrOpen(decision.Provider)
		}
		resp, err := adapter.Complete(ctx, wire)
		p.observe(breaker, err)
		return resp, err
	}

	resp, err := resilience.Retry(ctx, p.retryConfig(), decision.Provider, op)
	if err != nil {
		return nil, err
	}
	resp.Model = decision.LogicalModelID
	resp.Provider = adapter.Name()
	return resp, nil
}

// observe feeds the breaker. Only availability failures count; caller errors
// like bad_request or rate limiting do not open the circuit.
func (p *Pipeline) observe(breaker *resilience.Breaker, err error) {
	if err == nil {
		breaker.RecordSuccess()
		return
	}
	switch gwerr.KindOf(err) {
	case gwerr.KindProviderUnavailable, gwerr.KindTimeout, gwerr.KindUpstreamError:
		breaker.RecordFailure()
	}
}

// filterCompletion applies the completion-stage filter, replacing blocked
// content in place.
func (p *Pipeline) filterCompletion(ctx context.Context, cfg *config.Config, resp *types.ChatResponse) {
	if !cfg.ContentFiltering.Enable || !cfg.ContentFiltering.FilterCompletions {
		return
	}
	for i := range resp.Choices {
		content := resp.Choices[i].Message.Content
		if content == "" {
			continue
		}
		if res := p.filter.CheckCompletion(ctx, content); !res.Allowed {
			for _, c := range res.Categories {
				metrics.FilterBlocked.WithLabelValues("completion", c).Inc()
			}
			resp.Choices[i].Message.Content = types.FilteredContent
			resp.Choices[i].FinishReason = types.FinishContentFilter
		}
	}
}

// recordAsync writes the cost record off the request path.
func (p *Pipeline) recordAsync(cfg *config.Config, op string, decision routing.Decision, usage *types.Usage, caller Caller) {
	if !cfg.Global.EnableCostTracking {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := p.ledger.Track(ctx, op, decision.Provider, decision.LogicalModelID, usage, caller.UserID, caller.RequestID, caller.ProjectID, nil)
		if err != nil {
			p.logger.Error("cost record write failed", slog.String("error", err.Error()))
		}
	}()
}

// fallbackBudget bounds the fallback walk: after the first candidate, at most
// retryPolicy.maxRetryAttempts further candidates are tried, never exceeding
// the configured fallback depth.
func (p *Pipeline) fallbackBudget(cfg *config.Config) int {
	budget := cfg.Fallbacks.MaxFallbackAttempts
	gw := cfg.RetryPolicy.MaxRetryAttempts
	if gw <= 0 {
		gw = resilience.DefaultRetryConfig().MaxAttempts - 1
	}
	if gw < budget {
		budget = gw
	}
	return budget
}

// retryConfig derives the provider-level retry policy from config.
func (p *Pipeline) retryConfig() resilience.RetryConfig {
	cfg := p.snapshot()
	rc := resilience.ProviderRetryConfig()
	if cfg.RetryPolicy.MaxProviderRetryAttempts > 0 {
		rc.MaxAttempts = cfg.RetryPolicy.MaxProviderRetryAttempts + 1
	}
	if cfg.RetryPolicy.BaseRetryIntervalSeconds > 0 {
		rc.BaseDelay = time.Duration(cfg.RetryPolicy.BaseRetryIntervalSeconds * float64(time.Second))
	}
	return rc
}

// deadline is the outer wall-clock budget capping retries plus fallbacks.
func (p *Pipeline) deadline(cfg *config.Config, stream bool) time.Duration {
	secs := cfg.Global.DefaultTimeoutSeconds
	if stream {
		secs = cfg.Global.DefaultStreamTimeoutSeconds
	}
	if secs <= 0 {
		secs = 30
	}
	return 2 * time.Duration(secs) * time.Second
}

// surfaceError maps internal-only kinds to their caller-visible form.
func surfaceError(err error) error {
	if gwerr.KindOf(err) == gwerr.KindCircuitOpen {
		ge := gwerr.AsGateway(err)
		out := gwerr.New(gwerr.KindProviderUnavailable, ge.Message)
		return out.WithProvider(ge.Provider, ge.Model)
	}
	return err
}
