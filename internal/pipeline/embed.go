package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/uridolan77/llmgateway/internal/ledger"
	"github.com/uridolan77/llmgateway/internal/metrics"
	"github.com/uridolan77/llmgateway/internal/resilience"
	"github.com/uridolan77/llmgateway/internal/routing"
	"github.com/uridolan77/llmgateway/internal/tokenizer"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

func lower(s string) string { return strings.ToLower(s) }

// Embed executes an embedding request. Embeddings route by direct mapping
// only; the completion strategies do not apply.
func (p *Pipeline) Embed(ctx context.Context, req *types.EmbeddingRequest, caller Caller) (*types.EmbeddingResponse, error) {
	cfg := p.snapshot()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.deadline(cfg, false))
	defer cancel()

	if err := req.Validate(); err != nil {
		return nil, gwerr.Newf(gwerr.KindBadRequest, "%v", err)
	}

	cat := p.router.Catalog()
	logicalID, err := cat.ResolveAlias(req.Model)
	if err != nil {
		return nil, err
	}
	m, ok := cat.Mapping(logicalID)
	if !ok {
		return nil, gwerr.Newf(gwerr.KindModelNotFound, "unknown model %q", req.Model)
	}
	if !m.Capabilities.Embeddings {
		return nil, gwerr.Newf(gwerr.KindNotSupported, "model %q does not serve embeddings", logicalID)
	}
	decision := routing.Decision{
		Provider:        m.Provider,
		LogicalModelID:  m.LogicalID,
		ProviderModelID: m.ProviderModelID,
		Mapping:         m,
	}

	if cfg.Global.EnableBudgetEnforcement {
		promptTokens := 0
		for _, text := range req.Input.Texts {
			promptTokens += tokenizer.CountTokens(text, logicalID)
		}
		estimated := p.ledger.EstimateCost(m.Provider, m.LogicalID, promptTokens, 0)
		if !p.ledger.IsWithinBudget(ctx, caller.UserID, caller.ProjectID, estimated) {
			return nil, gwerr.New(gwerr.KindBudgetExceeded, "budget exceeded for this request")
		}
	}

	resp, err := p.callEmbed(ctx, decision, req)
	status := "success"
	if err != nil {
		status = string(gwerr.KindOf(err))
	}
	metrics.RecordRequest(decision.Provider, decision.LogicalModelID, "embedding", status, time.Since(start))
	if err != nil {
		return nil, surfaceError(err)
	}

	p.recordAsync(cfg, ledger.OpEmbedding, decision, resp.Usage, caller)
	return resp, nil
}

func (p *Pipeline) callEmbed(ctx context.Context, decision routing.Decision, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	adapter, err := p.registry.Get(decision.Provider)
	if err != nil {
		return nil, err
	}
	breaker := p.breakers.For(decision.Provider)

	wire := *req
	wire.Model = decision.ProviderModelID

	op := func(ctx context.Context) (*types.EmbeddingResponse, error) {
		if !breaker.Allow() {
			return nil, resilience.ErrOpen(decision.Provider)
		}
		resp, err := adapter.Embed(ctx, &wire)
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
