package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/uridolan77/llmgateway/internal/config"
	"github.com/uridolan77/llmgateway/internal/ledger"
	"github.com/uridolan77/llmgateway/internal/metrics"
	"github.com/uridolan77/llmgateway/internal/resilience"
	"github.com/uridolan77/llmgateway/internal/routing"
	"github.com/uridolan77/llmgateway/internal/streaming"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// CompleteStream executes a streaming completion. Retry and fallback apply to
// opening the stream only; once the first byte flows, a broken stream fails
// the call. The returned channel closes after the terminal chunk.
func (p *Pipeline) CompleteStream(ctx context.Context, req *types.ChatRequest, caller Caller) (<-chan *types.StreamChunk, error) {
	cfg := p.snapshot()
	start := time.Now()

	streamCtx, cancel := context.WithTimeout(ctx, p.deadline(cfg, true))

	decision, effective, _, err := p.prelude(streamCtx, cfg, req, caller)
	if err != nil {
		cancel()
		return nil, err
	}
	effective.Stream = true

	upstream, decision, err := p.openStreamWithFallback(streamCtx, cfg, decision, effective)
	if err != nil {
		cancel()
		metrics.RecordRequest(decision.Provider, decision.LogicalModelID, "completion_stream", string(gwerr.KindOf(err)), time.Since(start))
		return nil, surfaceError(err)
	}

	out := make(chan *types.StreamChunk, 16)
	go func() {
		defer cancel()
		p.pump(streamCtx, cfg, decision, upstream, out, caller, start)
	}()
	return out, nil
}

// openStreamWithFallback obtains the upstream chunk channel, walking the
// fallback chain when a candidate fails before the first byte.
func (p *Pipeline) openStreamWithFallback(ctx context.Context, cfg *config.Config, decision routing.Decision, effective *types.ChatRequest) (<-chan types.StreamChunk, routing.Decision, error) {
	maxFallbacks := p.fallbackBudget(cfg)
	tried := map[string]bool{lower(decision.LogicalModelID): true}

	for attempt := 0; ; attempt++ {
		upstream, err := p.openStream(ctx, decision, effective)
		if err == nil {
			return upstream, decision, nil
		}
		if !cfg.Fallbacks.EnableFallbacks || attempt >= maxFallbacks || ctx.Err() != nil {
			return nil, decision, err
		}
		next, nextDecision, ok := p.nextFallback(decision, effective, gwerr.KindOf(err), tried, maxFallbacks)
		if !ok {
			return nil, decision, err
		}
		metrics.FallbackAttempts.WithLabelValues(decision.LogicalModelID, next).Inc()
		decision = nextDecision
		effective = effective.Clone()
		effective.Model = decision.LogicalModelID
		effective.Stream = true
	}
}

func (p *Pipeline) openStream(ctx context.Context, decision routing.Decision, effective *types.ChatRequest) (<-chan types.StreamChunk, error) {
	adapter, err := p.registry.Get(decision.Provider)
	if err != nil {
		return nil, err
	}
	if !adapter.SupportsStreaming() {
		return nil, gwerr.Newf(gwerr.KindNotSupported, "provider %q does not support streaming", decision.Provider)
	}
	breaker := p.breakers.For(decision.Provider)

	wire := effective.Clone()
	wire.Model = decision.ProviderModelID

	op := func(ctx context.Context) (<-chan types.StreamChunk, error) {
		if !breaker.Allow() {
			return nil, resilience.ErrOpen(decision.Provider)
		}
		upstream, err := adapter.CompleteStream(ctx, wire)
		p.observe(breaker, err)
		return upstream, err
	}
	return resilience.Retry(ctx, p.retryConfig(), decision.Provider, op)
}

// pump forwards upstream chunks downstream with delta filtering, accumulates
// usage, and records spend at stream end. A cancelled stream records partial
// usage under completion_partial.
func (p *Pipeline) pump(ctx context.Context, cfg *config.Config, decision routing.Decision, upstream <-chan types.StreamChunk, out chan<- *types.StreamChunk, caller Caller, start time.Time) {
	defer close(out)

	acc := streaming.NewAccumulator(decision.LogicalModelID)
	filterDeltas := cfg.ContentFiltering.Enable && cfg.ContentFiltering.FilterCompletions
	first := true
	status := "success"

	finish := func(op string) {
		usage, ok := acc.Usage()
		if !ok {
			usage = &types.Usage{}
		}
		p.recordAsync(cfg, op, decision, usage, caller)
		metrics.RecordRequest(decision.Provider, decision.LogicalModelID, "completion_stream", status, time.Since(start))
	}

	for {
		select {
		case <-ctx.Done():
			status = "cancelled"
			finish(ledger.OpCompletionPartial)
			return
		case chunk, ok := <-upstream:
			if !ok {
				finish(ledger.OpCompletion)
				return
			}
			c := chunk
			if first {
				metrics.TimeToFirstToken.WithLabelValues(decision.Provider, decision.LogicalModelID).Observe(time.Since(start).Seconds())
				first = false
			}
			if filterDeltas {
				p.filterDelta(ctx, &c)
			}
			c.Model = decision.LogicalModelID
			acc.Add(&c)
			if c.Error != nil {
				status = c.Error.Code
			}

			select {
			case out <- &c:
			case <-ctx.Done():
				status = "cancelled"
				finish(ledger.OpCompletionPartial)
				return
			}
		}
	}
}

// filterDelta checks one chunk's delta text, replacing blocked content and
// marking the chunk with a content_filter finish reason.
func (p *Pipeline) filterDelta(ctx context.Context, chunk *types.StreamChunk) {
	for i := range chunk.Choices {
		content := chunk.Choices[i].Delta.Content
		if content == "" {
			continue
		}
		if res := p.filter.CheckCompletion(ctx, content); !res.Allowed {
			for _, cat := range res.Categories {
				metrics.FilterBlocked.WithLabelValues("completion", cat).Inc()
			}
			chunk.Choices[i].Delta.Content = types.FilteredContent
			chunk.Choices[i].FinishReason = types.FinishContentFilter
			p.logger.Warn("stream delta blocked by content filter",
				slog.String("model", chunk.Model))
		}
	}
}
