package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/uridolan77/llmgateway/internal/observability"
	"github.com/uridolan77/llmgateway/internal/pipeline"
	"github.com/uridolan77/llmgateway/internal/provider"
	"github.com/uridolan77/llmgateway/internal/resilience"
	"github.com/uridolan77/llmgateway/internal/streaming"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

const (
	maxBatchSize     = 100
	batchConcurrency = 5
)

func (s *Server) caller(r *http.Request) pipeline.Caller {
	p, _ := callerFrom(r.Context())
	return pipeline.Caller{
		UserID:    p.UserID,
		ProjectID: p.ProjectID,
		RequestID: observability.RequestID(r.Context()),
	}
}

// decode reads a JSON body with the configured size cap.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	maxBytes := s.snapshot().Server.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return gwerr.Newf(gwerr.KindBadRequest, "invalid request body: %v", err)
	}
	return nil
}

// Completions handles POST /api/v1/completions.
func (s *Server) Completions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.pipeline.Complete(r.Context(), &req, s.caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CompletionsStream handles POST /api/v1/completions/stream, emitting SSE
// frames terminated by data: [DONE].
func (s *Server) CompletionsStream(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	chunks, err := s.pipeline.CompleteStream(r.Context(), &req, s.caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	sse, err := streaming.NewWriter(w)
	if err != nil {
		writeError(w, r, gwerr.Newf(gwerr.KindInternal, "%v", err))
		return
	}
	if err := streaming.Forward(r.Context(), sse, chunks, req.Model); err != nil {
		s.logger.Debug("stream ended early", "error", err)
	}
}

type batchRequest struct {
	Requests []types.ChatRequest `json:"requests"`
}

type batchItem struct {
	Response *types.ChatResponse `json:"response,omitempty"`
	Error    *Problem            `json:"error,omitempty"`
}

type batchResponse struct {
	Responses []batchItem `json:"responses"`
}

// CompletionsBatch handles POST /api/v1/completions/batch: up to 100 requests
// executed with bounded concurrency, results in input order.
func (s *Server) CompletionsBatch(w http.ResponseWriter, r *http.Request) {
	var batch batchRequest
	if err := s.decode(w, r, &batch); err != nil {
		writeError(w, r, err)
		return
	}
	if len(batch.Requests) == 0 {
		writeError(w, r, gwerr.New(gwerr.KindBadRequest, "batch contains no requests"))
		return
	}
	if len(batch.Requests) > maxBatchSize {
		writeError(w, r, gwerr.Newf(gwerr.KindBadRequest, "batch size %d exceeds the limit of %d", len(batch.Requests), maxBatchSize))
		return
	}

	caller := s.caller(r)
	results := make([]batchItem, len(batch.Requests))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(batchConcurrency)
	for i := range batch.Requests {
		i := i
		g.Go(func() error {
			resp, err := s.pipeline.Complete(ctx, &batch.Requests[i], caller)
			if err != nil {
				p := problemFor(r, err)
				results[i] = batchItem{Error: &p}
				return nil
			}
			results[i] = batchItem{Response: resp}
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, batchResponse{Responses: results})
}

// Embeddings handles POST /api/v1/embeddings.
func (s *Server) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.pipeline.Embed(r.Context(), &req, s.caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type modelList struct {
	Object string            `json:"object"`
	Data   []types.ModelInfo `json:"data"`
}

// Models handles GET /api/v1/models, listing the logical model catalog.
func (s *Server) Models(w http.ResponseWriter, r *http.Request) {
	mappings := s.router.Catalog().Mappings()

	data := make([]types.ModelInfo, 0, len(mappings))
	for _, m := range mappings {
		data = append(data, types.ModelInfo{
			ID:            m.LogicalID,
			Object:        "model",
			Provider:      m.Provider,
			DisplayName:   m.DisplayName,
			ContextWindow: m.ContextWindow,
			Capabilities:  m.Capabilities,
		})
	}

	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: data})
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Providers []provider.HealthStatus   `json:"providers"`
	Circuits  []resilience.BreakerStats `json:"circuits,omitempty"`
}

// Health handles GET /health. Unauthenticated; degraded when any provider's
// last probe failed.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.HealthSnapshot()

	status := "ok"
	for _, hs := range snapshot {
		if !hs.Available {
			status = "degraded"
			break
		}
	}

	health := healthResponse{Status: status, Providers: snapshot}
	if s.breakers != nil {
		health.Circuits = s.breakers.Stats()
	}
	writeJSON(w, http.StatusOK, health)
}
