// Package api exposes the gateway over HTTP: the /api/v1 data plane (chi),
// SSE streaming, batch fan-out, a websocket endpoint, and the unauthenticated
// health and metrics surfaces.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uridolan77/llmgateway/internal/config"
	"github.com/uridolan77/llmgateway/internal/pipeline"
	"github.com/uridolan77/llmgateway/internal/provider"
	"github.com/uridolan77/llmgateway/internal/ratelimit"
	"github.com/uridolan77/llmgateway/internal/resilience"
	"github.com/uridolan77/llmgateway/internal/routing"
)

// Options wires the server's collaborators.
type Options struct {
	Snapshot func() *config.Config
	Pipeline *pipeline.Pipeline
	Registry *provider.Registry
	Router   *routing.Router
	Limiter  *ratelimit.Limiter
	Breakers *resilience.BreakerSet
	Logger   *slog.Logger
}

// Server carries handler state. Build the http.Handler with Handler().
type Server struct {
	snapshot func() *config.Config
	pipeline *pipeline.Pipeline
	registry *provider.Registry
	router   *routing.Router
	limiter  *ratelimit.Limiter
	breakers *resilience.BreakerSet
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		snapshot: opts.Snapshot,
		pipeline: opts.Pipeline,
		registry: opts.Registry,
		router:   opts.Router,
		limiter:  opts.Limiter,
		breakers: opts.Breakers,
		logger:   logger,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	cfg := s.snapshot()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "X-Correlation-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.With(s.require(PermCompletion)).Post("/completions", s.Completions)
		r.With(s.require(PermCompletion)).Post("/completions/stream", s.CompletionsStream)
		r.With(s.require(PermCompletion)).Post("/completions/batch", s.CompletionsBatch)
		r.With(s.require(PermEmbedding)).Post("/embeddings", s.Embeddings)
		r.Get("/models", s.Models)
		r.With(s.require(PermCompletion)).Get("/ws", s.WebSocket)
	})

	return r
}
