// Package main is the entry point for the llmgateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/uridolan77/llmgateway/internal/api"
	"github.com/uridolan77/llmgateway/internal/cache"
	"github.com/uridolan77/llmgateway/internal/config"
	"github.com/uridolan77/llmgateway/internal/filter"
	"github.com/uridolan77/llmgateway/internal/ledger"
	"github.com/uridolan77/llmgateway/internal/observability"
	"github.com/uridolan77/llmgateway/internal/pipeline"
	"github.com/uridolan77/llmgateway/internal/provider/providers"
	"github.com/uridolan77/llmgateway/internal/ratelimit"
	"github.com/uridolan77/llmgateway/internal/resilience"
	"github.com/uridolan77/llmgateway/internal/routing"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting llmgateway", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	registry, err := providers.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		os.Exit(1)
	}
	registry.StartProber(ctx, cfg.HealthCheck.Interval)

	router := routing.New(routing.NewCatalog(cfg), registry, routing.NewRingTrace(256), logger)

	cfgManager.OnChange(func(newCfg *config.Config) {
		rebuilt, err := providers.Build(newCfg, logger)
		if err != nil {
			logger.Error("provider rebuild failed, keeping current set", "error", err)
		} else {
			for _, a := range rebuilt.All() {
				registry.Register(a)
			}
		}
		router.Reload(routing.NewCatalog(newCfg))
	})

	store, err := buildCacheStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var moderator filter.Moderator
	if cfg.ContentFiltering.UseMLFiltering && cfg.ContentFiltering.ModerationURL != "" {
		moderator = filter.NewHTTPModerator(cfg.ContentFiltering.ModerationURL, os.Getenv("LLMGATEWAY_MODERATION_API_KEY"))
	}
	contentFilter, err := filter.New(cfg.ContentFiltering, moderator)
	if err != nil {
		logger.Error("failed to build content filter", "error", err)
		os.Exit(1)
	}

	repo, err := ledgerRepository(logger)
	if err != nil {
		logger.Error("failed to open ledger repository", "error", err)
		os.Exit(1)
	}
	seedBudgets(ctx, repo, cfg, logger)

	led := ledger.New(repo, pipeline.ConfigPricing{Snapshot: cfgManager.Get}, logger)

	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		OpenTimeout:      cfg.CircuitBreaker.OpenTimeout,
	})

	pipe := pipeline.New(pipeline.Options{
		Snapshot: cfgManager.Get,
		Router:   router,
		Registry: registry,
		Cache:    cache.NewHandler(store, cfg.Global.EnableCaching, logger),
		Filter:   contentFilter,
		Ledger:   led,
		Breakers: breakers,
		Logger:   logger,
	})

	limiter := ratelimit.New(ratelimit.Config{
		TokensPerPeriod: cfg.RateLimit.TokensPerPeriod,
		Period:          time.Duration(cfg.RateLimit.ReplenishmentPeriodSeconds) * time.Second,
		Burst:           cfg.RateLimit.TokenLimit,
	})

	apiServer := api.NewServer(api.Options{
		Snapshot: cfgManager.Get,
		Pipeline: pipe,
		Registry: registry,
		Router:   router,
		Limiter:  limiter,
		Breakers: breakers,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}
	_ = cfgManager.Close()
	logger.Info("stopped")
}

// buildCacheStore selects the response cache backend from config.
func buildCacheStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Type {
	case "redis":
		return cache.NewRedis(ctx, cache.RedisConfig{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		})
	default:
		return cache.NewMemory(cache.MemoryConfig{MaxEntries: cfg.Cache.MaxSize}), nil
	}
}

// ledgerRepository opens the durable repository when database settings are
// present in the environment, and falls back to the in-memory one.
func ledgerRepository(logger *slog.Logger) (ledger.Repository, error) {
	host := os.Getenv("LLMGATEWAY_DB_HOST")
	if host == "" {
		logger.Info("no database configured, using in-memory cost ledger")
		return ledger.NewMemoryRepository(), nil
	}

	pg := ledger.DefaultPostgresConfig()
	pg.Host = host
	if v := os.Getenv("LLMGATEWAY_DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LLMGATEWAY_DB_PORT %q: %w", v, err)
		}
		pg.Port = port
	}
	if v := os.Getenv("LLMGATEWAY_DB_USER"); v != "" {
		pg.User = v
	}
	if v := os.Getenv("LLMGATEWAY_DB_PASSWORD"); v != "" {
		pg.Password = v
	}
	if v := os.Getenv("LLMGATEWAY_DB_NAME"); v != "" {
		pg.Database = v
	}
	if v := os.Getenv("LLMGATEWAY_DB_SSLMODE"); v != "" {
		pg.SSLMode = v
	}

	logger.Info("using postgres cost ledger", "host", pg.Host, "database", pg.Database)
	return ledger.NewPostgresRepository(pg)
}

// seedBudgets loads declaratively configured budgets into the repository.
func seedBudgets(ctx context.Context, repo ledger.Repository, cfg *config.Config, logger *slog.Logger) {
	for _, b := range cfg.Budgets {
		budget := &ledger.Budget{
			ID:                b.ID,
			UserID:            b.UserID,
			ProjectID:         b.ProjectID,
			Amount:            ledger.FromFloat(b.AmountUSD),
			ResetPeriod:       b.ResetPeriod,
			AlertThresholdPct: b.AlertThresholdPct,
			EnforceBudget:     b.EnforceBudget,
		}
		if b.EndDate != "" {
			end, err := time.Parse(time.RFC3339, b.EndDate)
			if err != nil {
				logger.Error("skipping budget with invalid end_date", "id", b.ID, "error", err)
				continue
			}
			budget.EndDate = &end
		}
		if err := repo.CreateBudget(ctx, budget); err != nil {
			// Already present from a previous run of a durable repository.
			logger.Warn("budget not created", "id", b.ID, "error", err)
		}
	}
}
