// Package config provides the gateway configuration schema with hot-reload
// support. Reload swaps an immutable snapshot pointer; in-flight requests keep
// the snapshot they started with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uridolan77/llmgateway/pkg/types"
)

// Config is one immutable configuration snapshot.
type Config struct {
	Server           ServerConfig        `yaml:"server"`
	Global           GlobalOptions       `yaml:"global"`
	Providers        []ProviderConfig    `yaml:"providers"`
	Routing          RoutingConfig       `yaml:"routing"`
	UserPreferences  UserPreferences     `yaml:"user_preferences"`
	Fallbacks        FallbackConfig      `yaml:"fallbacks"`
	RateLimit        RateLimitConfig     `yaml:"rate_limit"`
	ContentFiltering FilterConfig        `yaml:"content_filtering"`
	RetryPolicy      RetryConfig         `yaml:"retry_policy"`
	CostManagement   CostConfig          `yaml:"cost_management"`
	Cache            CacheConfig         `yaml:"cache"`
	Auth             AuthConfig          `yaml:"auth"`
	Logging          LoggingConfig       `yaml:"logging"`
	Metrics          MetricsConfig       `yaml:"metrics"`
	Tracing          TracingConfig       `yaml:"tracing"`
	CircuitBreaker   CircuitBreakerYAML  `yaml:"circuit_breaker"`
	Budgets          []BudgetConfig      `yaml:"budgets"`
	HealthCheck      HealthCheckConfig   `yaml:"health_check"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// GlobalOptions are the cross-cutting pipeline switches.
type GlobalOptions struct {
	EnableCaching               bool `yaml:"enable_caching"`
	CacheExpirationMinutes      int  `yaml:"cache_expiration_minutes"`
	TrackTokenUsage             bool `yaml:"track_token_usage"`
	EnableCostTracking          bool `yaml:"enable_cost_tracking"`
	EnableBudgetEnforcement     bool `yaml:"enable_budget_enforcement"`
	DefaultTimeoutSeconds       int  `yaml:"default_timeout_seconds"`
	DefaultStreamTimeoutSeconds int  `yaml:"default_stream_timeout_seconds"`
}

// ProviderConfig defines one upstream provider.
type ProviderConfig struct {
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"`
	APIKey         string            `yaml:"api_key"`
	APIURL         string            `yaml:"api_url"`
	APIVersion     string            `yaml:"api_version"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Deployments    []string          `yaml:"deployments"`
	Headers        map[string]string `yaml:"headers"`
}

// ModelMapping resolves a logical model id to a concrete provider call.
type ModelMapping struct {
	LogicalID       string             `yaml:"logical_id"`
	Provider        string             `yaml:"provider"`
	ProviderModelID string             `yaml:"provider_model_id"`
	DisplayName     string             `yaml:"display_name"`
	ContextWindow   int                `yaml:"context_window"`
	Pricing         types.Pricing      `yaml:"pricing"`
	Capabilities    types.Capabilities `yaml:"capabilities"`
}

// ModelStrategy binds a routing strategy to a logical model id.
type ModelStrategy struct {
	ModelID  string `yaml:"model_id"`
	Strategy string `yaml:"strategy"`
}

// RoutingConfig contains routing rules and the mapping catalog.
type RoutingConfig struct {
	EnableSmart              bool              `yaml:"enable_smart"`
	EnableContentBased       bool              `yaml:"enable_content_based"`
	EnableCostOptimized      bool              `yaml:"enable_cost_optimized"`
	EnableLatencyOptimized   bool              `yaml:"enable_latency_optimized"`
	ExperimentalSamplingRate float64           `yaml:"experimental_sampling_rate"`
	ModelMappings            []ModelMapping    `yaml:"model_mappings"`
	ModelAliases             map[string]string `yaml:"model_aliases"`
	ModelStrategies          []ModelStrategy   `yaml:"model_routing_strategies"`
}

// UserModelPreference pins a user to a model unless the request disables it.
type UserModelPreference struct {
	UserID  string `yaml:"user_id"`
	ModelID string `yaml:"model_id"`
}

// UserRoutingPreference pins a user to a routing strategy.
type UserRoutingPreference struct {
	UserID   string `yaml:"user_id"`
	Strategy string `yaml:"strategy"`
}

// UserPreferences groups per-user routing overrides.
type UserPreferences struct {
	ModelPreferences   []UserModelPreference   `yaml:"user_model_preferences"`
	RoutingPreferences []UserRoutingPreference `yaml:"user_routing_preferences"`
}

// FallbackRule maps a model to its ordered fallbacks for the listed error codes.
type FallbackRule struct {
	ModelID        string   `yaml:"model_id"`
	FallbackModels []string `yaml:"fallback_models"`
	ErrorCodes     []string `yaml:"error_codes"`
}

// FallbackConfig controls the fallback chain.
type FallbackConfig struct {
	EnableFallbacks     bool           `yaml:"enable_fallbacks"`
	MaxFallbackAttempts int            `yaml:"max_fallback_attempts"`
	Rules               []FallbackRule `yaml:"rules"`
}

// RateLimitConfig defines the token-bucket limiter.
type RateLimitConfig struct {
	Enabled                    bool `yaml:"enabled"`
	TokenLimit                 int  `yaml:"token_limit"`
	TokensPerPeriod            int  `yaml:"tokens_per_period"`
	ReplenishmentPeriodSeconds int  `yaml:"replenishment_period_seconds"`
	QueueLimit                 int  `yaml:"queue_limit"`
}

// FilterThresholds are category scores in [0,1] above which a prompt blocks.
type FilterThresholds struct {
	Hate       float64 `yaml:"hate"`
	Harassment float64 `yaml:"harassment"`
	SelfHarm   float64 `yaml:"self_harm"`
	Sexual     float64 `yaml:"sexual"`
	Violence   float64 `yaml:"violence"`
}

// FilterConfig controls content filtering.
type FilterConfig struct {
	Enable                  bool             `yaml:"enable"`
	FilterPrompts           bool             `yaml:"filter_prompts"`
	FilterCompletions       bool             `yaml:"filter_completions"`
	UseMLFiltering          bool             `yaml:"use_ml_filtering"`
	ModerationURL           string           `yaml:"moderation_url"`
	FailOpenOnModerationErr bool             `yaml:"fail_open_on_moderation_error"`
	Thresholds              FilterThresholds `yaml:"thresholds"`
	BlockedTerms            []string         `yaml:"blocked_terms"`
	BlockedPatterns         []string         `yaml:"blocked_patterns"`
}

// RetryConfig controls backoff behavior.
type RetryConfig struct {
	MaxRetryAttempts         int     `yaml:"max_retry_attempts"`
	MaxProviderRetryAttempts int     `yaml:"max_provider_retry_attempts"`
	BaseRetryIntervalSeconds float64 `yaml:"base_retry_interval_seconds"`
}

// ModelPrice overrides a mapping's pricing from cost management config.
type ModelPrice struct {
	InputPricePerToken  float64 `yaml:"input_price_per_token"`
	OutputPricePerToken float64 `yaml:"output_price_per_token"`
}

// CostConfig overrides per-provider pricing and fine-tune rates.
type CostConfig struct {
	Pricing         map[string]map[string]ModelPrice `yaml:"pricing"` // provider -> model -> price
	FineTunePricing map[string]float64               `yaml:"fine_tuning_pricing"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Type      string `yaml:"type"` // local, redis
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	MaxSize   int    `yaml:"max_size"`
}

// APIKeyConfig is one recognized caller key.
type APIKeyConfig struct {
	Key         string   `yaml:"key"`
	UserID      string   `yaml:"user_id"`
	ProjectID   string   `yaml:"project_id"`
	Permissions []string `yaml:"permissions"` // completion, embedding, admin
}

// AuthConfig holds API keys and the JWT signing secret.
type AuthConfig struct {
	APIKeys   []APIKeyConfig `yaml:"api_keys"`
	JWTSecret string         `yaml:"jwt_secret"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// CircuitBreakerYAML configures the per-provider breaker table.
type CircuitBreakerYAML struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// BudgetConfig declares a spend budget enforced by the ledger.
type BudgetConfig struct {
	ID                string  `yaml:"id"`
	UserID            string  `yaml:"user_id"`
	ProjectID         string  `yaml:"project_id"`
	AmountUSD         float64 `yaml:"amount_usd"`
	ResetPeriod       string  `yaml:"reset_period"` // daily, weekly, monthly
	EndDate           string  `yaml:"end_date"`     // RFC3339, alternative to reset_period
	AlertThresholdPct float64 `yaml:"alert_threshold_pct"`
	EnforceBudget     bool    `yaml:"enforce_budget"`
}

// HealthCheckConfig controls the background provider prober.
type HealthCheckConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		Global: GlobalOptions{
			EnableCaching:               true,
			CacheExpirationMinutes:      60,
			TrackTokenUsage:             true,
			EnableCostTracking:          true,
			EnableBudgetEnforcement:     false,
			DefaultTimeoutSeconds:       30,
			DefaultStreamTimeoutSeconds: 120,
		},
		Routing: RoutingConfig{
			EnableSmart:            true,
			EnableContentBased:     true,
			EnableCostOptimized:    true,
			EnableLatencyOptimized: true,
		},
		Fallbacks: FallbackConfig{
			EnableFallbacks:     true,
			MaxFallbackAttempts: 3,
		},
		RetryPolicy: RetryConfig{
			MaxRetryAttempts:         3,
			MaxProviderRetryAttempts: 2,
			BaseRetryIntervalSeconds: 1,
		},
		ContentFiltering: FilterConfig{
			Enable:            true,
			FilterPrompts:     true,
			FilterCompletions: true,
			Thresholds: FilterThresholds{
				Hate:       0.8,
				Harassment: 0.8,
				SelfHarm:   0.8,
				Sexual:     0.8,
				Violence:   0.8,
			},
		},
		Cache: CacheConfig{
			Type:    "local",
			MaxSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "llmgateway",
			SampleRate:  1.0,
			Insecure:    true,
		},
		CircuitBreaker: CircuitBreakerYAML{
			FailureThreshold: 5,
			OpenTimeout:      60 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Interval: 5 * time.Minute,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the form ${VAR_NAME} are expanded first.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the snapshot for structural errors. Alias cycles are checked
// at routing-catalog build time, not here, so reload failures surface with the
// offending alias chain.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("provider[%d] %q: type is required", i, p.Name)
		}
		if p.TimeoutSeconds < 0 {
			return fmt.Errorf("provider[%d] %q: timeout_seconds cannot be negative", i, p.Name)
		}
	}

	seen := make(map[string]struct{}, len(c.Routing.ModelMappings))
	for i, m := range c.Routing.ModelMappings {
		if m.LogicalID == "" {
			return fmt.Errorf("model_mappings[%d]: logical_id is required", i)
		}
		if m.Provider == "" || m.ProviderModelID == "" {
			return fmt.Errorf("model_mappings[%d] %q: provider and provider_model_id are required", i, m.LogicalID)
		}
		if _, dup := seen[m.LogicalID]; dup {
			return fmt.Errorf("model_mappings[%d]: duplicate logical_id %q", i, m.LogicalID)
		}
		seen[m.LogicalID] = struct{}{}
	}

	for i, r := range c.Fallbacks.Rules {
		if r.ModelID == "" {
			return fmt.Errorf("fallbacks.rules[%d]: model_id is required", i)
		}
		if len(r.FallbackModels) == 0 {
			return fmt.Errorf("fallbacks.rules[%d] %q: fallback_models is required", i, r.ModelID)
		}
	}

	if c.RetryPolicy.MaxRetryAttempts < 0 {
		return fmt.Errorf("retry_policy.max_retry_attempts cannot be negative")
	}

	for i, b := range c.Budgets {
		if b.AmountUSD < 0 {
			return fmt.Errorf("budgets[%d]: amount_usd cannot be negative", i)
		}
		switch b.ResetPeriod {
		case "", "daily", "weekly", "monthly":
		default:
			return fmt.Errorf("budgets[%d]: invalid reset_period %q", i, b.ResetPeriod)
		}
	}

	return nil
}

// Mapping returns the mapping for a logical id, if present.
func (c *Config) Mapping(logicalID string) (ModelMapping, bool) {
	for _, m := range c.Routing.ModelMappings {
		if m.LogicalID == logicalID {
			return m, true
		}
	}
	return ModelMapping{}, false
}

// EffectivePricing resolves the price sheet for a mapping, preferring the cost
// management overrides over the mapping's own pricing.
func (c *Config) EffectivePricing(m ModelMapping) types.Pricing {
	if byModel, ok := c.CostManagement.Pricing[m.Provider]; ok {
		if p, ok := byModel[m.ProviderModelID]; ok {
			return types.Pricing{
				InputPerToken:    p.InputPricePerToken,
				OutputPerToken:   p.OutputPricePerToken,
				FineTunePerToken: m.Pricing.FineTunePerToken,
			}
		}
	}
	return m.Pricing
}
