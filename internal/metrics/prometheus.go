// Package metrics provides Prometheus collectors for the gateway.
// It tracks request counts, latencies, token usage, spend, cache activity,
// budget rejections, and circuit breaker state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmgateway"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 1.5, 2.0, 2.5, 3.0, 4.0, 5.0,
	7.5, 10.0, 15.0, 20.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// RequestsTotal counts gateway requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests",
		},
		[]string{"provider", "model", "operation", "status"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model", "operation"},
	)

	// TimeToFirstToken tracks TTFT for streaming requests.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time to first token for streaming requests",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// InputTokens counts prompt tokens.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens_total",
			Help:      "Total input tokens",
		},
		[]string{"provider", "model"},
	)

	// OutputTokens counts completion tokens.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens_total",
			Help:      "Total output tokens",
		},
		[]string{"provider", "model"},
	)

	// SpendTotal tracks spend in USD.
	SpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Total spend in USD",
		},
		[]string{"provider", "model"},
	)

	// CacheHits counts response cache hits.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hit_total",
			Help:      "Response cache hits",
		},
	)

	// CacheMisses counts response cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_miss_total",
			Help:      "Response cache misses",
		},
	)

	// BudgetRejected counts requests rejected by budget enforcement.
	BudgetRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_rejected_total",
			Help:      "Requests rejected by budget enforcement",
		},
		[]string{"user"},
	)

	// FilterBlocked counts requests blocked by the content filter.
	FilterBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_blocked_total",
			Help:      "Requests blocked by the content filter",
		},
		[]string{"stage", "category"},
	)

	// CircuitState exposes the breaker phase per provider (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per key (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	// RoutingDecisions counts routing decisions by strategy.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by strategy",
		},
		[]string{"strategy", "provider"},
	)

	// FallbackAttempts counts fallback executions.
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Fallback chain executions",
		},
		[]string{"from_model", "to_model"},
	)

	// RetryAttempts counts upstream retries.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Upstream retry attempts",
		},
		[]string{"provider"},
	)
)

// RecordRequest records a completed request with its latency.
func RecordRequest(provider, model, operation, status string, latency time.Duration) {
	RequestsTotal.WithLabelValues(provider, model, operation, status).Inc()
	RequestLatency.WithLabelValues(provider, model, operation).Observe(latency.Seconds())
}

// RecordTokens records token usage for a call.
func RecordTokens(provider, model string, input, output int) {
	InputTokens.WithLabelValues(provider, model).Add(float64(input))
	OutputTokens.WithLabelValues(provider, model).Add(float64(output))
}

// RecordSpend records USD spend for a call.
func RecordSpend(provider, model string, usd float64) {
	if usd > 0 {
		SpendTotal.WithLabelValues(provider, model).Add(usd)
	}
}
