package routing

import (
	"strings"
	"time"

	"github.com/uridolan77/llmgateway/internal/config"
	"github.com/uridolan77/llmgateway/internal/tokenizer"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// Strategy names. The strategy is a tagged variant; execution is a pure
// function over the request and catalog.
const (
	StrategyDirect  = "DirectMapping"
	StrategyContent = "ContentBased"
	StrategyCost    = "CostOptimized"
	StrategyLatency = "LatencyOptimized"
)

// longContextThreshold is the prompt length, in characters, beyond which the
// content strategy prefers long-context models.
const longContextThreshold = 16 * 1024

// perTokenLatency is the latency-strategy adjustment applied per estimated
// completion token, so long generations prefer faster providers more
// aggressively.
const perTokenLatency = 50 * time.Microsecond

// defaultProviderLatency seeds the latency strategy before any probe has run.
var defaultProviderLatency = map[string]time.Duration{
	"openai":      800 * time.Millisecond,
	"azure":       850 * time.Millisecond,
	"anthropic":   900 * time.Millisecond,
	"cohere":      700 * time.Millisecond,
	"huggingface": 1500 * time.Millisecond,
}

// fallbackDefaultLatency applies to providers absent from the table.
const fallbackDefaultLatency = time.Second

// LatencySource supplies recent provider response times. The provider
// registry's health snapshots implement this.
type LatencySource interface {
	ProviderLatency(name string) (time.Duration, bool)
}

// contentBucket is one prompt classification of the content strategy.
type contentBucket int

const (
	bucketNone contentBucket = iota
	bucketCode
	bucketMath
	bucketCreative
	bucketAnalytical
	bucketLongContext
)

var (
	codeMarkers = []string{
		"```", "func ", "def ", "class ", "import ", "#include",
		"public static", "console.log", "stack trace", "segfault",
		"compile", "refactor", "unit test", "regex",
	}
	mathMarkers = []string{
		"\\int", "\\frac", "\\sum", "\\sqrt", "\\begin{equation}",
		"integral", "derivative", "theorem", "prove that", "equation",
	}
	creativeMarkers = []string{
		"write a story", "write a poem", "short story", "fiction",
		"screenplay", "song lyrics", "creative writing",
	}
	analyticalMarkers = []string{
		"analyze", "analyse", "evaluate", "compare", "pros and cons",
		"assessment", "trade-off", "tradeoff",
	}
)

// classify buckets the prompt text. First match wins in bucket order; the
// length check runs last so explicit intent beats raw size.
func classify(text string) contentBucket {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, codeMarkers):
		return bucketCode
	case containsAny(lower, mathMarkers):
		return bucketMath
	case containsAny(lower, creativeMarkers):
		return bucketCreative
	case containsAny(lower, analyticalMarkers):
		return bucketAnalytical
	case len(text) >= longContextThreshold:
		return bucketLongContext
	default:
		return bucketNone
	}
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func bucketMatches(b contentBucket, caps types.Capabilities) bool {
	switch b {
	case bucketCode:
		return caps.Code
	case bucketMath:
		return caps.Math
	case bucketCreative:
		return caps.Creative
	case bucketAnalytical:
		return caps.Analytical
	case bucketLongContext:
		return caps.LongContext
	default:
		return false
	}
}

// chooseContent picks the first mapping tagged for the prompt's bucket, in
// configuration order. Unclassified prompts (or buckets with no tagged
// mapping) take the first completion-capable mapping.
func chooseContent(req *types.ChatRequest, catalog *Catalog) (config.ModelMapping, string, bool) {
	bucket := classify(req.PromptText())

	if bucket != bucketNone {
		for _, m := range catalog.Mappings() {
			if m.Capabilities.Completions && bucketMatches(bucket, m.Capabilities) {
				return m, bucketName(bucket), true
			}
		}
	}
	for _, m := range catalog.Mappings() {
		if m.Capabilities.Completions {
			return m, "default", true
		}
	}
	return config.ModelMapping{}, "", false
}

func bucketName(b contentBucket) string {
	switch b {
	case bucketCode:
		return "code"
	case bucketMath:
		return "math"
	case bucketCreative:
		return "creative"
	case bucketAnalytical:
		return "analytical"
	case bucketLongContext:
		return "long_context"
	default:
		return "default"
	}
}

// chooseCost minimizes estimated spend across completion-capable mappings;
// ties break on the latency estimate, then configuration order.
func chooseCost(req *types.ChatRequest, catalog *Catalog, latency LatencySource) (config.ModelMapping, bool) {
	var best config.ModelMapping
	var bestCost float64
	var bestLatency time.Duration
	found := false

	for _, m := range catalog.Mappings() {
		if !m.Capabilities.Completions {
			continue
		}
		est := tokenizer.EstimateForRequest(req, m.ContextWindow)
		input, output := catalog.Pricing(m)
		cost := float64(est.PromptTokens)*input + float64(est.EstCompletionTokens)*output
		lat := latencyFor(m, latency)

		if !found || cost < bestCost || (cost == bestCost && lat < bestLatency) {
			best, bestCost, bestLatency, found = m, cost, lat, true
		}
	}
	return best, found
}

// chooseLatency minimizes recent provider response time, adjusted by a
// per-token factor for long generations.
func chooseLatency(req *types.ChatRequest, catalog *Catalog, latency LatencySource) (config.ModelMapping, bool) {
	var best config.ModelMapping
	var bestLatency time.Duration
	found := false

	for _, m := range catalog.Mappings() {
		if !m.Capabilities.Completions {
			continue
		}
		est := tokenizer.EstimateForRequest(req, m.ContextWindow)
		lat := latencyFor(m, latency) + time.Duration(est.EstCompletionTokens)*perTokenLatency

		if !found || lat < bestLatency {
			best, bestLatency, found = m, lat, true
		}
	}
	return best, found
}

func latencyFor(m config.ModelMapping, latency LatencySource) time.Duration {
	if latency != nil {
		if lat, ok := latency.ProviderLatency(m.Provider); ok && lat > 0 {
			return lat
		}
	}
	if lat, ok := defaultProviderLatency[strings.ToLower(m.Provider)]; ok {
		return lat
	}
	return fallbackDefaultLatency
}
