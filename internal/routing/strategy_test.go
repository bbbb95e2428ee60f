package routing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uridolan77/llmgateway/pkg/types"
)

func userRequest(content string) *types.ChatRequest {
	return &types.ChatRequest{
		Model:    "any",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: content}},
	}
}

type staticLatency map[string]time.Duration

func (s staticLatency) ProviderLatency(name string) (time.Duration, bool) {
	d, ok := s[name]
	return d, ok
}

func TestClassifyBuckets(t *testing.T) {
	cases := []struct {
		content string
		want    contentBucket
	}{
		{"please refactor this:\n```go\nfunc main() {}\n```", bucketCode},
		{"compute the integral of x^2", bucketMath},
		{"solve \\frac{a}{b} = c", bucketMath},
		{"write a story about a lighthouse keeper", bucketCreative},
		{"analyze the quarterly results and list pros and cons", bucketAnalytical},
		{strings.Repeat("x", longContextThreshold), bucketLongContext},
		{"what is the capital of France?", bucketNone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.content), "content: %.40q", tc.content)
	}
}

func TestClassifyIntentBeatsLength(t *testing.T) {
	// A huge prompt that opens with code still routes to the code bucket.
	content := "```python\nprint(1)\n```\n" + strings.Repeat("x", longContextThreshold)
	assert.Equal(t, bucketCode, classify(content))
}

func TestChooseContentMatchesTags(t *testing.T) {
	cat := NewCatalog(testConfig())

	m, reason, ok := chooseContent(userRequest("debug this func main() for me"), cat)
	require.True(t, ok)
	assert.Equal(t, "openai.gpt-4", m.LogicalID)
	assert.Equal(t, "code", reason)

	m, reason, ok = chooseContent(userRequest("write a poem about the sea"), cat)
	require.True(t, ok)
	assert.Equal(t, "anthropic.claude-3-sonnet", m.LogicalID)
	assert.Equal(t, "creative", reason)

	m, reason, ok = chooseContent(userRequest(strings.Repeat("z", longContextThreshold)), cat)
	require.True(t, ok)
	assert.Equal(t, "anthropic.claude-3-sonnet", m.LogicalID)
	assert.Equal(t, "long_context", reason)
}

func TestChooseContentDefaultsToFirstMapping(t *testing.T) {
	cat := NewCatalog(testConfig())

	m, reason, ok := chooseContent(userRequest("hello there"), cat)
	require.True(t, ok)
	assert.Equal(t, "openai.gpt-4", m.LogicalID)
	assert.Equal(t, "default", reason)
}

func TestChooseContentNoMappings(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.ModelMappings = nil
	cat := NewCatalog(cfg)

	_, _, ok := chooseContent(userRequest("hi"), cat)
	assert.False(t, ok)
}

func TestChooseCostPicksCheapest(t *testing.T) {
	cat := NewCatalog(testConfig())

	// cohere.command-r has the lowest per-token pricing in the test catalog.
	m, ok := chooseCost(userRequest("hello"), cat, nil)
	require.True(t, ok)
	assert.Equal(t, "cohere.command-r", m.LogicalID)
}

func TestChooseCostTieBreaksOnLatency(t *testing.T) {
	cfg := testConfig()
	for i := range cfg.Routing.ModelMappings {
		cfg.Routing.ModelMappings[i].Pricing = types.Pricing{InputPerToken: 0.000001, OutputPerToken: 0.000002}
	}
	cat := NewCatalog(cfg)

	lat := staticLatency{
		"openai":    900 * time.Millisecond,
		"anthropic": 100 * time.Millisecond,
		"cohere":    500 * time.Millisecond,
	}
	m, ok := chooseCost(userRequest("hello"), cat, lat)
	require.True(t, ok)
	assert.Equal(t, "anthropic.claude-3-sonnet", m.LogicalID)
}

func TestChooseLatencyUsesHealthSamples(t *testing.T) {
	cat := NewCatalog(testConfig())

	lat := staticLatency{
		"openai":    200 * time.Millisecond,
		"anthropic": 900 * time.Millisecond,
		"cohere":    400 * time.Millisecond,
	}
	m, ok := chooseLatency(userRequest("hello"), cat, lat)
	require.True(t, ok)
	assert.Equal(t, "openai.gpt-4", m.LogicalID)
}

func TestChooseLatencyFallsBackToDefaultTable(t *testing.T) {
	cat := NewCatalog(testConfig())

	// No samples at all: the static table makes cohere the fastest.
	m, ok := chooseLatency(userRequest("hello"), cat, nil)
	require.True(t, ok)
	assert.Equal(t, "cohere.command-r", m.LogicalID)
}

func TestLatencyForUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.ModelMappings[0].Provider = "unknown-provider"
	assert.Equal(t, fallbackDefaultLatency, latencyFor(cfg.Routing.ModelMappings[0], nil))
}
