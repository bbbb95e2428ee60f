package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uridolan77/llmgateway/internal/config"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Routing: config.RoutingConfig{
			ModelMappings: []config.ModelMapping{
				{
					LogicalID:       "openai.gpt-4",
					Provider:        "openai",
					ProviderModelID: "gpt-4",
					ContextWindow:   8192,
					Pricing:         types.Pricing{InputPerToken: 0.00003, OutputPerToken: 0.00006},
					Capabilities:    types.Capabilities{Completions: true, Streaming: true, Code: true},
				},
				{
					LogicalID:       "anthropic.claude-3-sonnet",
					Provider:        "anthropic",
					ProviderModelID: "claude-3-sonnet-20240229",
					ContextWindow:   200000,
					Pricing:         types.Pricing{InputPerToken: 0.000003, OutputPerToken: 0.000015},
					Capabilities:    types.Capabilities{Completions: true, Streaming: true, Creative: true, LongContext: true},
				},
				{
					LogicalID:       "cohere.command-r",
					Provider:        "cohere",
					ProviderModelID: "command-r",
					ContextWindow:   128000,
					Pricing:         types.Pricing{InputPerToken: 0.0000005, OutputPerToken: 0.0000015},
					Capabilities:    types.Capabilities{Completions: true, Streaming: true, Analytical: true},
				},
			},
			ModelAliases: map[string]string{
				"gpt4":         "gpt-4-latest",
				"gpt-4-latest": "openai.gpt-4",
				"loop-a":       "loop-b",
				"loop-b":       "loop-a",
				"deep-1":       "deep-2",
				"deep-2":       "deep-3",
				"deep-3":       "deep-4",
				"deep-4":       "deep-5",
				"deep-5":       "deep-6",
			},
			ModelStrategies: []config.ModelStrategy{
				{ModelID: "cheap", Strategy: "CostOptimized"},
			},
		},
		UserPreferences: config.UserPreferences{
			ModelPreferences: []config.UserModelPreference{
				{UserID: "alice", ModelID: "anthropic.claude-3-sonnet"},
			},
			RoutingPreferences: []config.UserRoutingPreference{
				{UserID: "bob", Strategy: "LatencyOptimized"},
			},
		},
		Fallbacks: config.FallbackConfig{
			EnableFallbacks:     true,
			MaxFallbackAttempts: 3,
			Rules: []config.FallbackRule{
				{
					ModelID:        "openai.gpt-4",
					FallbackModels: []string{"anthropic.claude-3-sonnet", "cohere.command-r"},
					ErrorCodes:     []string{"rate_limit_exceeded", "provider_unavailable"},
				},
			},
		},
	}
}

func TestResolveAliasChain(t *testing.T) {
	cat := NewCatalog(testConfig())

	id, err := cat.ResolveAlias("gpt4")
	require.NoError(t, err)
	assert.Equal(t, "openai.gpt-4", id)

	// Non-aliased ids pass through untouched.
	id, err = cat.ResolveAlias("anthropic.claude-3-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "anthropic.claude-3-sonnet", id)
}

func TestResolveAliasCycle(t *testing.T) {
	cat := NewCatalog(testConfig())

	_, err := cat.ResolveAlias("loop-a")
	assert.Equal(t, gwerr.KindRoutingLoop, gwerr.KindOf(err))
}

func TestResolveAliasDepthLimit(t *testing.T) {
	cat := NewCatalog(testConfig())

	_, err := cat.ResolveAlias("deep-1")
	assert.Equal(t, gwerr.KindRoutingLoop, gwerr.KindOf(err))
}

func TestMappingCaseInsensitive(t *testing.T) {
	cat := NewCatalog(testConfig())

	m, ok := cat.Mapping("OpenAI.GPT-4")
	require.True(t, ok)
	assert.Equal(t, "gpt-4", m.ProviderModelID)

	_, ok = cat.Mapping("missing")
	assert.False(t, ok)
}

func TestUserPreferences(t *testing.T) {
	cat := NewCatalog(testConfig())

	model, ok := cat.UserModel("alice")
	require.True(t, ok)
	assert.Equal(t, "anthropic.claude-3-sonnet", model)

	strat, ok := cat.UserStrategy("bob")
	require.True(t, ok)
	assert.Equal(t, "LatencyOptimized", strat)

	_, ok = cat.UserModel("nobody")
	assert.False(t, ok)
}

func TestFallbackRuleMatching(t *testing.T) {
	cat := NewCatalog(testConfig())

	rule, ok := cat.FallbackRule("openai.gpt-4", gwerr.KindRateLimited)
	require.True(t, ok)
	assert.Equal(t, []string{"anthropic.claude-3-sonnet", "cohere.command-r"}, rule.FallbackModels)

	// Kind outside the rule's error codes does not match.
	_, ok = cat.FallbackRule("openai.gpt-4", gwerr.KindBadRequest)
	assert.False(t, ok)

	_, ok = cat.FallbackRule("cohere.command-r", gwerr.KindRateLimited)
	assert.False(t, ok)
}

func TestFallbackRuleEmptyCodesMatchesAll(t *testing.T) {
	cfg := testConfig()
	cfg.Fallbacks.Rules = append(cfg.Fallbacks.Rules, config.FallbackRule{
		ModelID:        "cohere.command-r",
		FallbackModels: []string{"openai.gpt-4"},
	})
	cat := NewCatalog(cfg)

	rule, ok := cat.FallbackRule("cohere.command-r", gwerr.KindTimeout)
	require.True(t, ok)
	assert.Equal(t, []string{"openai.gpt-4"}, rule.FallbackModels)
}
