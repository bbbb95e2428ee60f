package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/uridolan77/llmgateway/pkg/types"
)

func TestFamilyOf(t *testing.T) {
	cases := map[string]Family{
		"openai.gpt-4-turbo":          FamilyGPT,
		"openai.gpt-3.5-turbo":        FamilyGPT,
		"anthropic.claude-3-sonnet":   FamilyClaude,
		"cohere.command-r-plus":       FamilyCohere,
		"huggingface.llama-3-70b":     FamilyLlama,
		"huggingface.mixtral-8x7b":    FamilyLlama,
		"somevendor.mystery-model-xl": FamilyUnknown,
		"claude-3-haiku":              FamilyClaude,
	}
	for id, want := range cases {
		assert.Equal(t, want, FamilyOf(id), "model %s", id)
	}
}

func TestCountTokensEmpty(t *testing.T) {
	assert.Zero(t, CountTokens("", "openai.gpt-4-turbo"))
	assert.Zero(t, CountTokens("", "anthropic.claude-3-sonnet"))
}

func TestCountTokensDeterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."
	for _, model := range []string{"openai.gpt-4-turbo", "anthropic.claude-3-sonnet", "unknown.model"} {
		first := CountTokens(text, model)
		assert.Positive(t, first)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, CountTokens(text, model), "model %s", model)
		}
	}
}

func TestCountTokensClaudeHeuristic(t *testing.T) {
	// 35 characters at ~3.5 chars/token => 10 tokens.
	text := strings.Repeat("a", 35)
	assert.Equal(t, 10, CountTokens(text, "anthropic.claude-3-sonnet"))
}

func TestCountTokensUnknownFamilyConservative(t *testing.T) {
	text := strings.Repeat("x", 40)
	assert.Equal(t, 10, CountTokens(text, "vendor.mystery"))
}

func TestCountTokensMalformedUnicode(t *testing.T) {
	malformed := string([]byte{0xff, 0xfe, 'a', 0xc0, 'b'})
	assert.NotPanics(t, func() {
		CountTokens(malformed, "anthropic.claude-3-sonnet")
		CountTokens(malformed, "openai.gpt-4-turbo")
		CountTokens(malformed, "vendor.unknown")
	})
}

func TestEstimateForRequestUsesMaxTokens(t *testing.T) {
	req := &types.ChatRequest{
		Model:     "anthropic.claude-3-sonnet",
		Messages:  []types.ChatMessage{{Role: types.RoleUser, Content: "hello there"}},
		MaxTokens: 256,
	}
	est := EstimateForRequest(req, 200000)
	assert.Equal(t, 256, est.EstCompletionTokens)
	assert.Positive(t, est.PromptTokens)
	assert.Equal(t, est.PromptTokens+256, est.TotalTokens)
	assert.False(t, est.Clamped)
}

func TestEstimateForRequestFamilyDefault(t *testing.T) {
	req := &types.ChatRequest{
		Model:    "anthropic.claude-3-sonnet",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
	}
	est := EstimateForRequest(req, 0)
	assert.Equal(t, defaultCompletionTokens[FamilyClaude], est.EstCompletionTokens)
}

func TestEstimateForRequestClampsToContextWindow(t *testing.T) {
	req := &types.ChatRequest{
		Model:     "anthropic.claude-3-sonnet",
		Messages:  []types.ChatMessage{{Role: types.RoleUser, Content: strings.Repeat("word ", 100)}},
		MaxTokens: 1000000,
	}
	est := EstimateForRequest(req, 2048)
	assert.True(t, est.Clamped)
	assert.Equal(t, 2048-est.PromptTokens, est.EstCompletionTokens)
	assert.LessOrEqual(t, est.TotalTokens, 2048)
}

func TestEstimateForRequestOverfullPrompt(t *testing.T) {
	req := &types.ChatRequest{
		Model:     "anthropic.claude-3-sonnet",
		Messages:  []types.ChatMessage{{Role: types.RoleUser, Content: strings.Repeat("a", 40000)}},
		MaxTokens: 100,
	}
	est := EstimateForRequest(req, 1024)
	assert.True(t, est.Clamped)
	assert.Zero(t, est.EstCompletionTokens)
}

func TestEstimateNilRequest(t *testing.T) {
	assert.Zero(t, EstimateForRequest(nil, 0).TotalTokens)
}
