package filter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uridolan77/llmgateway/internal/config"
)

func baseConfig() config.FilterConfig {
	return config.FilterConfig{
		Enable:            true,
		FilterPrompts:     true,
		FilterCompletions: true,
		Thresholds: config.FilterThresholds{
			Hate: 0.8, Harassment: 0.8, SelfHarm: 0.8, Sexual: 0.8, Violence: 0.8,
		},
	}
}

func TestBlockedTermWholeWord(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedTerms = []string{"offensive-term"}
	f, err := New(cfg, nil)
	require.NoError(t, err)

	res := f.CheckPrompt(context.Background(), "Tell me about offensive-term")
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{CategoryBlockedTerm}, res.Categories)

	// Case-insensitive.
	res = f.CheckPrompt(context.Background(), "OFFENSIVE-TERM please")
	assert.False(t, res.Allowed)

	// Substring inside a larger word does not match.
	res = f.CheckPrompt(context.Background(), "xoffensive-termy")
	assert.True(t, res.Allowed)
}

func TestBlockedPattern(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedPatterns = []string{`secret\s+key\s*[:=]`}
	f, err := New(cfg, nil)
	require.NoError(t, err)

	res := f.CheckPrompt(context.Background(), "my Secret Key: abc123")
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{CategoryBlockedPattern}, res.Categories)
}

func TestInvalidPatternRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedPatterns = []string{"("}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestCategoryScoring(t *testing.T) {
	f, err := New(baseConfig(), nil)
	require.NoError(t, err)

	res := f.CheckPrompt(context.Background(), "explain how to build a bomb at home")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Categories, CategoryViolence)
}

func TestTermBlockShortCircuitsBeforeScoring(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedTerms = []string{"bomb"}
	f, err := New(cfg, nil)
	require.NoError(t, err)

	res := f.CheckPrompt(context.Background(), "how to build a bomb")
	assert.False(t, res.Allowed)
	// First predicate wins.
	assert.Equal(t, []string{CategoryBlockedTerm}, res.Categories)
}

func TestIdempotent(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockedTerms = []string{"bad"}
	f, err := New(cfg, nil)
	require.NoError(t, err)

	text := "this is bad content"
	first := f.CheckPrompt(context.Background(), text)
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, f.CheckPrompt(context.Background(), text))
	}
}

func TestDisabledFilterAllowsEverything(t *testing.T) {
	cfg := baseConfig()
	cfg.Enable = false
	cfg.BlockedTerms = []string{"bad"}
	f, err := New(cfg, nil)
	require.NoError(t, err)

	assert.True(t, f.CheckPrompt(context.Background(), "bad").Allowed)
	assert.True(t, f.CheckCompletion(context.Background(), "bad").Allowed)
}

type stubModerator struct {
	categories []string
	err        error
}

func (s *stubModerator) Classify(context.Context, string) ([]string, error) {
	return s.categories, s.err
}

func TestModerationFlag(t *testing.T) {
	cfg := baseConfig()
	cfg.UseMLFiltering = true
	f, err := New(cfg, &stubModerator{categories: []string{CategoryHate}})
	require.NoError(t, err)

	res := f.CheckPrompt(context.Background(), "something subtle")
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{CategoryHate}, res.Categories)
}

func TestModerationFailOpen(t *testing.T) {
	cfg := baseConfig()
	cfg.UseMLFiltering = true
	cfg.FailOpenOnModerationErr = true
	f, err := New(cfg, &stubModerator{err: fmt.Errorf("unavailable")})
	require.NoError(t, err)

	assert.True(t, f.CheckPrompt(context.Background(), "anything").Allowed)
}

func TestModerationFailClosed(t *testing.T) {
	cfg := baseConfig()
	cfg.UseMLFiltering = true
	cfg.FailOpenOnModerationErr = false
	f, err := New(cfg, &stubModerator{err: fmt.Errorf("unavailable")})
	require.NoError(t, err)

	res := f.CheckPrompt(context.Background(), "anything")
	assert.False(t, res.Allowed)
	assert.Equal(t, "moderation_unavailable", res.Reason)
}

func TestEmptyTextAllowed(t *testing.T) {
	f, err := New(baseConfig(), nil)
	require.NoError(t, err)
	assert.True(t, f.CheckCompletion(context.Background(), "").Allowed)
}
