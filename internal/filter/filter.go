// Package filter implements content filtering for prompts and completions.
// Filtering is a pipeline of predicates evaluated in order, short-circuiting
// on the first block: literal terms, regex patterns, heuristic category
// scoring, then an optional ML moderation pass. The filter is stateless and
// idempotent; a new instance is built on each config reload.
package filter

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/uridolan77/llmgateway/internal/config"
)

// Categories of blocked content. Closed set.
const (
	CategoryHate           = "hate"
	CategoryHarassment     = "harassment"
	CategorySelfHarm       = "self_harm"
	CategorySexual         = "sexual"
	CategoryViolence       = "violence"
	CategoryBlockedTerm    = "blocked_term"
	CategoryBlockedPattern = "blocked_pattern"
	CategoryPII            = "pii"
)

// Result is the outcome of one filter evaluation.
type Result struct {
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

var allowed = Result{Allowed: true}

// Moderator is the optional ML classification pass.
type Moderator interface {
	// Classify returns the flagged categories for text, empty when clean.
	Classify(ctx context.Context, text string) ([]string, error)
}

// Filter evaluates text against the configured predicate pipeline.
type Filter struct {
	enabled           bool
	filterPrompts     bool
	filterCompletions bool

	terms      []string
	patterns   []*regexp.Regexp
	thresholds config.FilterThresholds

	moderator     Moderator
	useModeration bool
	failOpen      bool
}

// New builds a filter from configuration. Invalid blocked patterns are
// rejected so a bad reload cannot silently disable a rule.
func New(cfg config.FilterConfig, moderator Moderator) (*Filter, error) {
	f := &Filter{
		enabled:           cfg.Enable,
		filterPrompts:     cfg.FilterPrompts,
		filterCompletions: cfg.FilterCompletions,
		thresholds:        cfg.Thresholds,
		moderator:         moderator,
		useModeration:     cfg.UseMLFiltering && moderator != nil,
		failOpen:          cfg.FailOpenOnModerationErr,
	}

	for _, term := range cfg.BlockedTerms {
		if term = strings.TrimSpace(term); term != "" {
			f.terms = append(f.terms, strings.ToLower(term))
		}
	}

	for _, pattern := range cfg.BlockedPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", pattern, err)
		}
		f.patterns = append(f.patterns, re)
	}

	return f, nil
}

// CheckPrompt evaluates prompt text before any provider call.
func (f *Filter) CheckPrompt(ctx context.Context, text string) Result {
	if !f.enabled || !f.filterPrompts {
		return allowed
	}
	return f.check(ctx, text)
}

// CheckCompletion evaluates completion text (or a stream delta).
func (f *Filter) CheckCompletion(ctx context.Context, text string) Result {
	if !f.enabled || !f.filterCompletions {
		return allowed
	}
	return f.check(ctx, text)
}

func (f *Filter) check(ctx context.Context, text string) Result {
	if text == "" {
		return allowed
	}
	lower := strings.ToLower(text)

	// 1. Literal blocked terms, whole-word preferred.
	for _, term := range f.terms {
		if containsWholeWord(lower, term) {
			return Result{
				Allowed:    false,
				Reason:     fmt.Sprintf("blocked term %q", term),
				Categories: []string{CategoryBlockedTerm},
			}
		}
	}

	// 2. Regex blocked patterns.
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return Result{
				Allowed:    false,
				Reason:     fmt.Sprintf("blocked pattern %q", re.String()),
				Categories: []string{CategoryBlockedPattern},
			}
		}
	}

	// 3. Heuristic category scoring.
	if res := f.scoreCategories(lower); !res.Allowed {
		return res
	}

	// 4. Optional ML moderation pass.
	if f.useModeration {
		categories, err := f.moderator.Classify(ctx, text)
		if err != nil {
			if f.failOpen {
				return allowed
			}
			return Result{Allowed: false, Reason: "moderation_unavailable"}
		}
		if len(categories) > 0 {
			return Result{
				Allowed:    false,
				Reason:     "flagged by moderation",
				Categories: categories,
			}
		}
	}

	return allowed
}

// containsWholeWord matches term at word boundaries; substring matches inside
// larger words do not count, but hyphenated and punctuated hits do.
func containsWholeWord(haystack, needle string) bool {
	for start := 0; ; {
		idx := strings.Index(haystack[start:], needle)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(needle)
		beforeOK := idx == 0 || !isWordChar(haystack[idx-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
