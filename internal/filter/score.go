package filter

import "strings"

// Keyword buckets for heuristic category scoring. Each hit contributes its
// weight; a category blocks when its accumulated score reaches the configured
// threshold.
type scoredKeyword struct {
	word   string
	weight float64
}

var categoryKeywords = map[string][]scoredKeyword{
	CategoryHate: {
		{"racial slur", 0.9},
		{"ethnic cleansing", 0.9},
		{"subhuman", 0.6},
		{"inferior race", 0.8},
	},
	CategoryHarassment: {
		{"kill yourself", 0.9},
		{"nobody likes you", 0.5},
		{"worthless piece", 0.6},
	},
	CategorySelfHarm: {
		{"how to harm myself", 0.9},
		{"suicide method", 0.9},
		{"self-harm instructions", 0.9},
	},
	CategorySexual: {
		{"explicit sexual", 0.7},
		{"sexual content involving minor", 1.0},
	},
	CategoryViolence: {
		{"how to build a bomb", 0.9},
		{"mass shooting plan", 1.0},
		{"torture instructions", 0.9},
	},
}

// PII patterns contribute to the pii category at full weight.
var piiMarkers = []string{
	"social security number",
	"credit card number",
}

func (f *Filter) scoreCategories(lower string) Result {
	scores := make(map[string]float64)

	for category, keywords := range categoryKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw.word) {
				scores[category] += kw.weight
			}
		}
	}

	for _, marker := range piiMarkers {
		if strings.Contains(lower, marker) {
			scores[CategoryPII] += 1.0
		}
	}

	var flagged []string
	for category, score := range scores {
		if score > 1.0 {
			score = 1.0
		}
		if score >= f.thresholdFor(category) {
			flagged = append(flagged, category)
		}
	}

	if len(flagged) == 0 {
		return allowed
	}
	return Result{
		Allowed:    false,
		Reason:     "category threshold exceeded",
		Categories: flagged,
	}
}

func (f *Filter) thresholdFor(category string) float64 {
	var t float64
	switch category {
	case CategoryHate:
		t = f.thresholds.Hate
	case CategoryHarassment:
		t = f.thresholds.Harassment
	case CategorySelfHarm:
		t = f.thresholds.SelfHarm
	case CategorySexual:
		t = f.thresholds.Sexual
	case CategoryViolence:
		t = f.thresholds.Violence
	case CategoryPII:
		t = 0.9
	default:
		t = 0.8
	}
	if t <= 0 {
		t = 0.8
	}
	return t
}
