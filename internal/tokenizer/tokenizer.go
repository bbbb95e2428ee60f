// Package tokenizer provides per-model-family token counting for requests and
// responses. GPT-family models use tiktoken BPE; other families use calibrated
// chars-per-token heuristics.
package tokenizer

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"

	"github.com/uridolan77/llmgateway/pkg/types"
)

// Family identifies a model family with a dedicated encoder.
type Family string

const (
	FamilyGPT     Family = "gpt"
	FamilyClaude  Family = "claude"
	FamilyCohere  Family = "cohere"
	FamilyLlama   Family = "llama"
	FamilyUnknown Family = "unknown"
)

// Chars-per-token ratios for heuristic families.
const (
	claudeCharsPerToken  = 3.5
	cohereCharsPerToken  = 4.0
	llamaCharsPerToken   = 3.8
	unknownCharsPerToken = 4.0
)

// defaultCompletionTokens is the per-family estimate used when the request
// does not set max_tokens.
var defaultCompletionTokens = map[Family]int{
	FamilyGPT:     1000,
	FamilyClaude:  1000,
	FamilyCohere:  800,
	FamilyLlama:   800,
	FamilyUnknown: 500,
}

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// Estimate holds the token estimate for a request.
type Estimate struct {
	PromptTokens        int
	EstCompletionTokens int
	TotalTokens         int
	// Clamped is set when max_tokens was reduced to fit the context window.
	Clamped bool
}

// FamilyOf derives the model family from the logical model id prefix.
func FamilyOf(logicalID string) Family {
	id := strings.ToLower(logicalID)
	// Strip a provider prefix like "anthropic." or "openai/".
	if idx := strings.IndexAny(id, "./"); idx >= 0 && idx+1 < len(id) {
		if name := id[idx+1:]; name != "" {
			id = name
		}
	}
	switch {
	case strings.HasPrefix(id, "gpt-"), strings.HasPrefix(id, "o1-"), strings.HasPrefix(id, "text-embedding"):
		return FamilyGPT
	case strings.HasPrefix(id, "claude"):
		return FamilyClaude
	case strings.HasPrefix(id, "command"), strings.HasPrefix(id, "embed-"):
		return FamilyCohere
	case strings.HasPrefix(id, "llama"), strings.HasPrefix(id, "codellama"), strings.HasPrefix(id, "mixtral"), strings.HasPrefix(id, "mistral"):
		return FamilyLlama
	default:
		return FamilyUnknown
	}
}

// CountTokens returns the token count for text under the given logical model.
// Empty text counts as zero. Malformed UTF-8 never panics; invalid bytes are
// counted as single runes by the heuristic paths.
func CountTokens(text, logicalID string) int {
	if text == "" {
		return 0
	}

	switch FamilyOf(logicalID) {
	case FamilyGPT:
		if enc := getEncoding(logicalID); enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
		return heuristicCount(text, unknownCharsPerToken)
	case FamilyClaude:
		return heuristicCount(text, claudeCharsPerToken)
	case FamilyCohere:
		return heuristicCount(text, cohereCharsPerToken)
	case FamilyLlama:
		return heuristicCount(text, llamaCharsPerToken)
	default:
		return heuristicCount(text, unknownCharsPerToken)
	}
}

func heuristicCount(text string, charsPerToken float64) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	n := int(float64(runes)/charsPerToken + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateForRequest computes prompt tokens and the expected completion size.
// EstCompletionTokens is max_tokens when set, else the family default; both
// are clamped to contextWindow - promptTokens when contextWindow is known.
func EstimateForRequest(req *types.ChatRequest, contextWindow int) Estimate {
	if req == nil {
		return Estimate{}
	}

	prompt := 0
	for _, msg := range req.Messages {
		prompt += messageTokens(req.Model, msg)
	}
	if len(req.Tools) > 0 {
		if toolsJSON, err := json.Marshal(req.Tools); err == nil {
			prompt += CountTokens(string(toolsJSON), req.Model)
		}
	}
	if len(req.ToolChoice) > 0 {
		prompt += CountTokens(string(req.ToolChoice), req.Model)
	}
	// Reply primer overhead used by common chat formats.
	prompt += 3

	completion := req.MaxTokens
	if completion <= 0 {
		completion = defaultCompletionTokens[FamilyOf(req.Model)]
	}

	est := Estimate{PromptTokens: prompt}
	if contextWindow > 0 {
		room := contextWindow - prompt
		if room < 0 {
			room = 0
		}
		if completion > room {
			completion = room
			est.Clamped = true
		}
	}
	est.EstCompletionTokens = completion
	est.TotalTokens = prompt + completion
	return est
}

func messageTokens(model string, msg types.ChatMessage) int {
	total := CountTokens(msg.Role, model)
	total += CountTokens(msg.Name, model)
	total += CountTokens(msg.Content, model)
	total += CountTokens(msg.ToolCallID, model)
	for _, call := range msg.ToolCalls {
		total += CountTokens(call.ID, model)
		total += CountTokens(call.Function.Name, model)
		total += CountTokens(call.Function.Arguments, model)
	}
	// Per-message formatting overhead.
	total += 2
	return total
}

func getEncoding(logicalID string) *tiktoken.Tiktoken {
	base := normalizeModelName(logicalID)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(logicalID string) string {
	if logicalID == "" {
		return logicalID
	}
	if idx := strings.IndexAny(logicalID, "./"); idx >= 0 && idx+1 < len(logicalID) {
		return logicalID[idx+1:]
	}
	return logicalID
}
