// Package types defines the unified request and response shapes the gateway
// exposes to callers and normalizes every provider to. The JSON layout is
// OpenAI-compatible.
package types

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons emitted on choices and terminal stream chunks.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// FilteredContent replaces completion text blocked by the content filter.
const FilteredContent = "[Content filtered]"

// ChatMessage is a single message in the conversation.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is the logical completion request. Model is a logical model id
// (e.g. "anthropic.claude-3-sonnet"); the router resolves it to a provider call.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	User             string          `json:"user,omitempty"`
	// DisablePreferenceOverride opts this request out of the caller's stored
	// model preference.
	DisablePreferenceOverride bool `json:"disable_preference_override,omitempty"`
}

// Validate checks structural requirements before any routing happens.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	return nil
}

// PromptText concatenates all message content, used by the content filter and
// the content-based routing strategy.
func (r *ChatRequest) PromptText() string {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content) + 1
	}
	buf := make([]byte, 0, total)
	for i, m := range r.Messages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// Clone returns a shallow copy with its own message slice, so the pipeline can
// rewrite the model without mutating the caller's request.
func (r *ChatRequest) Clone() *ChatRequest {
	cp := *r
	cp.Messages = make([]ChatMessage, len(r.Messages))
	copy(cp.Messages, r.Messages)
	if r.Stop != nil {
		cp.Stop = append([]string(nil), r.Stop...)
	}
	return &cp
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the callable function schema.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a function invocation produced by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the call name and serialized arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is the unified completion response.
type ChatResponse struct {
	ID       string   `json:"id"`
	Object   string   `json:"object"`
	Created  int64    `json:"created"`
	Model    string   `json:"model"`
	Provider string   `json:"provider,omitempty"`
	Choices  []Choice `json:"choices"`
	Usage    *Usage   `json:"usage,omitempty"`
	// Metadata carries non-failing adjustments, e.g. max_tokens clamping.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage holds token accounting for a call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage reported incrementally across stream chunks.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// HasToolCalls reports whether any choice contains tool calls. Responses with
// tool calls are never cached.
func (r *ChatResponse) HasToolCalls() bool {
	for _, c := range r.Choices {
		if len(c.Message.ToolCalls) > 0 {
			return true
		}
	}
	return false
}
