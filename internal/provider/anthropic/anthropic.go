// Package anthropic implements the Anthropic Messages API codec. Requests and
// responses are translated between the unified OpenAI-compatible shape and
// Anthropic's content-block format.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/uridolan77/llmgateway/internal/provider"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is sent in the anthropic-version header.
	DefaultAPIVersion = "2023-06-01"

	// defaultMaxTokens applies when the caller leaves max_tokens unset;
	// Anthropic requires the field.
	defaultMaxTokens = 4096
)

// Codec implements the Anthropic wire format.
type Codec struct {
	apiKey     string
	baseURL    string
	apiVersion string
	headers    map[string]string
}

// New creates an Anthropic adapter.
func New(settings provider.Settings) provider.Adapter {
	baseURL := settings.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	apiVersion := settings.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	codec := &Codec{
		apiKey:     settings.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiVersion: apiVersion,
		headers:    settings.Headers,
	}
	return provider.NewClient(codec, settings)
}

// Name returns the provider identifier.
func (c *Codec) Name() string { return ProviderName }

// SupportsStreaming reports streaming capability.
func (c *Codec) SupportsStreaming() bool { return true }

// SupportsEmbeddings reports embedding capability. Anthropic has no
// embeddings endpoint.
func (c *Codec) SupportsEmbeddings() bool { return false }

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Metadata      *wireMetadata `json:"metadata,omitempty"`
	Tools         []wireTool    `json:"tools,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []wireBlock
}

type wireBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Role       string      `json:"role"`
	Content    []wireBlock `json:"content"`
	Model      string      `json:"model"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BuildRequest creates the messages API request.
func (c *Codec) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	wire := c.translate(req)

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.apiVersion)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Codec) translate(req *types.ChatRequest) *wireRequest {
	wire := &wireRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		wire.StopSequences = req.Stop
	}
	if req.User != "" {
		wire.Metadata = &wireMetadata{UserID: req.User}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case types.RoleSystem:
			// Anthropic takes the system prompt out of band.
			if wire.System != "" {
				wire.System += "\n"
			}
			wire.System += msg.Content

		case types.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				wire.Messages = append(wire.Messages, wireMessage{Role: "assistant", Content: msg.Content})
				continue
			}
			blocks := make([]wireBlock, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = tc.Function.Arguments
				}
				blocks = append(blocks, wireBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			wire.Messages = append(wire.Messages, wireMessage{Role: "assistant", Content: blocks})

		case types.RoleTool:
			wire.Messages = append(wire.Messages, wireMessage{
				Role: "user",
				Content: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		default:
			wire.Messages = append(wire.Messages, wireMessage{Role: "user", Content: msg.Content})
		}
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		wire.Tools = append(wire.Tools, wireTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}

	return wire
}

// ParseResponse decodes a messages API response into the unified shape.
func (c *Codec) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text string
	var toolCalls []types.ToolCall
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}

	return &types.ChatResponse{
		ID:     wire.ID,
		Object: "chat.completion",
		Model:  wire.Model,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.ChatMessage{
				Role:      types.RoleAssistant,
				Content:   text,
				ToolCalls: toolCalls,
			},
			FinishReason: mapStopReason(wire.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return types.FinishStop
	case "max_tokens":
		return types.FinishLength
	case "tool_use":
		return types.FinishToolCalls
	default:
		return reason
	}
}

// streamEvent is the subset of Anthropic stream events the codec consumes.
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage wireUsage `json:"usage"`
}

// ParseStreamChunk decodes one stream event. Events that carry nothing the
// unified stream needs (pings, content_block_start, message_stop) map to nil.
func (c *Codec) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var event streamEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil
	}

	switch event.Type {
	case "message_start":
		return &types.StreamChunk{
			ID:     event.Message.ID,
			Object: "chat.completion.chunk",
			Model:  event.Message.Model,
			Choices: []types.StreamChoice{{
				Index: 0,
				Delta: types.StreamDelta{Role: types.RoleAssistant},
			}},
		}, nil

	case "content_block_delta":
		if event.Delta.Type != "text_delta" {
			return nil, nil
		}
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index: 0,
				Delta: types.StreamDelta{Content: event.Delta.Text},
			}},
		}, nil

	case "message_delta":
		if event.Delta.StopReason == "" {
			return nil, nil
		}
		chunk := &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index:        0,
				FinishReason: mapStopReason(event.Delta.StopReason),
			}},
		}
		if event.Usage.OutputTokens > 0 {
			chunk.Usage = &types.Usage{
				PromptTokens:     event.Usage.InputTokens,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
			}
		}
		return chunk, nil
	}

	return nil, nil
}

// MapError classifies a non-2xx response.
func (c *Codec) MapError(status int, header http.Header, body []byte, model string) error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	// Anthropic reports capacity exhaustion as 529.
	if status == 529 {
		status = http.StatusServiceUnavailable
	}

	ge := gwerr.FromStatus(status, ProviderName, model, message)
	ge.RetryAfter = provider.RetryAfterFrom(header)
	return ge
}

// BuildEmbeddingRequest is not supported.
func (c *Codec) BuildEmbeddingRequest(_ context.Context, req *types.EmbeddingRequest) (*http.Request, error) {
	return nil, gwerr.New(gwerr.KindNotSupported, "anthropic does not provide embeddings").WithProvider(ProviderName, req.Model)
}

// ParseEmbeddingResponse is not supported.
func (c *Codec) ParseEmbeddingResponse(*http.Response) (*types.EmbeddingResponse, error) {
	return nil, gwerr.New(gwerr.KindNotSupported, "anthropic does not provide embeddings").WithProvider(ProviderName, "")
}

// HealthRequest probes the models listing endpoint.
func (c *Codec) HealthRequest(ctx context.Context) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.apiVersion)
	return httpReq, nil
}
