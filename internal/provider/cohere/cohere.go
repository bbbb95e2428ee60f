// Package cohere implements the Cohere provider codec against the v1 chat
// and embed APIs. Cohere splits the conversation into a chat history plus the
// latest user message, with the system prompt as a preamble.
package cohere

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
	ProviderName = "cohere"

	// DefaultBaseURL is the default Cohere API endpoint.
	DefaultBaseURL = "https://api.cohere.com"
)

// Codec implements the Cohere wire format.
type Codec struct {
	apiKey  string
	baseURL string
	headers map[string]string
}

// New creates a Cohere adapter.
func New(settings provider.Settings) provider.Adapter {
	baseURL := settings.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	codec := &Codec{
		apiKey:  settings.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: settings.Headers,
	}
	return provider.NewClient(codec, settings)
}

// Name returns the provider identifier.
func (c *Codec) Name() string { return ProviderName }

// SupportsStreaming reports streaming capability.
func (c *Codec) SupportsStreaming() bool { return true }

// SupportsEmbeddings reports embedding capability.
func (c *Codec) SupportsEmbeddings() bool { return true }

type wireRequest struct {
	Model         string        `json:"model"`
	Message       string        `json:"message"`
	ChatHistory   []wireHistory `json:"chat_history,omitempty"`
	Preamble      string        `json:"preamble,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	P             *float64      `json:"p,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type wireHistory struct {
	Role    string `json:"role"` // USER or CHATBOT
	Message string `json:"message"`
}

type wireResponse struct {
	Text         string `json:"text"`
	GenerationID string `json:"generation_id"`
	FinishReason string `json:"finish_reason"`
	Meta         struct {
		Tokens struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"meta"`
}

func (c *Codec) setHeaders(httpReq *http.Request) {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
}

// BuildRequest creates the chat request. The last user message becomes the
// message field; everything before it becomes chat history.
func (c *Codec) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	wire := &wireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		P:           req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	if len(req.Stop) > 0 {
		wire.StopSequences = req.Stop
	}

	last := len(req.Messages) - 1
	for last >= 0 && req.Messages[last].Role != types.RoleUser {
		last--
	}
	if last < 0 {
		return nil, fmt.Errorf("cohere requires at least one user message")
	}
	wire.Message = req.Messages[last].Content

	for i, msg := range req.Messages {
		if i == last {
			continue
		}
		switch msg.Role {
		case types.RoleSystem:
			if wire.Preamble != "" {
				wire.Preamble += "\n"
			}
			wire.Preamble += msg.Content
		case types.RoleUser:
			wire.ChatHistory = append(wire.ChatHistory, wireHistory{Role: "USER", Message: msg.Content})
		case types.RoleAssistant:
			wire.ChatHistory = append(wire.ChatHistory, wireHistory{Role: "CHATBOT", Message: msg.Content})
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	return httpReq, nil
}

// ParseResponse decodes a chat response into the unified shape.
func (c *Codec) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &types.ChatResponse{
		ID:     wire.GenerationID,
		Object: "chat.completion",
		Choices: []types.Choice{{
			Index: 0,
			Message: types.ChatMessage{
				Role:    types.RoleAssistant,
				Content: wire.Text,
			},
			FinishReason: mapFinishReason(wire.FinishReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     wire.Meta.Tokens.InputTokens,
			CompletionTokens: wire.Meta.Tokens.OutputTokens,
			TotalTokens:      wire.Meta.Tokens.InputTokens + wire.Meta.Tokens.OutputTokens,
		},
	}, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE", "STOP_SEQUENCE":
		return types.FinishStop
	case "MAX_TOKENS":
		return types.FinishLength
	default:
		return strings.ToLower(reason)
	}
}

// streamEvent is the subset of Cohere stream events the codec consumes.
type streamEvent struct {
	EventType    string       `json:"event_type"`
	Text         string       `json:"text"`
	FinishReason string       `json:"finish_reason"`
	Response     wireResponse `json:"response"`
}

// ParseStreamChunk decodes one stream event.
func (c *Codec) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var event streamEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil
	}

	switch event.EventType {
	case "stream-start":
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index: 0,
				Delta: types.StreamDelta{Role: types.RoleAssistant},
			}},
		}, nil

	case "text-generation":
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index: 0,
				Delta: types.StreamDelta{Content: event.Text},
			}},
		}, nil

	case "stream-end":
		chunk := &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index:        0,
				FinishReason: mapFinishReason(event.FinishReason),
			}},
		}
		tokens := event.Response.Meta.Tokens
		if tokens.InputTokens > 0 || tokens.OutputTokens > 0 {
			chunk.Usage = &types.Usage{
				PromptTokens:     tokens.InputTokens,
				CompletionTokens: tokens.OutputTokens,
				TotalTokens:      tokens.InputTokens + tokens.OutputTokens,
			}
		}
		return chunk, nil
	}

	return nil, nil
}

// MapError classifies a non-2xx response.
func (c *Codec) MapError(status int, header http.Header, body []byte, model string) error {
	var envelope struct {
		Message string `json:"message"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		message = envelope.Message
	}

	ge := gwerr.FromStatus(status, ProviderName, model, message)
	ge.RetryAfter = provider.RetryAfterFrom(header)
	return ge
}

type embedRequest struct {
	Model     string   `json:"model"`
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Meta       struct {
		BilledUnits struct {
			InputTokens int `json:"input_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

// BuildEmbeddingRequest creates the embed request.
func (c *Codec) BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest) (*http.Request, error) {
	wire := embedRequest{
		Model:     req.Model,
		Texts:     req.Input.Texts,
		InputType: "search_document",
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	return httpReq, nil
}

// ParseEmbeddingResponse decodes an embed response into the unified shape.
func (c *Codec) ParseEmbeddingResponse(resp *http.Response) (*types.EmbeddingResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wire embedResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	out := &types.EmbeddingResponse{
		Object: "list",
		Data:   make([]types.EmbeddingData, 0, len(wire.Embeddings)),
		Usage: &types.Usage{
			PromptTokens: wire.Meta.BilledUnits.InputTokens,
			TotalTokens:  wire.Meta.BilledUnits.InputTokens,
		},
	}
	for i, vec := range wire.Embeddings {
		out.Data = append(out.Data, types.EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: vec,
		})
	}
	return out, nil
}

// HealthRequest probes the models listing endpoint.
func (c *Codec) HealthRequest(ctx context.Context) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}
