// Package openai implements the OpenAI provider codec. The gateway's unified
// format is OpenAI-compatible, so this codec is mostly a passthrough and
// serves as the reference for the other adapters.
package openai

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
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Codec implements the OpenAI wire format.
type Codec struct {
	apiKey  string
	baseURL string
	headers map[string]string
}

// New creates an OpenAI adapter.
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

func (c *Codec) newRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// BuildRequest creates the chat completion request.
func (c *Codec) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	return c.newRequest(ctx, "/chat/completions", req)
}

// ParseResponse decodes a completion response.
func (c *Codec) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &chatResp, nil
}

// ParseStreamChunk decodes one SSE data payload.
func (c *Codec) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}
	return &chunk, nil
}

// errorBody is the OpenAI error envelope.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// MapError classifies a non-2xx response.
func (c *Codec) MapError(status int, header http.Header, body []byte, model string) error {
	message := "unknown error"
	var envelope errorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	ge := gwerr.FromStatus(status, ProviderName, model, message)
	ge.RetryAfter = provider.RetryAfterFrom(header)
	return ge
}

// BuildEmbeddingRequest creates the embedding request.
func (c *Codec) BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest) (*http.Request, error) {
	return c.newRequest(ctx, "/embeddings", req)
}

// ParseEmbeddingResponse decodes an embedding response.
func (c *Codec) ParseEmbeddingResponse(resp *http.Response) (*types.EmbeddingResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var embResp types.EmbeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &embResp, nil
}

// HealthRequest probes the models listing endpoint.
func (c *Codec) HealthRequest(ctx context.Context) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}
