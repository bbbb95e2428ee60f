// Package openaicompat implements a codec for providers that expose an
// OpenAI-compatible API surface under their own endpoint and branding.
package openaicompat

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

// Info describes the compatible provider being wrapped.
type Info struct {
	Name              string
	DefaultBaseURL    string
	SupportsStreaming bool
	SupportsEmbedding bool
}

// Codec speaks the OpenAI wire format against a third-party endpoint.
type Codec struct {
	info    Info
	apiKey  string
	baseURL string
	headers map[string]string
}

// New creates an adapter for an OpenAI-compatible provider.
func New(settings provider.Settings, info Info) provider.Adapter {
	baseURL := settings.BaseURL
	if baseURL == "" {
		baseURL = info.DefaultBaseURL
	}
	codec := &Codec{
		info:    info,
		apiKey:  settings.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: settings.Headers,
	}
	return provider.NewClient(codec, settings)
}

// Name returns the provider identifier.
func (c *Codec) Name() string { return c.info.Name }

// SupportsStreaming reports streaming capability.
func (c *Codec) SupportsStreaming() bool { return c.info.SupportsStreaming }

// SupportsEmbeddings reports embedding capability.
func (c *Codec) SupportsEmbeddings() bool { return c.info.SupportsEmbedding }

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

// MapError classifies a non-2xx response. Both the OpenAI error envelope and
// a bare message field are recognized.
func (c *Codec) MapError(status int, header http.Header, body []byte, model string) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Error.Message != "":
			message = envelope.Error.Message
		case envelope.Message != "":
			message = envelope.Message
		}
	}

	ge := gwerr.FromStatus(status, c.info.Name, model, message)
	ge.RetryAfter = provider.RetryAfterFrom(header)
	return ge
}

// BuildEmbeddingRequest creates the embedding request.
func (c *Codec) BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest) (*http.Request, error) {
	if !c.info.SupportsEmbedding {
		return nil, gwerr.Newf(gwerr.KindNotSupported, "%s does not provide embeddings", c.info.Name).WithProvider(c.info.Name, req.Model)
	}
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
