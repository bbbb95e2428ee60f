// Package azure implements the Azure OpenAI provider codec. The wire format
// matches OpenAI; authentication uses the api-key header and the deployment
// name rides in the URL path instead of the body.
package azure

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
	ProviderName = "azure"

	// DefaultAPIVersion is the default Azure OpenAI API version.
	DefaultAPIVersion = "2024-02-15-preview"
)

// Codec implements the Azure OpenAI wire format.
type Codec struct {
	apiKey     string
	baseURL    string
	apiVersion string
	headers    map[string]string
}

// New creates an Azure OpenAI adapter. The base URL is the resource endpoint,
// e.g. https://my-resource.openai.azure.com.
func New(settings provider.Settings) (provider.Adapter, error) {
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("azure provider requires api_url (e.g. https://my-resource.openai.azure.com)")
	}
	apiVersion := settings.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	codec := &Codec{
		apiKey:     settings.APIKey,
		baseURL:    strings.TrimSuffix(settings.BaseURL, "/"),
		apiVersion: apiVersion,
		headers:    settings.Headers,
	}
	return provider.NewClient(codec, settings), nil
}

// Name returns the provider identifier.
func (c *Codec) Name() string { return ProviderName }

// SupportsStreaming reports streaming capability.
func (c *Codec) SupportsStreaming() bool { return true }

// SupportsEmbeddings reports embedding capability.
func (c *Codec) SupportsEmbeddings() bool { return true }

func (c *Codec) deploymentURL(deployment, operation string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		c.baseURL, deployment, operation, c.apiVersion)
}

func (c *Codec) newRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// BuildRequest creates the chat completion request. The model field names the
// Azure deployment.
func (c *Codec) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	return c.newRequest(ctx, c.deploymentURL(req.Model, "chat/completions"), req)
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
	// Azure emits a leading chunk with an empty choice list for content
	// filter annotations.
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	return &chunk, nil
}

// MapError classifies a non-2xx response.
func (c *Codec) MapError(status int, header http.Header, body []byte, model string) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	ge := gwerr.FromStatus(status, ProviderName, model, message)
	ge.RetryAfter = provider.RetryAfterFrom(header)
	return ge
}

// BuildEmbeddingRequest creates the embedding request.
func (c *Codec) BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest) (*http.Request, error) {
	return c.newRequest(ctx, c.deploymentURL(req.Model, "embeddings"), req)
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

// HealthRequest probes the deployments listing endpoint.
func (c *Codec) HealthRequest(ctx context.Context) (*http.Request, error) {
	url := fmt.Sprintf("%s/openai/deployments?api-version=%s", c.baseURL, c.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("api-key", c.apiKey)
	return httpReq, nil
}
