// Package provider defines the adapter contract for upstream LLM providers
// and the shared HTTP client that executes adapter-built requests. Adapters
// only translate formats; classification of upstream failures happens in
// MapError so retry and fallback see a uniform error taxonomy.
package provider

import (
	"context"
	"net/http"

	"github.com/uridolan77/llmgateway/pkg/types"
)

// Codec translates between the unified request/response shapes and one
// provider's wire format.
type Codec interface {
	// Name returns the provider identifier, e.g. "openai".
	Name() string

	// BuildRequest builds the provider HTTP request for a completion. The
	// request's Stream flag selects the streaming variant where the provider
	// distinguishes them.
	BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error)

	// ParseResponse decodes a successful completion response.
	ParseResponse(resp *http.Response) (*types.ChatResponse, error)

	// ParseStreamChunk decodes one SSE data payload. Returns nil, nil for
	// keep-alives and the provider's end-of-stream marker.
	ParseStreamChunk(data []byte) (*types.StreamChunk, error)

	// MapError classifies a non-2xx response into a GatewayError, reading
	// Retry-After when present.
	MapError(status int, header http.Header, body []byte, model string) error

	// SupportsStreaming reports whether the provider can stream completions.
	SupportsStreaming() bool

	// SupportsEmbeddings reports whether the provider serves embeddings.
	SupportsEmbeddings() bool

	// BuildEmbeddingRequest builds the provider HTTP request for embeddings.
	BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest) (*http.Request, error)

	// ParseEmbeddingResponse decodes a successful embedding response.
	ParseEmbeddingResponse(resp *http.Response) (*types.EmbeddingResponse, error)

	// HealthRequest builds a cheap request used by the availability probe.
	HealthRequest(ctx context.Context) (*http.Request, error)
}

// Adapter is the executable provider surface the pipeline calls.
type Adapter interface {
	// Name returns the provider identifier.
	Name() string

	// Models lists the logical models mapped onto this provider.
	Models() []types.ModelInfo

	// Model looks up one mapped logical model.
	Model(id string) (types.ModelInfo, bool)

	// Complete performs a blocking completion call.
	Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// CompleteStream performs a streaming completion call. The channel closes
	// after the terminal chunk; cancelling ctx ends the stream.
	CompleteStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, error)

	// Embed performs an embedding call.
	Embed(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)

	// IsAvailable probes the provider endpoint.
	IsAvailable(ctx context.Context) error

	// SupportsStreaming reports streaming capability.
	SupportsStreaming() bool

	// SupportsMultiModal reports whether any mapped model accepts images.
	SupportsMultiModal() bool
}

// Settings carries the construction inputs common to every adapter.
type Settings struct {
	// Name overrides the codec's default identifier, letting two instances of
	// the same provider type coexist (e.g. "azure-eu", "azure-us").
	Name       string
	APIKey     string
	BaseURL    string
	APIVersion string
	Headers    map[string]string
	Timeout    int // seconds; zero takes the client default
	Models     []types.ModelInfo
}
