// Package huggingface implements the Hugging Face serverless inference
// adapter. The hosted router exposes an OpenAI-compatible surface, so this is
// a thin wrapper over the compat codec.
package huggingface

import (
	"github.com/uridolan77/llmgateway/internal/provider"
	"github.com/uridolan77/llmgateway/internal/provider/openaicompat"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "huggingface"

	// DefaultBaseURL is the default Hugging Face inference endpoint.
	DefaultBaseURL = "https://api-inference.huggingface.co/v1"
)

// New creates a Hugging Face adapter.
func New(settings provider.Settings) provider.Adapter {
	return openaicompat.New(settings, openaicompat.Info{
		Name:              ProviderName,
		DefaultBaseURL:    DefaultBaseURL,
		SupportsStreaming: true,
		SupportsEmbedding: false,
	})
}
