// Package providers wires configured providers into a registry, binding each
// provider type to its codec and each adapter to the logical models mapped
// onto it.
package providers

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/uridolan77/llmgateway/internal/config"
	"github.com/uridolan77/llmgateway/internal/provider"
	"github.com/uridolan77/llmgateway/internal/provider/anthropic"
	"github.com/uridolan77/llmgateway/internal/provider/azure"
	"github.com/uridolan77/llmgateway/internal/provider/cohere"
	"github.com/uridolan77/llmgateway/internal/provider/huggingface"
	"github.com/uridolan77/llmgateway/internal/provider/openai"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// Build constructs the provider registry from a configuration snapshot.
func Build(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry(logger)

	for _, pc := range cfg.Providers {
		adapter, err := buildOne(cfg, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		reg.Register(adapter)
	}
	return reg, nil
}

func buildOne(cfg *config.Config, pc config.ProviderConfig) (provider.Adapter, error) {
	settings := provider.Settings{
		Name:       pc.Name,
		APIKey:     pc.APIKey,
		BaseURL:    pc.APIURL,
		APIVersion: pc.APIVersion,
		Headers:    pc.Headers,
		Timeout:    pc.TimeoutSeconds,
		Models:     modelsFor(cfg, pc.Name),
	}

	switch strings.ToLower(pc.Type) {
	case "openai":
		return openai.New(settings), nil
	case "anthropic":
		return anthropic.New(settings), nil
	case "azure", "azureopenai":
		return azure.New(settings)
	case "cohere":
		return cohere.New(settings), nil
	case "huggingface":
		return huggingface.New(settings), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// modelsFor collects the logical models mapped onto the named provider.
func modelsFor(cfg *config.Config, providerName string) []types.ModelInfo {
	var out []types.ModelInfo
	for _, m := range cfg.Routing.ModelMappings {
		if !strings.EqualFold(m.Provider, providerName) {
			continue
		}
		out = append(out, types.ModelInfo{
			ID:            m.LogicalID,
			Object:        "model",
			Provider:      providerName,
			DisplayName:   m.DisplayName,
			ContextWindow: m.ContextWindow,
			Capabilities:  m.Capabilities,
		})
	}
	return out
}
