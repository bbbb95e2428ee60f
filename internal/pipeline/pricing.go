package pipeline

import (
	"strings"

	"github.com/uridolan77/llmgateway/internal/config"
)

// ConfigPricing adapts config snapshots to the ledger's pricing contract, so
// the ledger prices against the same snapshot the router routes with.
type ConfigPricing struct {
	Snapshot func() *config.Config
}

func (p ConfigPricing) PriceFor(provider, modelID string) (input, output, fineTune float64, ok bool) {
	cfg := p.Snapshot()
	for _, m := range cfg.Routing.ModelMappings {
		if !strings.EqualFold(m.LogicalID, modelID) {
			continue
		}
		if provider != "" && !strings.EqualFold(m.Provider, provider) {
			continue
		}
		pr := cfg.EffectivePricing(m)
		fineTune = pr.FineTunePerToken
		if rate, found := cfg.CostManagement.FineTunePricing[m.ProviderModelID]; found {
			fineTune = rate
		}
		return pr.InputPerToken, pr.OutputPerToken, fineTune, true
	}
	return 0, 0, 0, false
}
