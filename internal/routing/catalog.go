// Package routing implements model resolution: alias chasing, user
// preferences, the four routing strategies, and the fallback chain. A Catalog
// is an immutable view derived from one config snapshot; the Router swaps
// catalogs atomically on reload.
package routing

import (
	"strings"

	"github.com/uridolan77/llmgateway/internal/config"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
)

// maxAliasDepth bounds alias chains.
const maxAliasDepth = 4

// Catalog is the routing view of one config snapshot.
type Catalog struct {
	mappings   []config.ModelMapping
	byID       map[string]int
	aliases    map[string]string
	modelPref  map[string]string // user -> logical model id
	stratPref  map[string]string // user -> strategy name
	modelStrat map[string]string // logical model id -> strategy name
	fallbacks  []config.FallbackRule
	pricing    *config.Config
}

// NewCatalog builds a catalog from a config snapshot.
func NewCatalog(cfg *config.Config) *Catalog {
	c := &Catalog{
		mappings:   cfg.Routing.ModelMappings,
		byID:       make(map[string]int, len(cfg.Routing.ModelMappings)),
		aliases:    make(map[string]string, len(cfg.Routing.ModelAliases)),
		modelPref:  make(map[string]string),
		stratPref:  make(map[string]string),
		modelStrat: make(map[string]string),
		fallbacks:  cfg.Fallbacks.Rules,
		pricing:    cfg,
	}
	for i, m := range cfg.Routing.ModelMappings {
		c.byID[strings.ToLower(m.LogicalID)] = i
	}
	for from, to := range cfg.Routing.ModelAliases {
		c.aliases[strings.ToLower(from)] = to
	}
	for _, p := range cfg.UserPreferences.ModelPreferences {
		c.modelPref[p.UserID] = p.ModelID
	}
	for _, p := range cfg.UserPreferences.RoutingPreferences {
		c.stratPref[p.UserID] = p.Strategy
	}
	for _, s := range cfg.Routing.ModelStrategies {
		c.modelStrat[strings.ToLower(s.ModelID)] = s.Strategy
	}
	return c
}

// ResolveAlias chases aliases to a fixpoint. Chains deeper than four hops or
// cyclic chains fail with routing_loop.
func (c *Catalog) ResolveAlias(logicalID string) (string, error) {
	current := logicalID
	seen := map[string]struct{}{strings.ToLower(current): {}}

	for depth := 0; depth < maxAliasDepth; depth++ {
		next, ok := c.aliases[strings.ToLower(current)]
		if !ok {
			return current, nil
		}
		if _, looped := seen[strings.ToLower(next)]; looped {
			return "", gwerr.Newf(gwerr.KindRoutingLoop, "alias cycle detected at %q", next)
		}
		seen[strings.ToLower(next)] = struct{}{}
		current = next
	}

	if _, ok := c.aliases[strings.ToLower(current)]; ok {
		return "", gwerr.Newf(gwerr.KindRoutingLoop, "alias chain for %q exceeds depth %d", logicalID, maxAliasDepth)
	}
	return current, nil
}

// Mapping looks up the mapping for a logical model id.
func (c *Catalog) Mapping(logicalID string) (config.ModelMapping, bool) {
	i, ok := c.byID[strings.ToLower(logicalID)]
	if !ok {
		return config.ModelMapping{}, false
	}
	return c.mappings[i], true
}

// Mappings returns all mappings in configuration order.
func (c *Catalog) Mappings() []config.ModelMapping {
	return c.mappings
}

// UserModel returns the user's pinned model, if any.
func (c *Catalog) UserModel(userID string) (string, bool) {
	m, ok := c.modelPref[userID]
	return m, ok
}

// UserStrategy returns the user's pinned routing strategy, if any.
func (c *Catalog) UserStrategy(userID string) (string, bool) {
	s, ok := c.stratPref[userID]
	return s, ok
}

// ModelStrategy returns the configured strategy for a logical model, if any.
func (c *Catalog) ModelStrategy(logicalID string) (string, bool) {
	s, ok := c.modelStrat[strings.ToLower(logicalID)]
	return s, ok
}

// Pricing resolves the effective price sheet for a mapping.
func (c *Catalog) Pricing(m config.ModelMapping) (input, output float64) {
	p := c.pricing.EffectivePricing(m)
	return p.InputPerToken, p.OutputPerToken
}

// FallbackRule returns the fallback rule for a model whose error codes cover
// kind, if any. A rule with an empty errorCodes list matches every kind.
func (c *Catalog) FallbackRule(logicalID string, kind gwerr.Kind) (config.FallbackRule, bool) {
	for _, r := range c.fallbacks {
		if !strings.EqualFold(r.ModelID, logicalID) {
			continue
		}
		if len(r.ErrorCodes) == 0 {
			return r, true
		}
		for _, code := range r.ErrorCodes {
			if code == string(kind) {
				return r, true
			}
		}
	}
	return config.FallbackRule{}, false
}
