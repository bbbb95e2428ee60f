package types

// Capabilities describes what a model mapping supports. The router's
// content-based strategy also keys off the tag fields.
type Capabilities struct {
	Completions bool `json:"completions" yaml:"completions"`
	Embeddings  bool `json:"embeddings" yaml:"embeddings"`
	Streaming   bool `json:"streaming" yaml:"streaming"`
	Tools       bool `json:"tools" yaml:"tools"`
	Vision      bool `json:"vision" yaml:"vision"`

	// Strength tags consumed by the content-based strategy.
	Code        bool `json:"code,omitempty" yaml:"code"`
	Math        bool `json:"math,omitempty" yaml:"math"`
	Creative    bool `json:"creative,omitempty" yaml:"creative"`
	Analytical  bool `json:"analytical,omitempty" yaml:"analytical"`
	LongContext bool `json:"long_context,omitempty" yaml:"long_context"`
}

// Pricing is the per-token USD price sheet for a mapping.
type Pricing struct {
	InputPerToken    float64 `json:"input_per_token" yaml:"input_per_token"`
	OutputPerToken   float64 `json:"output_per_token" yaml:"output_per_token"`
	FineTunePerToken float64 `json:"fine_tune_per_token,omitempty" yaml:"fine_tune_per_token"`
}

// ModelInfo is the caller-visible description of a logical model.
type ModelInfo struct {
	ID            string       `json:"id"`
	Object        string       `json:"object"`
	Provider      string       `json:"provider"`
	DisplayName   string       `json:"display_name,omitempty"`
	ContextWindow int          `json:"context_window,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
}
