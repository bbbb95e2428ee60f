package types

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// EmbeddingInput accepts a single string or an array of strings.
type EmbeddingInput struct {
	Texts []string
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (in *EmbeddingInput) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("input cannot be null")
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		in.Texts = []string{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		in.Texts = list
		return nil
	}

	return fmt.Errorf("input must be string or []string")
}

// MarshalJSON implements custom JSON marshaling.
func (in EmbeddingInput) MarshalJSON() ([]byte, error) {
	if len(in.Texts) == 1 {
		return json.Marshal(in.Texts[0])
	}
	return json.Marshal(in.Texts)
}

// EmbeddingRequest is the logical embedding request.
type EmbeddingRequest struct {
	Model string         `json:"model"`
	Input EmbeddingInput `json:"input"`
	User  string         `json:"user,omitempty"`
}

// Validate checks the embedding request.
func (r *EmbeddingRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Input.Texts) == 0 {
		return fmt.Errorf("input is required")
	}
	for i, s := range r.Input.Texts {
		if s == "" {
			return fmt.Errorf("input[%d] is empty", i)
		}
	}
	return nil
}

// EmbeddingResponse is the unified embedding response.
type EmbeddingResponse struct {
	Object   string          `json:"object"`
	Model    string          `json:"model"`
	Provider string          `json:"provider,omitempty"`
	Data     []EmbeddingData `json:"data"`
	Usage    *Usage          `json:"usage,omitempty"`
}

// EmbeddingData is one embedding vector.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}
