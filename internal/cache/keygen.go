package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/uridolan77/llmgateway/pkg/types"
)

// fingerprintMessage is the cache-relevant slice of a chat message.
type fingerprintMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// fingerprintPayload is the canonical cache-relevant view of a request.
// Field order is fixed by the struct, so key ordering and whitespace in the
// caller's JSON cannot change the fingerprint. The provider is part of the
// key so re-routing can never return another provider's cached output.
type fingerprintPayload struct {
	Provider         string               `json:"provider"`
	Model            string               `json:"model"`
	Messages         []fingerprintMessage `json:"messages"`
	Temperature      *float64             `json:"temperature"`
	MaxTokens        int                  `json:"max_tokens"`
	TopP             *float64             `json:"top_p"`
	FrequencyPenalty *float64             `json:"frequency_penalty"`
	PresencePenalty  *float64             `json:"presence_penalty"`
	Stop             []string             `json:"stop"`
}

// Fingerprint computes the deterministic cache key for a request routed to
// the given provider: the first 16 hex chars of SHA-256 over the canonical
// payload.
func Fingerprint(provider string, req *types.ChatRequest) (string, error) {
	payload := fingerprintPayload{
		Provider:         provider,
		Model:            req.Model,
		Messages:         make([]fingerprintMessage, 0, len(req.Messages)),
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, fingerprintMessage{Role: m.Role, Content: m.Content})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
