package filter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// HTTPModerator calls an external OpenAI-style moderation endpoint. It never
// routes back through this gateway's own pipeline, so ML filtering cannot
// recurse.
type HTTPModerator struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPModerator creates a moderation client for the given endpoint.
func NewHTTPModerator(url, apiKey string) *HTTPModerator {
	return &HTTPModerator{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

// Classify implements Moderator.
func (m *HTTPModerator) Classify(ctx context.Context, text string) ([]string, error) {
	body, err := json.Marshal(moderationRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal moderation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create moderation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moderation call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("moderation endpoint returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read moderation response: %w", err)
	}

	var parsed moderationResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal moderation response: %w", err)
	}

	var flagged []string
	for _, result := range parsed.Results {
		if !result.Flagged {
			continue
		}
		for category, hit := range result.Categories {
			if hit {
				flagged = append(flagged, normalizeCategory(category))
			}
		}
	}
	return flagged, nil
}

// normalizeCategory maps moderation endpoint categories onto the closed set.
func normalizeCategory(category string) string {
	switch category {
	case "hate", "hate/threatening":
		return CategoryHate
	case "harassment", "harassment/threatening":
		return CategoryHarassment
	case "self-harm", "self-harm/intent", "self-harm/instructions":
		return CategorySelfHarm
	case "sexual", "sexual/minors":
		return CategorySexual
	case "violence", "violence/graphic":
		return CategoryViolence
	default:
		return category
	}
}
