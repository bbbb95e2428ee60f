// Package streaming writes the uniform chunk sequence to HTTP clients as
// Server-Sent Events and accumulates deltas for post-stream accounting.
package streaming

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/uridolan77/llmgateway/pkg/types"
)

const (
	// DataPrefix is the prefix for SSE data lines.
	DataPrefix = "data: "

	// Done is the marker for stream completion.
	Done = "[DONE]"
)

// Writer emits SSE frames to an HTTP response, flushing per event.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewWriter wraps a response writer. It fails if the writer cannot flush,
// since buffered SSE defeats the point.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// writeHeaders sets the SSE headers before the first frame.
func (s *Writer) writeHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // disable nginx buffering
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Send writes one chunk as a data frame.
func (s *Writer) Send(chunk *types.StreamChunk) error {
	if !s.started {
		s.writeHeaders()
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "%s%s\n\n", DataPrefix, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close writes the terminal [DONE] frame.
func (s *Writer) Close() error {
	if !s.started {
		s.writeHeaders()
	}
	if _, err := fmt.Fprintf(s.w, "%s%s\n\n", DataPrefix, Done); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Forward drains chunks into the writer. Every stream ends with a terminal
// chunk before [DONE]: if the channel closes without one, or the client
// context ends mid-stream, a synthesized terminal chunk is emitted first.
func Forward(ctx context.Context, w *Writer, chunks <-chan *types.StreamChunk, model string) error {
	terminal := false
	for {
		select {
		case <-ctx.Done():
			chunk := types.TerminalErrorChunk(model, "completion_partial", "client disconnected before completion")
			_ = w.Send(chunk)
			_ = w.Close()
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if !terminal {
					_ = w.Send(types.TerminalErrorChunk(model, "upstream_error", "stream ended without a terminal chunk"))
				}
				return w.Close()
			}
			if err := w.Send(chunk); err != nil {
				return err
			}
			if chunk.Terminal() {
				terminal = true
			}
		}
	}
}

// Accumulator folds stream deltas into a final response for accounting and
// completion-stage filtering.
type Accumulator struct {
	id           string
	model        string
	created      int64
	content      []byte
	toolCalls    []types.ToolCall
	finishReason string
	usage        types.Usage
	sawUsage     bool
}

// NewAccumulator starts accumulation for one stream.
func NewAccumulator(model string) *Accumulator {
	return &Accumulator{model: model}
}

// Add folds one chunk in.
func (a *Accumulator) Add(chunk *types.StreamChunk) {
	if chunk == nil {
		return
	}
	if chunk.ID != "" {
		a.id = chunk.ID
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Created != 0 {
		a.created = chunk.Created
	}
	for _, choice := range chunk.Choices {
		a.content = append(a.content, choice.Delta.Content...)
		a.toolCalls = append(a.toolCalls, choice.Delta.ToolCalls...)
		if choice.FinishReason != "" {
			a.finishReason = choice.FinishReason
		}
	}
	if chunk.Usage != nil {
		a.usage.Add(chunk.Usage)
		a.sawUsage = true
	}
}

// Content returns the accumulated completion text so far.
func (a *Accumulator) Content() string {
	return string(a.content)
}

// Usage returns the aggregated usage and whether the provider reported any.
func (a *Accumulator) Usage() (*types.Usage, bool) {
	if !a.sawUsage {
		return nil, false
	}
	u := a.usage
	return &u, true
}

// Response materializes the accumulated stream as a non-streaming response.
func (a *Accumulator) Response() *types.ChatResponse {
	finish := a.finishReason
	if finish == "" {
		finish = types.FinishStop
	}
	resp := &types.ChatResponse{
		ID:      a.id,
		Object:  "chat.completion",
		Created: a.created,
		Model:   a.model,
		Choices: []types.Choice{{
			Message: types.ChatMessage{
				Role:      types.RoleAssistant,
				Content:   string(a.content),
				ToolCalls: a.toolCalls,
			},
			FinishReason: finish,
		}},
	}
	if a.sawUsage {
		u := a.usage
		resp.Usage = &u
	}
	return resp
}
