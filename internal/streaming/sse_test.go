package streaming

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uridolan77/llmgateway/pkg/types"
)

func contentChunk(content string) *types.StreamChunk {
	return &types.StreamChunk{
		ID:      "chunk-1",
		Object:  "chat.completion.chunk",
		Model:   "gpt-4",
		Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: content}}},
	}
}

func finishChunk(reason string, usage *types.Usage) *types.StreamChunk {
	return &types.StreamChunk{
		ID:      "chunk-1",
		Model:   "gpt-4",
		Choices: []types.StreamChoice{{FinishReason: reason}},
		Usage:   usage,
	}
}

func frames(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, DataPrefix), "frame %q", frame)
		out = append(out, strings.TrimPrefix(frame, DataPrefix))
	}
	return out
}

func TestWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Send(contentChunk("hello")))
	require.NoError(t, w.Close())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	got := frames(t, rec.Body.String())
	require.Len(t, got, 2)
	var chunk types.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(got[0]), &chunk))
	assert.Equal(t, "hello", chunk.Choices[0].Delta.Content)
	assert.Equal(t, Done, got[1])
}

func TestForwardEndsWithDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	ch := make(chan *types.StreamChunk, 3)
	ch <- contentChunk("a")
	ch <- contentChunk("b")
	ch <- finishChunk(types.FinishStop, &types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	close(ch)

	require.NoError(t, Forward(context.Background(), w, ch, "gpt-4"))

	got := frames(t, rec.Body.String())
	require.Len(t, got, 4)
	assert.Equal(t, Done, got[len(got)-1])
}

func TestForwardSynthesizesTerminalChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	// Upstream closes without a finish reason.
	ch := make(chan *types.StreamChunk, 1)
	ch <- contentChunk("partial")
	close(ch)

	require.NoError(t, Forward(context.Background(), w, ch, "gpt-4"))

	got := frames(t, rec.Body.String())
	require.Len(t, got, 3)
	var terminal types.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(got[1]), &terminal))
	assert.Equal(t, types.FinishError, terminal.Choices[0].FinishReason)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, "upstream_error", terminal.Error.Code)
}

func TestForwardClientCancellation(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan *types.StreamChunk) // never delivers

	err = Forward(ctx, w, ch, "gpt-4")
	assert.ErrorIs(t, err, context.Canceled)

	got := frames(t, rec.Body.String())
	require.Len(t, got, 2)
	var terminal types.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(got[0]), &terminal))
	assert.Equal(t, "completion_partial", terminal.Error.Code)
	assert.Equal(t, Done, got[1])
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator("gpt-4")
	acc.Add(contentChunk("hello "))
	acc.Add(contentChunk("world"))
	acc.Add(finishChunk(types.FinishStop, &types.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}))

	assert.Equal(t, "hello world", acc.Content())

	usage, ok := acc.Usage()
	require.True(t, ok)
	assert.Equal(t, 12, usage.TotalTokens)

	resp := acc.Response()
	assert.Equal(t, "chunk-1", resp.ID)
	assert.Equal(t, "hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, types.FinishStop, resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
}

func TestAccumulatorNoUsage(t *testing.T) {
	acc := NewAccumulator("gpt-4")
	acc.Add(contentChunk("x"))

	_, ok := acc.Usage()
	assert.False(t, ok)
	assert.Nil(t, acc.Response().Usage)
}
