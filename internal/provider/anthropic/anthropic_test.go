package anthropic

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uridolan77/llmgateway/internal/provider"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

func testCodec() *Codec {
	return &Codec{
		apiKey:     "test-key",
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
	}
}

func TestTranslateExtractsSystemPrompt(t *testing.T) {
	wire := testCodec().translate(&types.ChatRequest{
		Model: "claude-3-sonnet",
		Messages: []types.ChatMessage{
			{Role: types.RoleSystem, Content: "be terse"},
			{Role: types.RoleUser, Content: "hello"},
			{Role: types.RoleAssistant, Content: "hi"},
			{Role: types.RoleUser, Content: "more"},
		},
	})

	assert.Equal(t, "be terse", wire.System)
	require.Len(t, wire.Messages, 3)
	assert.Equal(t, "user", wire.Messages[0].Role)
	assert.Equal(t, "assistant", wire.Messages[1].Role)
}

func TestTranslateDefaultsMaxTokens(t *testing.T) {
	codec := testCodec()

	wire := codec.translate(&types.ChatRequest{Model: "claude-3-sonnet"})
	assert.Equal(t, defaultMaxTokens, wire.MaxTokens)

	wire = codec.translate(&types.ChatRequest{Model: "claude-3-sonnet", MaxTokens: 100})
	assert.Equal(t, 100, wire.MaxTokens)
}

func TestTranslateToolRoundTrip(t *testing.T) {
	wire := testCodec().translate(&types.ChatRequest{
		Model: "claude-3-sonnet",
		Messages: []types.ChatMessage{
			{Role: types.RoleUser, Content: "weather?"},
			{
				Role: types.RoleAssistant,
				ToolCalls: []types.ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      "get_weather",
						Arguments: `{"city":"Oslo"}`,
					},
				}},
			},
			{Role: types.RoleTool, Content: "12C", ToolCallID: "call_1"},
		},
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunction{
				Name:       "get_weather",
				Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}},
	})

	require.Len(t, wire.Messages, 3)

	// Assistant tool call becomes a tool_use block.
	blocks, ok := wire.Messages[1].Content.([]wireBlock)
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_use", blocks[0].Type)
	assert.Equal(t, "call_1", blocks[0].ID)
	assert.Equal(t, "get_weather", blocks[0].Name)

	// Tool result rides in a user message.
	resultBlocks, ok := wire.Messages[2].Content.([]wireBlock)
	require.True(t, ok)
	assert.Equal(t, "user", wire.Messages[2].Role)
	assert.Equal(t, "tool_result", resultBlocks[0].Type)
	assert.Equal(t, "call_1", resultBlocks[0].ToolUseID)

	require.Len(t, wire.Tools, 1)
	assert.Equal(t, "get_weather", wire.Tools[0].Name)
}

func TestParseResponse(t *testing.T) {
	body := `{
		"id": "msg_1",
		"role": "assistant",
		"model": "claude-3-sonnet",
		"content": [{"type": "text", "text": "hello there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}

	parsed, err := testCodec().ParseResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", parsed.ID)
	assert.Equal(t, "hello there", parsed.Choices[0].Message.Content)
	assert.Equal(t, types.FinishStop, parsed.Choices[0].FinishReason)
	assert.Equal(t, 15, parsed.Usage.TotalTokens)
}

func TestParseResponseToolUse(t *testing.T) {
	body := `{
		"id": "msg_2",
		"model": "claude-3-sonnet",
		"content": [{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 8, "output_tokens": 12}
	}`
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}

	parsed, err := testCodec().ParseResponse(resp)
	require.NoError(t, err)
	require.Len(t, parsed.Choices[0].Message.ToolCalls, 1)
	tc := parsed.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "toolu_1", tc.ID)
	assert.Equal(t, "get_weather", tc.Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, tc.Function.Arguments)
	assert.Equal(t, types.FinishToolCalls, parsed.Choices[0].FinishReason)
}

func TestParseStreamChunkEvents(t *testing.T) {
	codec := testCodec()

	chunk, err := codec.ParseStreamChunk([]byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-sonnet"}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, "msg_1", chunk.ID)
	assert.Equal(t, types.RoleAssistant, chunk.Choices[0].Delta.Role)

	chunk, err = codec.ParseStreamChunk([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, "hi", chunk.Choices[0].Delta.Content)

	chunk, err = codec.ParseStreamChunk([]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, types.FinishStop, chunk.Choices[0].FinishReason)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 9, chunk.Usage.CompletionTokens)

	// Pings and stop events carry nothing.
	for _, data := range []string{`{"type":"ping"}`, `{"type":"message_stop"}`, ``} {
		chunk, err = codec.ParseStreamChunk([]byte(data))
		require.NoError(t, err)
		assert.Nil(t, chunk)
	}
}

func TestMapErrorOverloaded(t *testing.T) {
	err := testCodec().MapError(529, http.Header{}, []byte(`{"error":{"type":"overloaded_error","message":"Overloaded"}}`), "claude-3-sonnet")
	ge := gwerr.AsGateway(err)
	assert.Equal(t, gwerr.KindProviderUnavailable, ge.Kind)
	assert.Equal(t, "Overloaded", ge.Message)
}

func TestBuildRequestHeaders(t *testing.T) {
	var gotVersion, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		w.Write([]byte(`{"id":"msg_1","model":"claude-3-sonnet","content":[],"stop_reason":"end_turn","usage":{}}`))
	}))
	defer srv.Close()

	adapter := New(provider.Settings{APIKey: "test-key", BaseURL: srv.URL})
	_, err := adapter.Complete(context.Background(), &types.ChatRequest{
		Model:    "claude-3-sonnet",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIVersion, gotVersion)
	assert.Equal(t, "test-key", gotKey)
}

func TestEmbeddingsNotSupported(t *testing.T) {
	adapter := New(provider.Settings{APIKey: "k"})
	_, err := adapter.Embed(context.Background(), &types.EmbeddingRequest{
		Model: "claude-3-sonnet",
		Input: types.EmbeddingInput{Texts: []string{"x"}},
	})
	assert.Equal(t, gwerr.KindNotSupported, gwerr.KindOf(err))
}
