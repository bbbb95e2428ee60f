package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/uridolan77/llmgateway/pkg/types"
)

func reqWithTemp(temp float64) *types.ChatRequest {
	r := chatReq("openai.gpt-4o", "hi")
	r.Temperature = &temp
	return r
}

func TestAdmitRequest(t *testing.T) {
	assert.True(t, AdmitRequest(reqWithTemp(0.0)))
	assert.True(t, AdmitRequest(reqWithTemp(0.3)))
	assert.False(t, AdmitRequest(reqWithTemp(0.31)))

	// Unset temperature takes the provider default of 1.0.
	unset := chatReq("openai.gpt-4o", "hi")
	unset.Temperature = nil
	assert.False(t, AdmitRequest(unset))

	streaming := reqWithTemp(0.0)
	streaming.Stream = true
	assert.False(t, AdmitRequest(streaming))

	withTools := reqWithTemp(0.0)
	withTools.Tools = []types.Tool{{Type: "function"}}
	assert.False(t, AdmitRequest(withTools))
}

func TestTTLLadder(t *testing.T) {
	assert.Equal(t, 60*time.Minute, TTLFor(reqWithTemp(0.0)))
	assert.Equal(t, 60*time.Minute, TTLFor(reqWithTemp(0.1)))
	assert.Equal(t, 30*time.Minute, TTLFor(reqWithTemp(0.2)))
	assert.Equal(t, 30*time.Minute, TTLFor(reqWithTemp(0.3)))
	assert.Equal(t, time.Duration(0), TTLFor(reqWithTemp(0.5)))
}

func TestAdmitResponseRejectsToolCalls(t *testing.T) {
	req := reqWithTemp(0.0)
	plain := &types.ChatResponse{Choices: []types.Choice{{
		Message: types.ChatMessage{Role: types.RoleAssistant, Content: "ok"},
	}}}
	assert.True(t, AdmitResponse(req, plain))

	withCalls := &types.ChatResponse{Choices: []types.Choice{{
		Message: types.ChatMessage{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: "call_1", Type: "function"}},
		},
	}}}
	assert.False(t, AdmitResponse(req, withCalls))
}
