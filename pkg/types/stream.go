package types

// StreamChunk is one element of the uniform streaming sequence. The final
// chunk of every stream carries a non-empty FinishReason, even on upstream
// error (FinishError plus the Error field).
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *StreamError   `json:"error,omitempty"`
}

// StreamChoice is one choice slot within a chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamDelta is the incremental content of a chunk.
type StreamDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// StreamError describes a mid-stream failure surfaced on the terminal chunk.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FinishReason returns the finish reason of the first choice, if any.
func (c *StreamChunk) FinishReason() string {
	for _, choice := range c.Choices {
		if choice.FinishReason != "" {
			return choice.FinishReason
		}
	}
	return ""
}

// Terminal reports whether this chunk ends the stream.
func (c *StreamChunk) Terminal() bool {
	return c.FinishReason() != "" || c.Error != nil
}

// TerminalErrorChunk builds the mandatory terminal chunk for a failed stream.
func TerminalErrorChunk(model, code, message string) *StreamChunk {
	return &StreamChunk{
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []StreamChoice{
			{Index: 0, FinishReason: FinishError},
		},
		Error: &StreamError{Code: code, Message: message},
	}
}
