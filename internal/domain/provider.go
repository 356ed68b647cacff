package domain

import "context"

// LLMMessage is one message sent to an upstream model.
type LLMMessage struct {
	Role    string
	Content string
	Images  []ImageContent // user messages only
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model    string
	Messages []LLMMessage
}

// Usage reports upstream token accounting when the provider sends it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
// A delta with Err set is terminal.
type StreamDelta struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Err     error  `json:"-"`
}

// StreamingLLMProvider is the interface for any streaming LLM backend.
type StreamingLLMProvider interface {
	// ChatStream sends a request and returns a channel of incremental deltas.
	// The channel is closed after the final delta.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
	// Name returns the provider's identifier (e.g., "openai", "echo").
	Name() string
}
