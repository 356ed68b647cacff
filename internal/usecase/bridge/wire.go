package bridge

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/oklog/ulid/v2"

	"clawgate/internal/domain"
)

// DefaultModel is reported when the request omits a string model.
const DefaultModel = "openclaw"

// NewRunID returns a fresh, never reused run identifier.
func NewRunID() string {
	return "chatcmpl_" + strings.ToLower(ulid.Make().String())
}

// ChatCompletionRequest is the subset of the OpenAI request body the bridge
// consumes. Fields of the wrong JSON type decode as zero values.
type ChatCompletionRequest struct {
	Model    string
	Stream   bool
	Messages []domain.ChatMessage
	User     string
}

// UnmarshalJSON decodes leniently; only a non-object body is an error.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Model    json.RawMessage `json:"model"`
		Stream   json.RawMessage `json:"stream"`
		Messages json.RawMessage `json:"messages"`
		User     json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.NewDomainError("ChatCompletionRequest.Decode", domain.ErrInvalidRequest, err.Error())
	}

	*r = ChatCompletionRequest{}
	var model string
	if json.Unmarshal(raw.Model, &model) == nil && strings.TrimSpace(model) != "" {
		r.Model = strings.TrimSpace(model)
	}
	var stream bool
	if json.Unmarshal(raw.Stream, &stream) == nil {
		r.Stream = stream
	}
	if t := bytes.TrimSpace(raw.Messages); len(t) > 0 && t[0] == '[' {
		_ = json.Unmarshal(t, &r.Messages)
	}
	var user string
	if json.Unmarshal(raw.User, &user) == nil {
		r.User = strings.TrimSpace(user)
	}
	return nil
}

// Usage is always reported as zeros; the runtime does not expose token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AssistantMessage is the message body of a non-streaming choice.
type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionChoice is one choice of a non-streaming response.
type CompletionChoice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// ChatCompletion is the non-streaming response body.
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// NewChatCompletion wraps content in a single-choice completion.
func NewChatCompletion(id domain.RunIdentity, created int64, content string) ChatCompletion {
	return ChatCompletion{
		ID:      id.RunID,
		Object:  "chat.completion",
		Created: created,
		Model:   id.Model,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      AssistantMessage{Role: domain.RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
	}
}

// ChunkDelta is the incremental body of a streaming choice.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice of a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

func newChunk(id domain.RunIdentity, created int64, delta ChunkDelta) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id.RunID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   id.Model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta}},
	}
}

// ErrorBody is the inner object of the error envelope.
type ErrorBody struct {
	Message string           `json:"message"`
	Type    domain.ErrorType `json:"type"`
}

// ErrorEnvelope is the conventional {"error": {...}} response.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}
