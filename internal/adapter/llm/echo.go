package llm

import (
	"context"
	"unicode/utf8"

	"clawgate/internal/domain"
)

// EchoProvider answers with the last user message, streamed word by word.
// It needs no network and is meant for local development and smoke tests.
type EchoProvider struct{}

// NewEchoProvider creates an EchoProvider.
func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

// Name implements domain.StreamingLLMProvider.
func (EchoProvider) Name() string { return "echo" }

// ChatStream implements domain.StreamingLLMProvider.
func (EchoProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var text string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			text = req.Messages[i].Content
			break
		}
	}

	pieces := splitKeepSpace(text)
	ch := make(chan domain.StreamDelta, len(pieces)+1)
	for _, p := range pieces {
		ch <- domain.StreamDelta{Content: p}
	}
	ch <- domain.StreamDelta{Done: true, Usage: &domain.Usage{
		CompletionTokens: len(pieces),
		TotalTokens:      len(pieces),
	}}
	close(ch)
	return ch, nil
}

// splitKeepSpace splits s after each run of spaces so the pieces concatenate
// back to s.
func splitKeepSpace(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r == ' ' && (i >= len(s) || s[i] != ' ') {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

var _ domain.StreamingLLMProvider = EchoProvider{}
