package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawgate/internal/domain"
	"clawgate/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, ch <-chan domain.StreamDelta) []domain.StreamDelta {
	t.Helper()
	var out []domain.StreamDelta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func newTestProvider(url string) *OpenAIProvider {
	return NewOpenAIProvider(config.AgentConfig{
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())
}

func TestOpenAIChatStream(t *testing.T) {
	var got openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	ch, err := newTestProvider(server.URL).ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.LLMMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	deltas := collect(t, ch)

	require.Len(t, deltas, 4)
	assert.Equal(t, "Hel", deltas[0].Content)
	assert.Equal(t, "lo", deltas[1].Content)
	require.NotNil(t, deltas[2].Usage)
	assert.Equal(t, 5, deltas[2].Usage.TotalTokens)
	assert.True(t, deltas[3].Done)

	assert.Equal(t, "gpt-4o-mini", got.Model, "provider model fills an empty request model")
	assert.True(t, got.Stream)
	require.NotNil(t, got.StreamOptions)
	assert.True(t, got.StreamOptions.IncludeUsage)
}

func TestOpenAIChatStreamErrorStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextLimit},
		{http.StatusBadGateway, domain.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			}))
			defer server.Close()

			_, err := newTestProvider(server.URL).ChatStream(context.Background(), domain.ChatRequest{})
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestOpenAIChatStreamUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestProvider(url).ChatStream(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestOpenAIChatStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newTestProvider(server.URL).ChatStream(ctx, domain.ChatRequest{})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "a", first.Content)
	cancel()
	collect(t, ch)
}

func TestToOpenAIRequestWithImages(t *testing.T) {
	req := toOpenAIRequest(domain.ChatRequest{
		Model: "gpt-4o",
		Messages: []domain.LLMMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "what is this?", Images: []domain.ImageContent{
				{MIMEType: "image/png", Data: "iVA="},
			}},
		},
	})

	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "gpt-4o",
		"stream": true,
		"stream_options": {"include_usage": true},
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,iVA="}}
			]}
		]
	}`, string(b))
}

func TestParseOpenAIChunk(t *testing.T) {
	d, err := parseOpenAIChunk([]byte(`{"choices":[{"delta":{"content":"x"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", d.Content)

	d, err = parseOpenAIChunk([]byte(`{"choices":[{"delta":{"role":"assistant"}}]}`))
	require.NoError(t, err)
	assert.Nil(t, d, "role-only chunks carry nothing")

	_, err = parseOpenAIChunk([]byte(`not json`))
	assert.Error(t, err)
}
