package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionKeyExplicitHeaderWins(t *testing.T) {
	r := SessionKeyResolver{Prefix: OpenAIPrefix}
	got := r.Resolve(RequestMetadata{SessionKey: " custom-key ", Credential: "tok"}, "main", "alice")
	assert.Equal(t, "custom-key", got)
}

func TestSessionKeyFromUser(t *testing.T) {
	r := SessionKeyResolver{Prefix: OpenAIPrefix}
	assert.Equal(t, "agent:main:openai-user:alice", r.Resolve(RequestMetadata{}, "main", "alice"))
	assert.Equal(t, "agent:ops:openai-user:alice", r.Resolve(RequestMetadata{}, "ops", "alice"))
}

func TestSessionKeyAnonymousIsDeterministic(t *testing.T) {
	r := SessionKeyResolver{}
	a := r.Resolve(RequestMetadata{Credential: "tok-a"}, "main", "")
	again := r.Resolve(RequestMetadata{Credential: "tok-a"}, "main", "")
	b := r.Resolve(RequestMetadata{Credential: "tok-b"}, "main", "")

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "agent:main:openai:anon-"))
	assert.Len(t, strings.TrimPrefix(a, "agent:main:openai:anon-"), 16)
	assert.NotContains(t, a, "tok-a")
}

func TestSessionKeyNamespaced(t *testing.T) {
	meta := RequestMetadata{Credential: "tok"}
	openai := SessionKeyResolver{Prefix: OpenAIPrefix}.Resolve(meta, "main", "")
	other := SessionKeyResolver{Prefix: "responses"}.Resolve(meta, "main", "")
	assert.NotEqual(t, openai, other)
}

func TestResolveAgentID(t *testing.T) {
	tests := []struct {
		header, model, fallback, want string
	}{
		{"ops", "openclaw:beta", "main", "ops"},
		{"", "openclaw:beta", "main", "beta"},
		{"", "agent:gamma", "main", "gamma"},
		{"", "openclaw:", "main", "main"},
		{"", "gpt-4o", "main", "main"},
		{"", "openclaw", "", DefaultAgentID},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveAgentID(tt.header, tt.model, tt.fallback), "%+v", tt)
	}
}
