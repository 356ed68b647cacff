package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// OpenAIPrefix namespaces session keys minted by the chat completions ingress.
const OpenAIPrefix = "openai"

// DefaultAgentID is used when neither header nor model names an agent.
const DefaultAgentID = "main"

// RequestMetadata is the transport-level identity of a request.
type RequestMetadata struct {
	SessionKey string // explicit X-OpenClaw-Session-Key header
	AgentID    string // explicit X-OpenClaw-Agent-Id header
	Credential string // bearer token, used only as an opaque discriminator
}

// SessionKeyResolver derives conversation keys for one ingress namespace.
type SessionKeyResolver struct {
	Prefix string
}

// Resolve returns a deterministic session key for the given inputs.
func (r SessionKeyResolver) Resolve(meta RequestMetadata, agentID, user string) string {
	if k := strings.TrimSpace(meta.SessionKey); k != "" {
		return k
	}
	prefix := r.Prefix
	if prefix == "" {
		prefix = OpenAIPrefix
	}
	if u := strings.TrimSpace(user); u != "" {
		return "agent:" + agentID + ":" + prefix + "-user:" + u
	}
	sum := sha256.Sum256([]byte(meta.Credential))
	return "agent:" + agentID + ":" + prefix + ":anon-" + hex.EncodeToString(sum[:])[:16]
}

// ResolveAgentID picks the agent from the explicit header, then from a
// model of the form "openclaw:<id>" or "agent:<id>", then fallback.
func ResolveAgentID(header, model, fallback string) string {
	if h := strings.TrimSpace(header); h != "" {
		return h
	}
	m := strings.TrimSpace(model)
	for _, p := range []string{"openclaw:", "agent:"} {
		if id, ok := strings.CutPrefix(m, p); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	if fallback == "" {
		return DefaultAgentID
	}
	return fallback
}
