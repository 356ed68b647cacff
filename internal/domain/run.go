package domain

import (
	"context"
	"time"
)

// RunIdentity correlates one HTTP request with one agent run.
type RunIdentity struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id"`
	Model      string `json:"model"`
}

// ImageContent is an inline image attachment decoded from a data URL.
type ImageContent struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64, as received
}

// RunRequest is everything the agent runtime needs for one run.
type RunRequest struct {
	Identity          RunIdentity
	Prompt            string
	ExtraSystemPrompt string
	Images            []ImageContent
	// SuppressDelivery disables the runtime's own out-of-band delivery;
	// the caller owns response delivery.
	SuppressDelivery bool
}

// Payload is one unit of final agent output.
type Payload struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"media_url,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// URLs returns the media references carried by the payload. MediaURLs takes
// precedence over MediaURL.
func (p Payload) URLs() []string {
	if len(p.MediaURLs) > 0 {
		return p.MediaURLs
	}
	if p.MediaURL != "" {
		return []string{p.MediaURL}
	}
	return nil
}

// RunResult is the resolved outcome of a run.
type RunResult struct {
	Payloads []Payload
}

// AgentRuntime invokes the agent. Implementations must publish every event
// of the run on the bus before Invoke returns; relays rely on this to
// finalize after all deltas. A successful run ends with lifecycle end. A
// failed run returns its error, and the caller publishes lifecycle error.
type AgentRuntime interface {
	Invoke(ctx context.Context, req RunRequest) (*RunResult, error)
}

// RunStatus is the journaled state of a run.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the journal entry for a run.
type RunRecord struct {
	RunID      string     `json:"run_id"`
	SessionKey string     `json:"session_key,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	Model      string     `json:"model,omitempty"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// RunJournal records run identities and outcomes.
type RunJournal interface {
	Begin(ctx context.Context, id RunIdentity) error
	Get(ctx context.Context, runID string) (*RunRecord, error)
}
