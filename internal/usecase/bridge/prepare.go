package bridge

import (
	"time"

	"clawgate/internal/domain"
)

// Preparer turns a decoded request into a RunSpec.
type Preparer struct {
	Normalizer     *Normalizer
	Sessions       SessionKeyResolver
	DefaultAgentID string
	DefaultModel   string
}

// NewPreparer returns a Preparer for the chat completions ingress.
func NewPreparer(defaultAgentID, defaultModel string) *Preparer {
	return &Preparer{
		Normalizer:     NewNormalizer(),
		Sessions:       SessionKeyResolver{Prefix: OpenAIPrefix},
		DefaultAgentID: defaultAgentID,
		DefaultModel:   defaultModel,
	}
}

// Prepare normalizes messages, resolves identity and mints a run id. It
// fails with ErrMissingUserMessage when no usable turn remains.
func (p *Preparer) Prepare(req ChatCompletionRequest, meta RequestMetadata, now time.Time) (RunSpec, error) {
	prompt := p.Normalizer.Flatten(req.Messages)
	if prompt.Message == "" {
		return RunSpec{}, domain.ErrMissingUserMessage
	}

	model := req.Model
	if model == "" {
		model = p.DefaultModel
	}
	if model == "" {
		model = DefaultModel
	}
	agentID := ResolveAgentID(meta.AgentID, model, p.DefaultAgentID)

	return RunSpec{
		Identity: domain.RunIdentity{
			RunID:      NewRunID(),
			SessionKey: p.Sessions.Resolve(meta, agentID, req.User),
			AgentID:    agentID,
			Model:      model,
		},
		Prompt:  prompt,
		Images:  LatestImages(req.Messages),
		Created: now,
	}, nil
}
