package usecase

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"clawgate/internal/domain"
	"clawgate/internal/infra/tracer"
)

// mediaLinePrefix marks a line of model output that references media.
const mediaLinePrefix = "MEDIA:"

// LLMRuntimeDeps holds injected dependencies for the runtime.
type LLMRuntimeDeps struct {
	LLM          domain.StreamingLLMProvider
	Bus          domain.EventBus
	SystemPrompt string
	Model        string // upstream model; empty uses the provider default
	Logger       *slog.Logger
}

// LLMRuntime runs one streamed model completion per request and reports its
// progress on the event bus.
type LLMRuntime struct {
	deps LLMRuntimeDeps
}

// NewLLMRuntime creates a runtime with the given dependencies.
func NewLLMRuntime(deps LLMRuntimeDeps) *LLMRuntime {
	return &LLMRuntime{deps: deps}
}

var _ domain.AgentRuntime = (*LLMRuntime)(nil)

// Invoke implements domain.AgentRuntime. Every event of the run is published
// before Invoke returns.
func (r *LLMRuntime) Invoke(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	runID := req.Identity.RunID
	ctx, span := tracer.StartSpan(ctx, "agent.invoke",
		trace.WithAttributes(
			tracer.StringAttr("run.id", runID),
			tracer.StringAttr("llm.provider", r.deps.LLM.Name()),
			tracer.IntAttr("run.images", len(req.Images)),
		),
	)
	defer span.End()

	r.deps.Bus.Publish(ctx, domain.LifecycleEvent(runID, domain.PhaseStart, ""))

	text, usage, err := r.stream(ctx, runID, r.chatRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		r.deps.Logger.Warn("agent run failed", "run_id", runID, "error", err)
		return nil, domain.WrapOp("LLMRuntime.Invoke", err)
	}

	payload := SplitMedia(text)
	result := &domain.RunResult{}
	if payload.Text != "" || len(payload.URLs()) > 0 {
		result.Payloads = []domain.Payload{payload}
	}

	r.deps.Bus.Publish(ctx, domain.LifecycleEvent(runID, domain.PhaseEnd, ""))
	tracer.SetOK(span)
	r.deps.Logger.Debug("agent run completed",
		"run_id", runID,
		"chars", len(text),
		"media", len(payload.URLs()),
		"tokens", usage.TotalTokens,
	)
	return result, nil
}

func (r *LLMRuntime) chatRequest(req domain.RunRequest) domain.ChatRequest {
	system := strings.TrimSpace(r.deps.SystemPrompt)
	if extra := strings.TrimSpace(req.ExtraSystemPrompt); extra != "" {
		if system != "" {
			system += "\n\n"
		}
		system += extra
	}

	var msgs []domain.LLMMessage
	if system != "" {
		msgs = append(msgs, domain.LLMMessage{Role: domain.RoleSystem, Content: system})
	}
	msgs = append(msgs, domain.LLMMessage{
		Role:    domain.RoleUser,
		Content: req.Prompt,
		Images:  req.Images,
	})
	return domain.ChatRequest{Model: r.deps.Model, Messages: msgs}
}

// stream consumes the provider stream, publishing one assistant event per
// non-empty delta, and returns the accumulated text.
func (r *LLMRuntime) stream(ctx context.Context, runID string, chatReq domain.ChatRequest) (string, domain.Usage, error) {
	deltaCh, err := r.deps.LLM.ChatStream(ctx, chatReq)
	if err != nil {
		return "", domain.Usage{}, err
	}

	var (
		acc   strings.Builder
		usage domain.Usage
	)
	for delta := range deltaCh {
		if delta.Err != nil {
			// Drain so the producer goroutine can exit.
			for range deltaCh {
			}
			return "", usage, delta.Err
		}
		if delta.Usage != nil {
			usage = *delta.Usage
		}
		if delta.Content == "" {
			continue
		}
		acc.WriteString(delta.Content)
		r.deps.Bus.Publish(ctx, domain.AssistantEvent(runID, delta.Content, acc.String()))
	}
	if err := ctx.Err(); err != nil {
		return "", usage, err
	}
	return acc.String(), usage, nil
}

// SplitMedia separates "MEDIA:<url>" lines from model output. The remaining
// lines form the payload text.
func SplitMedia(text string) domain.Payload {
	var (
		kept []string
		urls []string
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if u, ok := strings.CutPrefix(trimmed, mediaLinePrefix); ok {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
				continue
			}
		}
		kept = append(kept, line)
	}

	p := domain.Payload{Text: strings.TrimSpace(strings.Join(kept, "\n"))}
	switch len(urls) {
	case 0:
	case 1:
		p.MediaURL = urls[0]
	default:
		p.MediaURLs = urls
	}
	return p
}
