package bridge

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"clawgate/internal/domain"
	"clawgate/internal/infra/tracer"
)

// RunSpec is a fully prepared request: identity plus flattened prompt.
type RunSpec struct {
	Identity domain.RunIdentity
	Prompt   domain.FlattenedPrompt
	Images   []domain.ImageContent
	Created  time.Time
}

func (s RunSpec) runRequest() domain.RunRequest {
	return domain.RunRequest{
		Identity:          s.Identity,
		Prompt:            s.Prompt.Message,
		ExtraSystemPrompt: s.Prompt.ExtraSystemPrompt,
		Images:            s.Images,
		SuppressDelivery:  true,
	}
}

// OrchestratorDeps holds the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Runtime domain.AgentRuntime
	Bus     domain.EventBus
	Journal domain.RunJournal // optional
	Logger  *slog.Logger
}

// Orchestrator starts exactly one agent run per request.
type Orchestrator struct {
	deps OrchestratorDeps
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// Run invokes the agent and blocks until the run resolves. The run is
// detached from ctx cancellation: the runtime owns the run's lifetime.
func (o *Orchestrator) Run(ctx context.Context, rs RunSpec) (*domain.RunResult, error) {
	ctx, span := o.startSpan(ctx, rs, false)
	defer span.End()

	o.begin(ctx, rs.Identity)
	result, err := o.deps.Runtime.Invoke(context.WithoutCancel(ctx), rs.runRequest())
	if err != nil {
		tracer.RecordError(span, err)
		o.deps.Bus.Publish(ctx, domain.LifecycleEvent(rs.Identity.RunID, domain.PhaseError, err.Error()))
		return nil, domain.NewDomainError("Orchestrator.Run", err, rs.Identity.RunID)
	}
	tracer.SetOK(span)
	if result == nil {
		result = &domain.RunResult{}
	}
	return result, nil
}

// Stream invokes the agent and relays its events to sink until the stream
// is finalized or ctx (the client connection) ends. Content emission starts
// as soon as events arrive; completion is awaited only for finalization.
func (o *Orchestrator) Stream(ctx context.Context, rs RunSpec, sink ChunkSink) {
	runCtx, span := o.startSpan(context.WithoutCancel(ctx), rs, true)

	relay := NewRelay(rs.Identity, rs.Created.Unix(), o.deps.Bus, sink, o.deps.Logger)
	relay.Attach()

	o.begin(runCtx, rs.Identity)
	go func() {
		defer span.End()
		result, err := o.deps.Runtime.Invoke(runCtx, rs.runRequest())
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		relay.Complete(result, err)
	}()

	relay.Run(ctx)
}

func (o *Orchestrator) begin(ctx context.Context, id domain.RunIdentity) {
	if o.deps.Journal == nil {
		return
	}
	if err := o.deps.Journal.Begin(ctx, id); err != nil {
		o.deps.Logger.Warn("journal begin failed", "run_id", id.RunID, "error", err)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, rs RunSpec, stream bool) (context.Context, trace.Span) {
	o.deps.Logger.Info("agent run started",
		"run_id", rs.Identity.RunID,
		"session_key", rs.Identity.SessionKey,
		"agent_id", rs.Identity.AgentID,
		"stream", stream,
		"images", len(rs.Images),
	)
	return tracer.StartSpan(ctx, "bridge.run",
		trace.WithAttributes(
			tracer.StringAttr("run.id", rs.Identity.RunID),
			tracer.StringAttr("run.session_key", rs.Identity.SessionKey),
			tracer.StringAttr("run.agent_id", rs.Identity.AgentID),
			tracer.BoolAttr("run.stream", stream),
		),
	)
}
