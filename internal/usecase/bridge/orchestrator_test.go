package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawgate/internal/domain"
	"clawgate/internal/usecase/eventbus"
)

// scriptedRuntime publishes its deltas on the bus, then returns result or err.
type scriptedRuntime struct {
	bus    domain.EventBus
	deltas []string
	result *domain.RunResult
	err    error

	mu       sync.Mutex
	requests []domain.RunRequest
	ctxErr   error
}

func (s *scriptedRuntime) Invoke(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.ctxErr = ctx.Err()
	s.mu.Unlock()

	runID := req.Identity.RunID
	s.bus.Publish(ctx, domain.LifecycleEvent(runID, domain.PhaseStart, ""))
	acc := ""
	for _, d := range s.deltas {
		acc += d
		s.bus.Publish(ctx, domain.AssistantEvent(runID, d, acc))
	}
	if s.err != nil {
		return nil, s.err
	}
	s.bus.Publish(ctx, domain.LifecycleEvent(runID, domain.PhaseEnd, ""))
	return s.result, nil
}

// memJournal records Begin calls.
type memJournal struct {
	mu    sync.Mutex
	begun []domain.RunIdentity
	err   error
}

func (j *memJournal) Begin(_ context.Context, id domain.RunIdentity) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.begun = append(j.begun, id)
	return j.err
}

func (j *memJournal) Get(context.Context, string) (*domain.RunRecord, error) {
	return nil, domain.ErrRunNotFound
}

func testSpec() RunSpec {
	return RunSpec{
		Identity: testIdentity,
		Prompt:   domain.FlattenedPrompt{Message: "hi", ExtraSystemPrompt: "be brief"},
		Images:   []domain.ImageContent{{MIMEType: "image/png", Data: "aGk="}},
		Created:  time.Unix(1700000000, 0),
	}
}

// phaseRecorder collects lifecycle phases of one run.
func phaseRecorder(bus domain.EventBus, runID string) func() []domain.LifecyclePhase {
	var (
		mu     sync.Mutex
		phases []domain.LifecyclePhase
	)
	bus.Subscribe(domain.ForRun(runID), func(_ context.Context, e domain.AgentEvent) {
		if p := e.Phase(); p != "" {
			mu.Lock()
			phases = append(phases, p)
			mu.Unlock()
		}
	})
	return func() []domain.LifecyclePhase {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.LifecyclePhase(nil), phases...)
	}
}

func TestOrchestratorRun(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	journal := &memJournal{}
	rt := &scriptedRuntime{bus: bus, result: &domain.RunResult{Payloads: []domain.Payload{{Text: "hello"}}}}
	o := NewOrchestrator(OrchestratorDeps{Runtime: rt, Bus: bus, Journal: journal, Logger: newTestLogger()})

	result, err := o.Run(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Payloads[0].Text)

	require.Len(t, rt.requests, 1)
	req := rt.requests[0]
	assert.Equal(t, testIdentity, req.Identity)
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, "be brief", req.ExtraSystemPrompt)
	assert.Len(t, req.Images, 1)
	assert.True(t, req.SuppressDelivery)

	assert.Equal(t, []domain.RunIdentity{testIdentity}, journal.begun)
}

func TestOrchestratorRunNilResult(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	o := NewOrchestrator(OrchestratorDeps{Runtime: &scriptedRuntime{bus: bus}, Bus: bus, Logger: newTestLogger()})

	result, err := o.Run(context.Background(), testSpec())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Payloads)
}

func TestOrchestratorRunFailurePublishesLifecycleError(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	phases := phaseRecorder(bus, testIdentity.RunID)
	rt := &scriptedRuntime{bus: bus, err: domain.ErrUpstream}
	o := NewOrchestrator(OrchestratorDeps{Runtime: rt, Bus: bus, Logger: newTestLogger()})

	_, err := o.Run(context.Background(), testSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)

	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Orchestrator.Run", de.Op)

	assert.Equal(t, []domain.LifecyclePhase{domain.PhaseStart, domain.PhaseError}, phases())
}

func TestOrchestratorRunDetachedFromCaller(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	rt := &scriptedRuntime{bus: bus, result: &domain.RunResult{}}
	o := NewOrchestrator(OrchestratorDeps{Runtime: rt, Bus: bus, Logger: newTestLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, testSpec())
	require.NoError(t, err)
	assert.NoError(t, rt.ctxErr)
}

func TestOrchestratorJournalFailureIsNotFatal(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	rt := &scriptedRuntime{bus: bus, result: &domain.RunResult{}}
	o := NewOrchestrator(OrchestratorDeps{
		Runtime: rt,
		Bus:     bus,
		Journal: &memJournal{err: errors.New("disk full")},
		Logger:  newTestLogger(),
	})

	_, err := o.Run(context.Background(), testSpec())
	assert.NoError(t, err)
}

func TestOrchestratorStream(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	rt := &scriptedRuntime{
		bus:    bus,
		deltas: []string{"2", "+2=", "4"},
		result: &domain.RunResult{Payloads: []domain.Payload{{Text: "2+2=4", MediaURL: "https://x/chart.png"}}},
	}
	o := NewOrchestrator(OrchestratorDeps{Runtime: rt, Bus: bus, Logger: newTestLogger()})

	sink := &recordingSink{}
	o.Stream(context.Background(), testSpec(), sink)

	assert.Equal(t, 1, sink.roles())
	assert.Equal(t, []string{"2", "+2=", "4", "\n\nMEDIA:https://x/chart.png"}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
	assert.Zero(t, bus.Len())
}

func TestOrchestratorStreamFailure(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	phases := phaseRecorder(bus, testIdentity.RunID)
	rt := &scriptedRuntime{bus: bus, deltas: []string{"par"}, err: errors.New("reset by peer")}
	o := NewOrchestrator(OrchestratorDeps{Runtime: rt, Bus: bus, Logger: newTestLogger()})

	sink := &recordingSink{}
	o.Stream(context.Background(), testSpec(), sink)

	assert.Equal(t, []string{"par", "Error: reset by peer"}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
	assert.Equal(t, []domain.LifecyclePhase{domain.PhaseStart, domain.PhaseError}, phases())
}

func TestOrchestratorStreamClientGone(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	release := make(chan struct{})
	finished := make(chan struct{})
	rt := &blockingRuntime{bus: bus, release: release, finished: finished}
	o := NewOrchestrator(OrchestratorDeps{Runtime: rt, Bus: bus, Logger: newTestLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	sink.onWrite = func(c ChatCompletionChunk) {
		if c.Choices[0].Delta.Content != "" {
			cancel()
		}
	}

	o.Stream(ctx, testSpec(), sink)
	assert.Zero(t, bus.Len())

	// The run keeps going after the client left.
	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after client disconnect")
	}
	assert.Equal(t, []string{"first"}, sink.contents())
	assert.Zero(t, sink.doneCount())
	assert.NoError(t, rt.ctxErr)
}

// blockingRuntime publishes one delta, waits for release, then publishes more.
type blockingRuntime struct {
	bus      domain.EventBus
	release  chan struct{}
	finished chan struct{}
	ctxErr   error
}

func (b *blockingRuntime) Invoke(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	defer close(b.finished)
	b.bus.Publish(ctx, domain.AssistantEvent(req.Identity.RunID, "first", "first"))
	<-b.release
	b.bus.Publish(ctx, domain.AssistantEvent(req.Identity.RunID, "second", "firstsecond"))
	b.ctxErr = ctx.Err()
	return &domain.RunResult{}, nil
}
