package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawgate/internal/domain"
	"clawgate/internal/usecase/eventbus"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink captures frames written by a relay.
type recordingSink struct {
	mu       sync.Mutex
	chunks   []ChatCompletionChunk
	done     int
	failNext bool
	onWrite  func(ChatCompletionChunk)
}

func (s *recordingSink) WriteChunk(c ChatCompletionChunk) error {
	s.mu.Lock()
	if s.failNext {
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.chunks = append(s.chunks, c)
	hook := s.onWrite
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return nil
}

func (s *recordingSink) WriteDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
	return nil
}

func (s *recordingSink) roles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		if c.Choices[0].Delta.Role != "" {
			n++
		}
	}
	return n
}

func (s *recordingSink) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.chunks {
		if c.Choices[0].Delta.Content != "" {
			out = append(out, c.Choices[0].Delta.Content)
		}
	}
	return out
}

func (s *recordingSink) doneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

var testIdentity = domain.RunIdentity{RunID: "chatcmpl_relay", SessionKey: "s", AgentID: "main", Model: "openclaw"}

func newTestRelay(t *testing.T, sink ChunkSink) (*Relay, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(newTestLogger())
	r := NewRelay(testIdentity, 1700000000, bus, sink, newTestLogger())
	r.Attach()
	return r, bus
}

func publishDeltas(bus *eventbus.Bus, runID string, deltas ...string) {
	ctx := context.Background()
	acc := ""
	for _, d := range deltas {
		acc += d
		bus.Publish(ctx, domain.AssistantEvent(runID, d, acc))
	}
}

func TestRelayStreamsDeltasThenDone(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	bus.Publish(context.Background(), domain.LifecycleEvent(testIdentity.RunID, domain.PhaseStart, ""))
	publishDeltas(bus, testIdentity.RunID, "Hel", "lo", " world")
	bus.Publish(context.Background(), domain.LifecycleEvent(testIdentity.RunID, domain.PhaseEnd, ""))
	r.Complete(&domain.RunResult{Payloads: []domain.Payload{{Text: "Hello world"}}}, nil)

	r.Run(context.Background())

	assert.Equal(t, 1, sink.roles())
	assert.Equal(t, []string{"Hel", "lo", " world"}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
	assert.Zero(t, bus.Len())

	// Role chunk comes first and carries no content.
	first := sink.chunks[0].Choices[0].Delta
	assert.Equal(t, domain.RoleAssistant, first.Role)
	assert.Empty(t, first.Content)
}

func TestRelaySingleDeltaNoMedia(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	publishDeltas(bus, testIdentity.RunID, "4")
	r.Complete(&domain.RunResult{Payloads: []domain.Payload{{Text: "4"}}}, nil)
	r.Run(context.Background())

	assert.Len(t, sink.chunks, 2)
	assert.Equal(t, []string{"4"}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
}

func TestRelayFallbackWithoutDeltas(t *testing.T) {
	payloads := []domain.Payload{{Text: "Final answer", MediaURL: "https://x/a.png"}}
	sink := &recordingSink{}
	r, _ := newTestRelay(t, sink)

	r.Complete(&domain.RunResult{Payloads: payloads}, nil)
	r.Run(context.Background())

	assert.Equal(t, 1, sink.roles())
	assert.Equal(t, []string{AssembleContent(payloads)}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
}

func TestRelayEmptyResultStillTerminates(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	r.Complete(nil, nil)
	r.Run(context.Background())

	assert.Equal(t, []string{NoResponseText}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
	assert.Zero(t, bus.Len())
}

func TestRelayAppendsMediaAfterDeltas(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	publishDeltas(bus, testIdentity.RunID, "Here ", "you go")
	r.Complete(&domain.RunResult{Payloads: []domain.Payload{
		{Text: "Here you go", MediaURLs: []string{"https://x/1.png", "https://x/2.png"}},
	}}, nil)
	r.Run(context.Background())

	assert.Equal(t, []string{"Here ", "you go", "\n\nMEDIA:https://x/1.png\n\nMEDIA:https://x/2.png"}, sink.contents())
	assert.Equal(t, 1, sink.roles())
	assert.Equal(t, 1, sink.doneCount())
}

func TestRelaySkipsMediaAlreadyStreamed(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	publishDeltas(bus, testIdentity.RunID, "see MEDIA:https://x/1.png")
	r.Complete(&domain.RunResult{Payloads: []domain.Payload{
		{MediaURLs: []string{"https://x/1.png", "https://x/2.png"}},
	}}, nil)
	r.Run(context.Background())

	assert.Equal(t, []string{"see MEDIA:https://x/1.png", "\n\nMEDIA:https://x/2.png"}, sink.contents())
}

func TestRelayIgnoresOtherRuns(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	publishDeltas(bus, "chatcmpl_other", "not mine")
	bus.Publish(context.Background(), domain.LifecycleEvent("chatcmpl_other", domain.PhaseError, "boom"))
	publishDeltas(bus, testIdentity.RunID, "mine")
	r.Complete(&domain.RunResult{}, nil)
	r.Run(context.Background())

	assert.Equal(t, []string{"mine"}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
}

func TestRelayIgnoresEmptyDeltas(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	bus.Publish(context.Background(), domain.AssistantEvent(testIdentity.RunID, "", ""))
	r.Complete(&domain.RunResult{Payloads: []domain.Payload{{Text: "late"}}}, nil)
	r.Run(context.Background())

	// No delta was relayed, so the fallback assembles the result.
	assert.Equal(t, []string{"late"}, sink.contents())
}

func TestRelayLifecycleErrorFinalizes(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	publishDeltas(bus, testIdentity.RunID, "partial")
	bus.Publish(context.Background(), domain.LifecycleEvent(testIdentity.RunID, domain.PhaseError, "agent crashed"))
	publishDeltas(bus, testIdentity.RunID, "after error")
	r.Complete(&domain.RunResult{Payloads: []domain.Payload{{MediaURL: "https://x/a.png"}}}, nil)
	r.Run(context.Background())

	assert.Equal(t, []string{"partial"}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
	assert.Zero(t, bus.Len())
}

func TestRelayRunErrorAfterDeltas(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	var phases []domain.LifecyclePhase
	bus.Subscribe(domain.ForRun(testIdentity.RunID), func(_ context.Context, e domain.AgentEvent) {
		if p := e.Phase(); p != "" {
			phases = append(phases, p)
		}
	})

	publishDeltas(bus, testIdentity.RunID, "partial")
	r.Complete(nil, errors.New("upstream 502"))
	r.Run(context.Background())

	assert.Equal(t, 1, sink.roles())
	assert.Equal(t, []string{"partial", "Error: upstream 502"}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
	assert.Equal(t, []domain.LifecyclePhase{domain.PhaseError}, phases)
	assert.Equal(t, 1, bus.Len())
}

func TestRelayRunErrorBeforeDeltas(t *testing.T) {
	sink := &recordingSink{}
	r, _ := newTestRelay(t, sink)

	r.Complete(nil, errors.New("circuit open"))
	r.Run(context.Background())

	assert.Equal(t, 1, sink.roles())
	assert.Equal(t, []string{"Error: circuit open"}, sink.contents())
	assert.Equal(t, 1, sink.doneCount())
}

func TestRelayClientGoneBeforeRun(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	publishDeltas(bus, testIdentity.RunID, "lost")
	r.Run(ctx)

	assert.Empty(t, sink.chunks)
	assert.Zero(t, sink.doneCount())
	assert.Zero(t, bus.Len())

	// Late events and completion are no-ops.
	publishDeltas(bus, testIdentity.RunID, "late")
	r.Complete(&domain.RunResult{}, nil)
	assert.Empty(t, sink.chunks)
}

func TestRelayClientDisconnectMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	sink.onWrite = func(c ChatCompletionChunk) {
		if c.Choices[0].Delta.Content != "" {
			cancel()
		}
	}
	r, bus := newTestRelay(t, sink)

	publishDeltas(bus, testIdentity.RunID, "one", "two", "three")
	r.Complete(&domain.RunResult{}, nil)
	r.Run(ctx)

	assert.Equal(t, []string{"one"}, sink.contents())
	assert.Zero(t, sink.doneCount())
	assert.Zero(t, bus.Len())
}

func TestRelayWriteFailureAbandons(t *testing.T) {
	sink := &recordingSink{failNext: true}
	r, bus := newTestRelay(t, sink)

	publishDeltas(bus, testIdentity.RunID, "x")
	r.Complete(&domain.RunResult{}, nil)
	r.Run(context.Background())

	assert.Empty(t, sink.chunks)
	assert.Zero(t, sink.doneCount())
	assert.Zero(t, bus.Len())
}

func TestRelayConcurrentPublisher(t *testing.T) {
	sink := &recordingSink{}
	r, bus := newTestRelay(t, sink)

	want := make([]string, 200)
	for i := range want {
		want[i] = string(rune('a' + i%26))
	}

	go func() {
		publishDeltas(bus, testIdentity.RunID, want...)
		r.Complete(&domain.RunResult{}, nil)
	}()
	r.Run(context.Background())

	assert.Equal(t, want, sink.contents())
	assert.Equal(t, 1, sink.roles())
	assert.Equal(t, 1, sink.doneCount())
}

func TestRelayIllegalTransitionPanics(t *testing.T) {
	r := NewRelay(testIdentity, 0, eventbus.New(newTestLogger()), &recordingSink{}, newTestLogger())
	assert.Panics(t, func() { r.transition(stateStreaming) })

	r.transition(stateFinalized)
	assert.Panics(t, func() { r.transition(stateAnnounced) })
}

func TestRelayStateString(t *testing.T) {
	assert.Equal(t, "idle", stateIdle.String())
	assert.Equal(t, "finalized", stateFinalized.String())
	assert.Equal(t, "relayState(9)", relayState(9).String())
}

func TestMailboxClosedDropsPushes(t *testing.T) {
	m := newMailbox()
	m.push(relayMsg{done: true})
	require.Len(t, m.drain(), 1)
	m.close()
	m.push(relayMsg{done: true})
	assert.Empty(t, m.drain())
}
