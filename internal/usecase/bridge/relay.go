package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"clawgate/internal/domain"
)

// relayState is the lifecycle of one streaming response.
type relayState int

const (
	// stateIdle: nothing written yet.
	stateIdle relayState = iota
	// stateAnnounced: role chunk written, no assistant delta relayed.
	stateAnnounced
	// stateStreaming: at least one assistant delta relayed.
	stateStreaming
	// stateFinalized: terminal. No writes, subscription released.
	stateFinalized
)

func (s relayState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAnnounced:
		return "announced"
	case stateStreaming:
		return "streaming"
	case stateFinalized:
		return "finalized"
	}
	return fmt.Sprintf("relayState(%d)", int(s))
}

var relayTransitions = map[relayState][]relayState{
	stateIdle:      {stateAnnounced, stateFinalized},
	stateAnnounced: {stateStreaming, stateFinalized},
	stateStreaming: {stateFinalized},
}

var errRelayClosed = errors.New("relay closed")

// relayMsg is either a bus event or the run's completion.
type relayMsg struct {
	event  *domain.AgentEvent
	result *domain.RunResult
	err    error
	done   bool
}

// mailbox is an unbounded FIFO so publishers never block on a slow client.
type mailbox struct {
	mu     sync.Mutex
	items  []relayMsg
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg relayMsg) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []relayMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}

// Relay translates the bus events of one run into SSE chunks. All state
// transitions happen on the goroutine executing Run; bus handlers and the
// run completion only enqueue.
type Relay struct {
	id      domain.RunIdentity
	created int64
	bus     domain.EventBus
	sink    ChunkSink
	logger  *slog.Logger

	box      *mailbox
	state    relayState
	streamed strings.Builder

	unsubOnce sync.Once
	unsub     func()
}

// NewRelay creates a relay for one run. Call Attach before starting the run.
func NewRelay(id domain.RunIdentity, created int64, bus domain.EventBus, sink ChunkSink, logger *slog.Logger) *Relay {
	return &Relay{
		id:      id,
		created: created,
		bus:     bus,
		sink:    sink,
		logger:  logger,
		box:     newMailbox(),
	}
}

// Attach subscribes to the run's events.
func (r *Relay) Attach() {
	r.unsub = r.bus.Subscribe(domain.ForRun(r.id.RunID), func(_ context.Context, e domain.AgentEvent) {
		r.box.push(relayMsg{event: &e})
	})
}

// Complete hands the run outcome to the relay. Runtimes publish every event
// of a run before returning, so completion is always queued after them.
func (r *Relay) Complete(result *domain.RunResult, err error) {
	r.box.push(relayMsg{result: result, err: err, done: true})
}

// Run drives the state machine until the stream is finalized or ctx (the
// client connection) is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.abandon("client disconnected")
			return
		case <-r.box.signal:
			for _, msg := range r.box.drain() {
				if ctx.Err() != nil {
					r.abandon("client disconnected")
					return
				}
				r.handle(ctx, msg)
				if r.state == stateFinalized {
					return
				}
			}
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg relayMsg) {
	if msg.done {
		r.finish(ctx, msg.result, msg.err)
		return
	}
	e := *msg.event
	switch e.Stream {
	case domain.StreamAssistant:
		delta := e.DeltaText()
		if delta == "" {
			return
		}
		if err := r.announce(); err != nil {
			return
		}
		if err := r.content(delta); err != nil {
			return
		}
		r.streamed.WriteString(delta)
		if r.state == stateAnnounced {
			r.transition(stateStreaming)
		}
	case domain.StreamLifecycle:
		// Only errors terminate here. Normal completion waits for the run
		// result so media can be reattached.
		if e.Phase() == domain.PhaseError {
			r.finalize()
		}
	}
}

// finish runs the single finalization pass after the run resolves.
func (r *Relay) finish(ctx context.Context, result *domain.RunResult, runErr error) {
	if r.state == stateFinalized {
		return
	}
	if runErr != nil {
		r.logger.Warn("agent run failed during stream", "run_id", r.id.RunID, "error", runErr)
		if r.announce() == nil {
			_ = r.content("Error: " + runErr.Error())
		}
		r.bus.Publish(ctx, domain.LifecycleEvent(r.id.RunID, domain.PhaseError, runErr.Error()))
		r.finalize()
		return
	}

	var payloads []domain.Payload
	if result != nil {
		payloads = result.Payloads
	}

	if r.state != stateStreaming {
		if r.announce() == nil {
			_ = r.content(AssembleContent(payloads))
		}
		r.finalize()
		return
	}

	var pending []string
	streamed := r.streamed.String()
	for _, m := range MediaMarkers(payloads) {
		if !strings.Contains(streamed, m) {
			pending = append(pending, m)
		}
	}
	if len(pending) > 0 {
		_ = r.content("\n\n" + strings.Join(pending, "\n\n"))
	}
	r.finalize()
}

// announce writes the role chunk once.
func (r *Relay) announce() error {
	if r.state != stateIdle {
		if r.state == stateFinalized {
			return errRelayClosed
		}
		return nil
	}
	if err := r.write(newChunk(r.id, r.created, ChunkDelta{Role: domain.RoleAssistant})); err != nil {
		return err
	}
	r.transition(stateAnnounced)
	return nil
}

func (r *Relay) content(text string) error {
	return r.write(newChunk(r.id, r.created, ChunkDelta{Content: text}))
}

// write is a no-op once finalized. A failed write means the client is gone.
func (r *Relay) write(chunk ChatCompletionChunk) error {
	if r.state == stateFinalized {
		return errRelayClosed
	}
	if err := r.sink.WriteChunk(chunk); err != nil {
		r.abandon("write failed: " + err.Error())
		return errRelayClosed
	}
	return nil
}

// finalize emits the single termination marker and releases the subscription.
func (r *Relay) finalize() {
	if r.state == stateFinalized {
		return
	}
	r.transition(stateFinalized)
	r.release()
	if err := r.sink.WriteDone(); err != nil {
		r.logger.Debug("write [DONE] failed", "run_id", r.id.RunID, "error", err)
	}
}

// abandon finalizes without writing anything.
func (r *Relay) abandon(reason string) {
	if r.state == stateFinalized {
		return
	}
	r.logger.Debug("relay abandoned", "run_id", r.id.RunID, "reason", reason)
	r.transition(stateFinalized)
	r.release()
}

func (r *Relay) release() {
	r.unsubOnce.Do(func() {
		if r.unsub != nil {
			r.unsub()
		}
		r.box.close()
	})
}

func (r *Relay) transition(to relayState) {
	for _, allowed := range relayTransitions[r.state] {
		if allowed == to {
			r.state = to
			return
		}
	}
	panic(fmt.Sprintf("bridge: illegal relay transition %s -> %s", r.state, to))
}
