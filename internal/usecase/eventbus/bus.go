package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"clawgate/internal/domain"
)

type subscription struct {
	id      uint64
	filter  domain.EventFilter
	handler domain.EventHandler
	active  atomic.Bool
}

// Bus is an in-process, goroutine-safe broadcast bus.
//
// Publish runs matching handlers synchronously on the caller's goroutine, so
// every subscriber sees a single publisher's events in publish order, and an
// event is fully delivered before Publish returns. Handlers must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID atomic.Uint64
	seq    atomic.Uint64
	logger *slog.Logger
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish stamps event with a process-wide sequence number and fans it out
// to matching subscribers. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.AgentEvent) {
	if b.closed.Load() {
		return
	}
	event.Seq = b.seq.Add(1)

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.AgentEvent, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"run_id", event.RunID,
				"stream", string(event.Stream),
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers handler for events matching filter (nil matches all).
// The returned unsubscribe function is idempotent.
func (b *Bus) Subscribe(filter domain.EventFilter, handler domain.EventHandler) func() {
	sub := &subscription{id: b.nextID.Add(1), filter: filter, handler: handler}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		if !sub.active.Swap(false) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeRun is Subscribe filtered to a single run.
func (b *Bus) SubscribeRun(runID string, handler domain.EventHandler) func() {
	return b.Subscribe(domain.ForRun(runID), handler)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops delivery. Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for _, s := range b.subs {
		s.active.Store(false)
	}
	b.subs = nil
	b.mu.Unlock()
}

var _ domain.EventBus = (*Bus)(nil)
