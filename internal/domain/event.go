package domain

import (
	"context"
	"time"
)

// EventStream identifies which stream of a run an event belongs to.
type EventStream string

const (
	StreamAssistant EventStream = "assistant"
	StreamLifecycle EventStream = "lifecycle"
)

// LifecyclePhase is the phase carried by a lifecycle event.
type LifecyclePhase string

const (
	PhaseStart LifecyclePhase = "start"
	PhaseEnd   LifecyclePhase = "end"
	PhaseError LifecyclePhase = "error"
)

// AssistantData is the payload of an assistant stream event.
type AssistantData struct {
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`
}

// LifecycleData is the payload of a lifecycle stream event.
type LifecycleData struct {
	Phase LifecyclePhase `json:"phase"`
	Error string         `json:"error,omitempty"`
}

// AgentEvent is the typed union published on the event bus. Stream selects
// which of Assistant or Lifecycle is set.
type AgentEvent struct {
	RunID     string         `json:"run_id"`
	Seq       uint64         `json:"seq"`
	Stream    EventStream    `json:"stream"`
	Timestamp time.Time      `json:"ts"`
	Assistant *AssistantData `json:"assistant,omitempty"`
	Lifecycle *LifecycleData `json:"lifecycle,omitempty"`
}

// AssistantEvent builds an assistant stream event.
func AssistantEvent(runID, delta, text string) AgentEvent {
	return AgentEvent{
		RunID:     runID,
		Stream:    StreamAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantData{Delta: delta, Text: text},
	}
}

// LifecycleEvent builds a lifecycle stream event. errMsg is only meaningful
// for PhaseError.
func LifecycleEvent(runID string, phase LifecyclePhase, errMsg string) AgentEvent {
	return AgentEvent{
		RunID:     runID,
		Stream:    StreamLifecycle,
		Timestamp: time.Now(),
		Lifecycle: &LifecycleData{Phase: phase, Error: errMsg},
	}
}

// DeltaText returns the non-empty incremental text of an assistant event,
// preferring Delta over Text.
func (e AgentEvent) DeltaText() string {
	if e.Stream != StreamAssistant || e.Assistant == nil {
		return ""
	}
	if e.Assistant.Delta != "" {
		return e.Assistant.Delta
	}
	return e.Assistant.Text
}

// Phase returns the lifecycle phase, or "" for non-lifecycle events.
func (e AgentEvent) Phase() LifecyclePhase {
	if e.Stream != StreamLifecycle || e.Lifecycle == nil {
		return ""
	}
	return e.Lifecycle.Phase
}

// EventFilter selects which events a subscriber receives.
type EventFilter func(AgentEvent) bool

// EventHandler receives events. Handlers run on the publisher's goroutine
// and must not block.
type EventHandler func(ctx context.Context, event AgentEvent)

// EventBus is the process-wide broadcast publish/subscribe service.
type EventBus interface {
	// Publish delivers event to every subscriber whose filter matches, in
	// subscription order, before returning.
	Publish(ctx context.Context, event AgentEvent)
	// Subscribe registers handler for events matching filter. A nil filter
	// matches everything. The returned function unsubscribes and is safe
	// to call more than once.
	Subscribe(filter EventFilter, handler EventHandler) func()
	// Close stops delivery to all subscribers.
	Close()
}

// ForRun returns a filter matching events of a single run.
func ForRun(runID string) EventFilter {
	return func(e AgentEvent) bool { return e.RunID == runID }
}
