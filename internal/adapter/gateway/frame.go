package gateway

import "clawgate/internal/domain"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeHello FrameType = "hello"
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope sent from the tap to an observer.
type Frame struct {
	Type   FrameType          `json:"type"`
	Client string             `json:"client,omitempty"` // hello only
	RunID  string             `json:"run_id,omitempty"` // hello only: active filter
	Event  *domain.AgentEvent `json:"event,omitempty"`
}
