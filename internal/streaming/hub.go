package streaming

import (
	"context"
	"time"
)

// Event types published for streamed block output.
const (
	EventStreamPartial = "stream_partial"
	EventStreamFinal   = "stream_final"
)

// Event is a real-time notification about a run: a telemetry event or a
// streamed output.
type Event struct {
	WorkflowID  string    `json:"workflow_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	BlockID     string    `json:"block_id,omitempty"`
	Type        string    `json:"type"`
	Data        any       `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
