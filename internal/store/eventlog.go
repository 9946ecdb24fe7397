package store

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/rendis/blockflow/pkg/schema"
)

// BlockStatus is a block's state reconstructed from recorded events.
type BlockStatus struct {
	BlockID    string `json:"block_id"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Block statuses derived from events.
const (
	BlockRunning   = "running"
	BlockSucceeded = "succeeded"
	BlockFailed    = "failed"
	BlockSkipped   = "skipped"
)

// EventLog records engine telemetry into a Store. It satisfies engine.Telemetry.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog wraps s.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, logger: logger}
}

// TrackEvent appends the event under its executionId. Events without one
// (and write failures) are logged and dropped.
func (el *EventLog) TrackEvent(name string, data map[string]any) {
	executionID, _ := data["executionId"].(string)
	if executionID == "" {
		el.logger.Debug("event without execution id dropped", slog.String("event", name))
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		el.logger.Warn("event payload not serializable", slog.String("event", name), slog.String("error", err.Error()))
		payload = nil
	}
	workflowID, _ := data["workflowId"].(string)
	blockID, _ := data["blockId"].(string)

	err = el.store.AppendEvent(context.Background(), &Event{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		BlockID:     blockID,
		Type:        name,
		Payload:     payload,
	})
	if err != nil {
		el.logger.Warn("append event failed", slog.String("event", name), slog.String("error", err.Error()))
	}
}

// Timeline replays the block events of executionID into per-block statuses,
// keyed by block id.
func (el *EventLog) Timeline(ctx context.Context, executionID string) (map[string]*BlockStatus, error) {
	events, err := el.store.ListEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]*BlockStatus)
	var prev int64
	for _, e := range events {
		if e.Sequence != prev+1 {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event sequence gap for %s: expected %d, got %d", executionID, prev+1, e.Sequence)
		}
		prev = e.Sequence
		if e.BlockID == "" {
			continue
		}

		st, ok := statuses[e.BlockID]
		if !ok {
			st = &BlockStatus{BlockID: e.BlockID}
			statuses[e.BlockID] = st
		}

		var payload struct {
			DurationMs int64  `json:"durationMs"`
			Error      string `json:"error"`
		}
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &payload)
		}

		switch e.Type {
		case schema.EventBlockStarted:
			st.Status = BlockRunning
			st.Attempts++
		case schema.EventBlockSucceeded:
			st.Status = BlockSucceeded
			st.DurationMs += payload.DurationMs
		case schema.EventBlockFailed:
			st.Status = BlockFailed
			st.DurationMs += payload.DurationMs
			st.Error = payload.Error
		case schema.EventBlockSkipped:
			if st.Status == "" {
				st.Status = BlockSkipped
			}
		}
	}
	return statuses, nil
}
