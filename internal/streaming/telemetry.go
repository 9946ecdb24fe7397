package streaming

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// HubTelemetry publishes engine telemetry events onto a Hub. It satisfies
// engine.Telemetry.
type HubTelemetry struct {
	hub    Hub
	logger *slog.Logger
}

// NewHubTelemetry creates a telemetry sink publishing to hub.
func NewHubTelemetry(hub Hub, logger *slog.Logger) *HubTelemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubTelemetry{hub: hub, logger: logger}
}

// TrackEvent publishes name with data. Correlation ids are lifted from data.
func (t *HubTelemetry) TrackEvent(name string, data map[string]any) {
	event := Event{
		WorkflowID:  stringField(data, "workflowId"),
		ExecutionID: stringField(data, "executionId"),
		BlockID:     stringField(data, "blockId"),
		Type:        name,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
	if err := t.hub.Publish(context.Background(), event); err != nil {
		t.logger.Debug("telemetry publish failed", slog.String("event", name), slog.String("error", err.Error()))
	}
}

// StreamFunc returns an OnStream callback that republishes streamed output
// onto hub under workflowID.
func StreamFunc(hub Hub, workflowID string) func(schema.StreamingExecution) {
	return func(msg schema.StreamingExecution) {
		typ := EventStreamFinal
		if msg.Partial {
			typ = EventStreamPartial
		}
		_ = hub.Publish(context.Background(), Event{
			WorkflowID:  workflowID,
			ExecutionID: msg.ExecutionID,
			BlockID:     msg.BlockID,
			Type:        typ,
			Data:        msg.Output,
			Timestamp:   time.Now().UTC(),
		})
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
