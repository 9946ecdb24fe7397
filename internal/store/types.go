package store

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/rendis/blockflow/pkg/schema"
)

// Run is the persisted summary of one workflow execution.
type Run struct {
	ID          string               `json:"id"`
	WorkflowID  string               `json:"workflow_id"`
	Status      schema.ExecutorState `json:"status"`
	Success     bool                 `json:"success"`
	Input       json.RawMessage      `json:"input,omitempty"`
	Output      json.RawMessage      `json:"output,omitempty"`
	Error       string               `json:"error,omitempty"`
	Logs        []schema.BlockLog    `json:"logs,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	DurationMs  int64                `json:"duration_ms"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	Status     schema.ExecutorState
	Since      *time.Time
	Limit      int
	// WithLogs loads each run's block logs.
	WithLogs bool
}

// Event is one telemetry event recorded for an execution.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	BlockID     string          `json:"block_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewRun builds the record for a finished execution. result may be nil when
// the run failed before producing one.
func NewRun(workflowID string, state schema.ExecutorState, input any, result *schema.RunResult, runErr error) (*Run, error) {
	r := &Run{
		WorkflowID: workflowID,
		Status:     state,
	}
	in, err := marshalOrNil(input)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "marshal run input").WithCause(err)
	}
	r.Input = in

	if result != nil {
		r.ID = result.ExecutionID
		r.Success = result.ExecutionResult.Success && runErr == nil
		r.Logs = result.Logs
		r.StartedAt = result.StartedAt
		r.CompletedAt = result.CompletedAt
		r.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()

		out, err := marshalOrNil(result.Output)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "marshal run output").WithCause(err)
		}
		r.Output = out
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r, nil
}

func marshalOrNil(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
