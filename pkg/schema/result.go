package schema

import "time"

// LogLevel is the severity of a BlockLog.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

// BlockLog is one append-only log line produced during a run.
type BlockLog struct {
	ID        string    `json:"id"`
	BlockID   string    `json:"blockId"`
	BlockType string    `json:"blockType,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NormalizedBlockOutput is the shape used for the workflow's final result.
type NormalizedBlockOutput struct {
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecutionResult is what a handler produces for one block.
type ExecutionResult struct {
	Success          bool                   `json:"success"`
	Output           any                    `json:"output,omitempty"`
	NormalizedOutput *NormalizedBlockOutput `json:"normalizedOutput,omitempty"`
	Logs             []BlockLog             `json:"logs,omitempty"`

	// Selection names the sourceHandle chosen by a routing block (condition, router).
	// Empty means every outgoing edge stays active.
	Selection string `json:"selection,omitempty"`

	// Break asks the innermost enclosing loop to stop after this block.
	Break bool `json:"break,omitempty"`

	// Variables are assignments merged into the workflow variables after the block.
	Variables map[string]any `json:"variables,omitempty"`

	Error string `json:"error,omitempty"`
}

// StreamingExecution is pushed to the OnStream callback while a run is in progress.
type StreamingExecution struct {
	ExecutionID string `json:"executionId"`
	BlockID     string `json:"blockId,omitempty"`
	Output      any    `json:"output"`
	Partial     bool   `json:"partial"`
}

// RunResult is returned by Executor.Execute.
// On failure it is returned together with the error so partial logs stay visible.
type RunResult struct {
	ExecutionID     string                `json:"executionId"`
	Logs            []BlockLog            `json:"logs"`
	Output          NormalizedBlockOutput `json:"output"`
	ExecutionResult ExecutionResult       `json:"executionResult"`
	StartedAt       time.Time             `json:"startedAt"`
	CompletedAt     time.Time             `json:"completedAt"`
}
