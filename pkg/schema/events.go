package schema

// Telemetry event names emitted by the engine.
const (
	EventWorkflowStarted   = "workflow_execution_started"
	EventWorkflowCompleted = "workflow_execution_completed"
	EventWorkflowFailed    = "workflow_execution_failed"
	EventWorkflowCancelled = "workflow_execution_cancelled"

	EventBlockStarted   = "block_execution_started"
	EventBlockSucceeded = "block_execution_succeeded"
	EventBlockFailed    = "block_execution_failed"
	EventBlockSkipped   = "block_execution_skipped"

	EventLoopIterationStarted   = "loop_iteration_started"
	EventLoopIterationCompleted = "loop_iteration_completed"
	EventLoopCompleted          = "loop_completed"

	EventParallelBranchStarted = "parallel_branch_started"
	EventParallelCompleted     = "parallel_completed"
)

// ExecutorState is the lifecycle state of an Executor.
type ExecutorState string

const (
	StateIdle      ExecutorState = "idle"
	StateRunning   ExecutorState = "running"
	StateCompleted ExecutorState = "completed"
	StateFailed    ExecutorState = "failed"
	StateCancelled ExecutorState = "cancelled"
)

// IsTerminal reports whether s ends a run.
func (s ExecutorState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
