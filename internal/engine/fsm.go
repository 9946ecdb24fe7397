package engine

import (
	"sync"

	"github.com/rendis/blockflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.ExecutorState) error

// validTransitions lists the allowed next states for each executor state.
// Terminal states only leave through reset.
var validTransitions = map[schema.ExecutorState][]schema.ExecutorState{
	schema.StateIdle:      {schema.StateRunning, schema.StateIdle},
	schema.StateRunning:   {schema.StateCompleted, schema.StateFailed, schema.StateCancelled},
	schema.StateCompleted: {schema.StateIdle},
	schema.StateFailed:    {schema.StateIdle},
	schema.StateCancelled: {schema.StateIdle},
}

type hookKey struct {
	from, to schema.ExecutorState
}

// RunFSM tracks the executor lifecycle and emits workflow events on transitions.
type RunFSM struct {
	mu        sync.Mutex
	state     schema.ExecutorState
	telemetry Telemetry
	before    map[hookKey][]TransitionHook
	after     map[hookKey][]TransitionHook
}

// NewRunFSM creates an FSM in the idle state.
func NewRunFSM(telemetry Telemetry) *RunFSM {
	if telemetry == nil {
		telemetry = NoopTelemetry{}
	}
	return &RunFSM{
		state:     schema.StateIdle,
		telemetry: telemetry,
		before:    make(map[hookKey][]TransitionHook),
		after:     make(map[hookKey][]TransitionHook),
	}
}

// State returns the current state.
func (f *RunFSM) State() schema.ExecutorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// OnBefore registers a hook called before a transition.
func (f *RunFSM) OnBefore(from, to schema.ExecutorState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.ExecutorState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves to state to. data is attached to the emitted workflow event.
func (f *RunFSM) Transition(to schema.ExecutorState, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.state
	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid executor transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	f.state = to

	if event := workflowEventType(to); event != "" {
		f.telemetry.TrackEvent(event, data)
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidTransition(from, to schema.ExecutorState) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventType(to schema.ExecutorState) string {
	switch to {
	case schema.StateRunning:
		return schema.EventWorkflowStarted
	case schema.StateCompleted:
		return schema.EventWorkflowCompleted
	case schema.StateFailed:
		return schema.EventWorkflowFailed
	case schema.StateCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}
