package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultOutputTypes are the block types treated as output sinks.
var DefaultOutputTypes = []string{handlers.TypeResponse, handlers.TypeOutput}

// StreamOptions enables incremental output.
type StreamOptions struct {
	Enabled bool
	// SelectedOutputIDs lists block ids (optionally "id.path") to stream.
	// Empty streams every output sink.
	SelectedOutputIDs []string
	// OnStream receives partial results and one final message. Calls are serialized.
	OnStream func(schema.StreamingExecution)
}

// Options configures an Executor. Every field is optional.
type Options struct {
	Telemetry   Telemetry
	Tracer      trace.Tracer
	Logger      *slog.Logger
	ErrorPolicy ErrorPolicy

	// Expressions shares compile caches with other executors.
	Expressions *expressions.Engines

	// MaxConcurrency bounds concurrently running branches per batch; 0 is unbounded.
	MaxConcurrency int
	OutputTypes    []string

	Environment map[string]string
	Variables   map[string]any
	BlockStates map[string]any

	WorkflowID string
	// ExecutionID fixes the id of every run; empty generates one per run.
	ExecutionID      string
	IsChildExecution bool

	Stream StreamOptions
}

// ExecutorStats merges context, registry and engine state.
type ExecutorStats struct {
	State          schema.ExecutorState `json:"state"`
	ExecutionID    string               `json:"execution_id"`
	Context        ContextStats         `json:"context"`
	Handlers       handlers.Stats       `json:"handlers"`
	ActiveBlockIDs []string             `json:"active_block_ids"`
	Runs           int                  `json:"runs"`
	LastStartedAt  time.Time            `json:"last_started_at,omitzero"`
	LastFinishedAt time.Time            `json:"last_finished_at,omitzero"`
}

// runBook counts runs and times the latest one. The FSM hooks feed it.
type runBook struct {
	mu       sync.Mutex
	runs     int
	started  time.Time
	finished time.Time
}

func (b *runBook) start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs++
	b.started = time.Now().UTC()
	b.finished = time.Time{}
}

func (b *runBook) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = time.Now().UTC()
}

func (b *runBook) fill(stats *ExecutorStats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats.Runs = b.runs
	stats.LastStartedAt = b.started
	stats.LastFinishedAt = b.finished
}

// Executor runs one workflow. It may be reused across runs with Reset.
type Executor struct {
	workflow  *schema.SerializedWorkflow
	registry  *handlers.Registry
	resolver  *expressions.Resolver
	paths     *PathCalculator
	loops     *LoopManager
	parallels *ParallelManager
	context   *ContextManager
	engine    *ExecutionEngine
	fsm       *RunFSM
	book      runBook
	policy    ErrorPolicy
	logger    *slog.Logger
	sinkTypes map[string]struct{}
	opts      Options
}

// NewExecutor wires the engine components for wf. The registry is sealed.
func NewExecutor(wf *schema.SerializedWorkflow, registry *handlers.Registry, opts Options) (*Executor, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "handler registry is nil")
	}
	registry.Seal()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engines := opts.Expressions
	if engines == nil {
		var err error
		if engines, err = expressions.NewEngines(); err != nil {
			return nil, err
		}
	}
	policy := opts.ErrorPolicy
	if policy == nil {
		policy = StopOnError{}
	}
	outputTypes := opts.OutputTypes
	if len(outputTypes) == 0 {
		outputTypes = DefaultOutputTypes
	}
	sinkTypes := make(map[string]struct{}, len(outputTypes))
	for _, t := range outputTypes {
		sinkTypes[t] = struct{}{}
	}

	engine := NewExecutionEngine(registry, EngineConfig{
		Telemetry:      opts.Telemetry,
		Tracer:         opts.Tracer,
		Logger:         logger,
		MaxConcurrency: opts.MaxConcurrency,
	})
	resolver := expressions.NewResolver()

	x := &Executor{
		workflow:  wf,
		registry:  registry,
		resolver:  resolver,
		paths:     NewPathCalculator(),
		loops:     NewLoopManager(engine, resolver, engines.CEL),
		parallels: NewParallelManager(engine, resolver, engines.CEL),
		context: NewContextManager(ContextConfig{
			WorkflowID:       opts.WorkflowID,
			ExecutionID:      opts.ExecutionID,
			IsChildExecution: opts.IsChildExecution,
			Environment:      opts.Environment,
			Variables:        opts.Variables,
			BlockStates:      opts.BlockStates,
		}),
		engine:    engine,
		fsm:       NewRunFSM(engine.Telemetry()),
		policy:    policy,
		logger:    logger,
		sinkTypes: sinkTypes,
		opts:      opts,
	}
	x.watchLifecycle()
	return x, nil
}

// watchLifecycle hooks run bookkeeping onto the start and end transitions.
func (x *Executor) watchLifecycle() {
	x.fsm.OnAfter(schema.StateIdle, schema.StateRunning, func(_, _ schema.ExecutorState) error {
		x.book.start()
		return nil
	})
	for _, end := range []schema.ExecutorState{schema.StateCompleted, schema.StateFailed, schema.StateCancelled} {
		x.fsm.OnAfter(schema.StateRunning, end, func(_, _ schema.ExecutorState) error {
			x.book.finish()
			return nil
		})
	}
}

// Execute runs the workflow with input as the triggering input. On failure
// the partial result (logs so far) is returned together with the error.
// The executor must be idle: a finished executor needs Reset first.
func (x *Executor) Execute(ctx context.Context, input any) (*schema.RunResult, error) {
	executionID := x.opts.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	workflowID := x.context.WorkflowID()

	if err := x.fsm.Transition(schema.StateRunning, map[string]any{
		"workflowId":       workflowID,
		"executionId":      executionID,
		"isChildExecution": x.opts.IsChildExecution,
	}); err != nil {
		return nil, err
	}
	x.context.SetExecutionID(executionID)

	ctx = logging.WithIDs(ctx, workflowID, executionID)
	ctx, span := x.engine.Tracer().Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("execution.id", executionID),
			attribute.Bool("execution.child", x.opts.IsChildExecution),
		))
	defer span.End()

	started := time.Now()
	r := &run{executionID: executionID}
	p := &pass{run: r, cm: x.context}

	logging.LogWith(ctx, x.logger).Info("workflow started", slog.Int("blocks", len(x.workflow.Blocks)))

	err := x.context.UpdateWorkflowInput(input)
	if err == nil {
		r.plan, err = x.paths.Calculate(x.workflow)
	}
	if err == nil {
		_, err = x.runUnits(ctx, p, r.plan.Units)
	}
	err = unwrapLogged(err)

	return x.finish(ctx, span, r, p, started, err)
}

func (x *Executor) finish(ctx context.Context, span trace.Span, r *run, p *pass, started time.Time, err error) (*schema.RunResult, error) {
	output := schema.NormalizedBlockOutput{}
	switch {
	case p.sink != nil:
		output = *p.sink
	case p.hasLast:
		output = schema.NormalizedBlockOutput{Data: p.last}
	}

	logs := p.logs
	if logs == nil {
		logs = []schema.BlockLog{}
	}

	result := &schema.RunResult{
		ExecutionID: r.executionID,
		Logs:        logs,
		Output:      output,
		ExecutionResult: schema.ExecutionResult{
			Success:          err == nil && !p.failed,
			Output:           output.Data,
			NormalizedOutput: &output,
			Logs:             logs,
		},
		StartedAt:   started.UTC(),
		CompletedAt: time.Now().UTC(),
	}

	data := map[string]any{
		"workflowId":  x.context.WorkflowID(),
		"executionId": r.executionID,
		"durationMs":  durationMs(result.CompletedAt.Sub(result.StartedAt)),
		"logs":        len(logs),
	}
	log := logging.LogWith(ctx, x.logger)

	if err != nil {
		result.ExecutionResult.Error = err.Error()
		data["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		state := schema.StateFailed
		if errors.Is(err, schema.ErrCancelled) || x.engine.Cancelled() {
			state = schema.StateCancelled
		}
		if terr := x.fsm.Transition(state, data); terr != nil {
			log.Error("state transition failed", slog.String("error", terr.Error()))
		}
		log.Warn("workflow "+string(state), slog.String("error", err.Error()))
		return result, err
	}

	span.SetStatus(codes.Ok, "")
	if terr := x.fsm.Transition(schema.StateCompleted, data); terr != nil {
		log.Error("state transition failed", slog.String("error", terr.Error()))
	}
	if x.opts.Stream.Enabled && x.opts.Stream.OnStream != nil {
		x.emit(r, schema.StreamingExecution{
			ExecutionID: r.executionID,
			Output:      expressions.DeepCopy(output.Data),
			Partial:     false,
		})
	}
	log.Info("workflow completed", slog.Int64("duration_ms", data["durationMs"].(int64)))
	return result, nil
}

// Cancel stops the current run from starting further blocks and signals
// in-flight handlers. The run ends in the cancelled state; Reset is required
// before the executor runs again.
func (x *Executor) Cancel() {
	x.engine.Cancel()
	x.logger.Info("workflow cancel requested",
		slog.String("workflow_id", x.context.WorkflowID()),
		slog.String("execution_id", x.context.ExecutionID()))
}

// Reset clears engine and context state so the executor can run again.
// It fails while a run is in progress.
func (x *Executor) Reset() error {
	if err := x.fsm.Transition(schema.StateIdle, nil); err != nil {
		return err
	}
	x.engine.Reset()
	x.context.Reset()
	return nil
}

// State returns the lifecycle state.
func (x *Executor) State() schema.ExecutorState {
	return x.fsm.State()
}

// Stats returns a snapshot of execution counters.
func (x *Executor) Stats() ExecutorStats {
	stats := ExecutorStats{
		State:          x.fsm.State(),
		ExecutionID:    x.context.ExecutionID(),
		Context:        x.context.Stats(),
		Handlers:       x.registry.Stats(),
		ActiveBlockIDs: x.engine.ActiveBlockIDs(),
	}
	x.book.fill(&stats)
	return stats
}

// Context returns a snapshot of the execution context.
func (x *Executor) Context() *expressions.Scope {
	return x.context.Context()
}
