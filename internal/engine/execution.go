package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// BlockCall is one member of a parallel batch.
type BlockCall struct {
	Block  *schema.SerializedBlock
	Inputs map[string]any
	Scope  *expressions.Scope
}

type activeExecution struct {
	blockID string
	cancel  context.CancelFunc
}

// ExecutionEngine runs blocks through their handlers. It tracks in-flight
// executions so Cancel can signal them, and refuses to start new blocks once
// cancelled until Reset.
type ExecutionEngine struct {
	registry       *handlers.Registry
	telemetry      Telemetry
	tracer         trace.Tracer
	logger         *slog.Logger
	maxConcurrency int

	cancelled atomic.Bool
	seq       atomic.Uint64

	mu     sync.Mutex
	active map[uint64]activeExecution
}

// EngineConfig configures an ExecutionEngine.
type EngineConfig struct {
	Telemetry      Telemetry
	Tracer         trace.Tracer
	Logger         *slog.Logger
	MaxConcurrency int // 0 means unlimited
}

// NewExecutionEngine creates an engine resolving handlers from registry.
func NewExecutionEngine(registry *handlers.Registry, cfg EngineConfig) *ExecutionEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("blockflow")
	}
	return &ExecutionEngine{
		registry:       registry,
		telemetry:      newSafeTelemetry(cfg.Telemetry, logger),
		tracer:         tracer,
		logger:         logger,
		maxConcurrency: cfg.MaxConcurrency,
		active:         make(map[uint64]activeExecution),
	}
}

// ExecuteBlock resolves the handler for block and runs it with the resolved
// inputs and scope snapshot. The block's trace span is a child of the span in ctx.
func (e *ExecutionEngine) ExecuteBlock(ctx context.Context, block *schema.SerializedBlock, inputs map[string]any, scope *expressions.Scope) (*schema.ExecutionResult, error) {
	if e.cancelled.Load() || ctx.Err() != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithBlock(block.ID)
	}

	handler, err := e.registry.Resolve(block.Type)
	if err != nil {
		return nil, withBlock(err, block.ID)
	}

	ctx = logging.WithBlockID(ctx, block.ID)
	ctx, span := e.tracer.Start(ctx, "block."+block.Type,
		trace.WithAttributes(
			attribute.String("block.id", block.ID),
			attribute.String("block.type", block.Type),
			attribute.String("execution.id", scopeExecutionID(scope)),
		))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	key := e.track(block.ID, cancel)
	defer func() {
		e.untrack(key)
		cancel()
	}()

	data := map[string]any{
		"blockId":     block.ID,
		"blockType":   block.Type,
		"blockName":   block.Name,
		"executionId": scopeExecutionID(scope),
		"workflowId":  scopeWorkflowID(scope),
	}
	e.telemetry.TrackEvent(schema.EventBlockStarted, data)
	logging.LogWith(ctx, e.logger).Debug("block started", slog.String("type", block.Type))

	start := time.Now()
	var res *schema.ExecutionResult
	if err = e.registry.ValidateInputs(block.Type, inputs); err != nil {
		err = withBlock(err, block.ID)
	} else {
		res, err = e.invoke(ctx, handler, &handlers.Request{
			Block:  block,
			Inputs: inputs,
			Scope:  scope,
			Span:   span,
		})
	}
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		failed := withDuration(data, elapsed)
		failed["error"] = err.Error()
		e.telemetry.TrackEvent(schema.EventBlockFailed, failed)
		logging.LogWith(ctx, e.logger).Debug("block failed",
			slog.Duration("duration", elapsed), slog.String("error", err.Error()))
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	e.telemetry.TrackEvent(schema.EventBlockSucceeded, withDuration(data, elapsed))
	logging.LogWith(ctx, e.logger).Debug("block succeeded", slog.Duration("duration", elapsed))
	return res, nil
}

// invoke calls the handler and normalizes its outcome into a result or a FlowError.
func (e *ExecutionEngine) invoke(ctx context.Context, h handlers.Handler, req *handlers.Request) (res *schema.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeHandlerExecution, "handler panicked: %v", r).WithBlock(req.BlockID())
		}
	}()

	res, err = h.Execute(ctx, req)
	if err != nil {
		return nil, asHandlerError(err, req.BlockID())
	}
	if res == nil {
		return handlers.Success(nil), nil
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "handler reported failure"
		}
		return nil, schema.NewError(schema.ErrCodeHandlerExecution, msg).WithBlock(req.BlockID())
	}
	return res, nil
}

// ExecuteBlocksParallel runs calls concurrently. The first failure cancels
// the rest and is returned alone; on success results follow the input order.
func (e *ExecutionEngine) ExecuteBlocksParallel(ctx context.Context, calls []BlockCall) ([]*schema.ExecutionResult, error) {
	results := make([]*schema.ExecutionResult, len(calls))
	err := e.RunBatch(ctx, len(calls), func(ctx context.Context, i int) error {
		res, err := e.ExecuteBlock(ctx, calls[i].Block, calls[i].Inputs, calls[i].Scope)
		if err != nil {
			return err
		}
		results[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// RunBatch runs fn for indexes 0..n-1 concurrently and joins them. The
// context passed to fn is cancelled as soon as any call fails, and the first
// error is returned.
func (e *ExecutionEngine) RunBatch(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if e.maxConcurrency > 0 {
		g.SetLimit(e.maxConcurrency)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

// Cancel stops new blocks from starting and signals every in-flight handler
// through its context. Handlers that ignore their context run to completion.
func (e *ExecutionEngine) Cancel() {
	e.cancelled.Store(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, a := range e.active {
		a.cancel()
		delete(e.active, key)
	}
}

// Cancelled reports whether Cancel was called since the last Reset.
func (e *ExecutionEngine) Cancelled() bool {
	return e.cancelled.Load()
}

// Reset clears the cancellation flag and forgets in-flight executions.
func (e *ExecutionEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, a := range e.active {
		a.cancel()
		delete(e.active, key)
	}
	e.cancelled.Store(false)
}

// ActiveBlockIDs returns the ids of blocks currently executing, sorted.
func (e *ExecutionEngine) ActiveBlockIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(e.active))
	ids := make([]string, 0, len(e.active))
	for _, a := range e.active {
		if !seen[a.blockID] {
			seen[a.blockID] = true
			ids = append(ids, a.blockID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Telemetry returns the engine's telemetry sink.
func (e *ExecutionEngine) Telemetry() Telemetry {
	return e.telemetry
}

// Tracer returns the engine's tracer.
func (e *ExecutionEngine) Tracer() trace.Tracer {
	return e.tracer
}

func (e *ExecutionEngine) track(blockID string, cancel context.CancelFunc) uint64 {
	key := e.seq.Add(1)
	e.mu.Lock()
	e.active[key] = activeExecution{blockID: blockID, cancel: cancel}
	e.mu.Unlock()
	return key
}

func (e *ExecutionEngine) untrack(key uint64) {
	e.mu.Lock()
	delete(e.active, key)
	e.mu.Unlock()
}

// asHandlerError keeps FlowErrors (tagging the block) and wraps anything else
// as HANDLER_EXECUTION_ERROR. Context cancellation maps to EXECUTION_CANCELLED.
func asHandlerError(err error, blockID string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return withBlock(err, blockID)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithBlock(blockID).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeHandlerExecution, err.Error()).WithBlock(blockID).WithCause(err)
}

// withBlock tags a bare FlowError with blockID. The error is copied so shared
// sentinels are never mutated.
func withBlock(err error, blockID string) error {
	fe, ok := err.(*schema.FlowError)
	if !ok || fe.BlockID != "" {
		return err
	}
	tagged := *fe
	tagged.BlockID = blockID
	return &tagged
}

func withDuration(data map[string]any, d time.Duration) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out["durationMs"] = durationMs(d)
	return out
}

func scopeExecutionID(s *expressions.Scope) string {
	if s == nil {
		return ""
	}
	return s.ExecutionID
}

func scopeWorkflowID(s *expressions.Scope) string {
	if s == nil {
		return ""
	}
	return s.WorkflowID
}
