package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/pkg/schema"
)

// run is the per-Execute state shared by every pass of one execution.
type run struct {
	executionID string
	plan        *Plan

	streamMu sync.Mutex
}

// pass is one sequential walk over a unit list. The root walk and loop
// iterations share a pass; every parallel branch gets its own.
type pass struct {
	run *run
	cm  *ContextManager

	logs []schema.BlockLog
	sink *schema.NormalizedBlockOutput

	last    any
	hasLast bool

	// failed is set when a block error was tolerated by the error policy.
	failed bool

	loopDepth int
	inBranch  bool
}

// branch creates the pass for a parallel branch working on cm.
func (p *pass) branch(cm *ContextManager) *pass {
	return &pass{
		run:       p.run,
		cm:        cm,
		loopDepth: p.loopDepth,
		inBranch:  true,
	}
}

// absorb appends a joined branch's logs and results onto p.
func (p *pass) absorb(b *pass) {
	p.logs = append(p.logs, b.logs...)
	if b.sink != nil {
		p.sink = b.sink
	}
	p.failed = p.failed || b.failed
}

func (p *pass) logError(blockID, blockType string, err error) {
	p.logs = append(p.logs, schema.BlockLog{
		ID:        uuid.NewString(),
		BlockID:   blockID,
		BlockType: blockType,
		Level:     schema.LogLevelError,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (p *pass) appendLogs(block *schema.SerializedBlock, logs []schema.BlockLog) {
	for _, l := range logs {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if l.BlockID == "" {
			l.BlockID = block.ID
		}
		if l.BlockType == "" {
			l.BlockType = block.Type
		}
		if l.Level == "" {
			l.Level = schema.LogLevelInfo
		}
		if l.Timestamp.IsZero() {
			l.Timestamp = time.Now().UTC()
		}
		p.logs = append(p.logs, l)
	}
}

// loggedError marks an error already recorded in the block logs.
type loggedError struct {
	err error
}

func (e *loggedError) Error() string { return e.err.Error() }
func (e *loggedError) Unwrap() error { return e.err }

func unwrapLogged(err error) error {
	var le *loggedError
	if errors.As(err, &le) {
		return le.err
	}
	return err
}

type unitState struct {
	ran       bool
	selection string
}

// runUnits walks units in order. A unit is skipped when its block is
// disabled or when every in-scope predecessor was skipped, failed, or routed
// elsewhere through its selection.
func (x *Executor) runUnits(ctx context.Context, p *pass, units []Unit) (passOutcome, error) {
	states := make(map[string]unitState, len(units))
	var out passOutcome

	for _, u := range units {
		blockType := unitType(u)

		if !x.isActive(p.run.plan, u, states) {
			p.cm.RecordSkipped()
			x.engine.Telemetry().TrackEvent(schema.EventBlockSkipped, map[string]any{
				"blockId":     u.ID,
				"blockType":   blockType,
				"executionId": p.cm.ExecutionID(),
			})
			continue
		}

		var (
			output any
			res    *schema.ExecutionResult
			brk    bool
			err    error
		)
		switch {
		case x.engine.Cancelled() || ctx.Err() != nil:
			err = schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithBlock(u.ID)
		case u.Kind == UnitLoop:
			output, err = x.loops.Run(ctx, p, u, x.workflow.Loops[u.ID], x.runUnits)
		case u.Kind == UnitParallel:
			output, brk, err = x.parallels.Run(ctx, p, u, x.workflow.Parallels[u.ID], x.runUnits)
		default:
			res, err = x.runBlock(ctx, p, u.Block)
			if err == nil {
				output = res.Output
				brk = res.Break
			}
		}

		if err != nil {
			var le *loggedError
			if !errors.As(err, &le) {
				if p.inBranch && ctx.Err() != nil && !x.engine.Cancelled() {
					// A sibling branch failed first; its error is the one reported.
					return out, err
				}
				p.logError(u.ID, blockType, err)
				p.cm.RecordError()
				err = &loggedError{err: err}
			}
			if x.policy.ShouldStop(unitBlock(u), unwrapLogged(err)) {
				return out, err
			}
			p.failed = true
			continue
		}

		st := unitState{ran: true}
		if res != nil {
			st.selection = res.Selection
		}
		states[u.ID] = st

		p.last, p.hasLast = output, true
		out.Last, out.HasLast = output, true
		out.Executed = append(out.Executed, u.ID)

		if brk && p.loopDepth > 0 {
			out.Break = true
			return out, nil
		}
	}
	return out, nil
}

// runBlock resolves inputs, executes the block and folds its result into p.
func (x *Executor) runBlock(ctx context.Context, p *pass, block *schema.SerializedBlock) (*schema.ExecutionResult, error) {
	scope := p.cm.Context()
	inputs, warnings := x.resolver.Resolve(block, scope)
	for _, w := range warnings {
		logging.LogWith(ctx, x.logger).Warn("unresolved reference",
			slog.String("block_id", w.BlockID),
			slog.String("input", w.Input),
			slog.String("reference", w.Reference))
	}

	res, err := x.engine.ExecuteBlock(ctx, block, inputs, scope)
	if err != nil {
		return nil, err
	}

	p.cm.UpdateBlockState(block.ID, res.Output)
	p.cm.RecordExecuted()
	if len(res.Variables) > 0 {
		p.cm.UpdateVariables(res.Variables)
	}
	p.appendLogs(block, res.Logs)

	if x.isSink(block.Type) {
		norm := res.NormalizedOutput
		if norm == nil {
			norm = &schema.NormalizedBlockOutput{Data: res.Output}
		}
		p.sink = norm
	}
	x.stream(p, block, res.Output)
	return res, nil
}

func (x *Executor) isActive(plan *Plan, u Unit, states map[string]unitState) bool {
	if u.Block != nil && !u.Block.IsEnabled() {
		return false
	}
	deps := plan.Incoming(u.ID)
	if len(deps) == 0 {
		return true
	}
	for _, d := range deps {
		st, ok := states[d.from]
		if !ok || !st.ran {
			continue
		}
		if d.handle != "" && st.selection != "" && d.handle != st.selection && !schema.IsContainerHandle(d.handle) {
			continue
		}
		return true
	}
	return false
}

func (x *Executor) isSink(blockType string) bool {
	_, ok := x.sinkTypes[blockType]
	return ok
}

// stream pushes a partial result for block when streaming selects it.
// Selected ids may carry a path ("block.field") to stream part of the output.
func (x *Executor) stream(p *pass, block *schema.SerializedBlock, output any) {
	s := x.opts.Stream
	if !s.Enabled || s.OnStream == nil {
		return
	}

	var payloads []any
	if len(s.SelectedOutputIDs) == 0 {
		if x.isSink(block.Type) {
			payloads = append(payloads, output)
		}
	} else {
		for _, sel := range s.SelectedOutputIDs {
			switch {
			case sel == block.ID:
				payloads = append(payloads, output)
			case strings.HasPrefix(sel, block.ID+"."):
				scope := &expressions.Scope{Blocks: map[string]any{block.ID: output}}
				if v, ok := x.resolver.Lookup(sel, scope); ok {
					payloads = append(payloads, v)
				}
			}
		}
	}

	for _, payload := range payloads {
		x.emit(p.run, schema.StreamingExecution{
			ExecutionID: p.run.executionID,
			BlockID:     block.ID,
			Output:      expressions.DeepCopy(payload),
			Partial:     true,
		})
	}
}

func (x *Executor) emit(r *run, msg schema.StreamingExecution) {
	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	x.opts.Stream.OnStream(msg)
}

func unitType(u Unit) string {
	if u.Block != nil {
		return u.Block.Type
	}
	return string(u.Kind)
}

// unitBlock returns the unit's block, synthesizing one for containers declared
// without a block so error policies always see an id and type.
func unitBlock(u Unit) *schema.SerializedBlock {
	if u.Block != nil {
		return u.Block
	}
	return &schema.SerializedBlock{ID: u.ID, Type: string(u.Kind)}
}
