package engine

import (
	"context"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// maxPreallocIterations caps the result buffer reserved up front; a break
// may end a loop long before its declared bound.
const maxPreallocIterations = 1024

// passFunc runs an ordered list of units within p.
type passFunc func(ctx context.Context, p *pass, units []Unit) (passOutcome, error)

// passOutcome reports how a pass over a unit list ended.
type passOutcome struct {
	// Break is set when a member asked the enclosing loop to stop.
	Break bool
	// Last is the output of the last unit that produced one.
	Last    any
	HasLast bool
	// Executed lists the ids of units that completed, in order.
	Executed []string
}

// LoopManager expands loop containers into sequential iterations.
type LoopManager struct {
	engine      *ExecutionEngine
	collections *collectionEvaluator
}

// NewLoopManager creates a LoopManager.
func NewLoopManager(engine *ExecutionEngine, resolver *expressions.Resolver, cel *expressions.CELEngine) *LoopManager {
	return &LoopManager{
		engine:      engine,
		collections: &collectionEvaluator{resolver: resolver, cel: cel},
	}
}

// Run executes the loop's members once per iteration, binding loop.index,
// loop.item and loop.items before each pass. Member outputs of iteration i
// are also recorded as "id[i]". A break output from a member ends the loop
// after the current iteration's pass stops. The loop's own output is
// recorded under its id and returned.
func (m *LoopManager) Run(ctx context.Context, p *pass, unit Unit, cfg schema.LoopConfig, run passFunc) (any, error) {
	items, count, err := m.iterations(ctx, p, unit.ID, cfg)
	if err != nil {
		return nil, err
	}

	prev, had := p.cm.SetBinding(expressions.BindingLoop, nil)
	defer p.cm.RestoreBinding(expressions.BindingLoop, prev, had)
	p.loopDepth++
	defer func() { p.loopDepth-- }()

	telemetry := m.engine.Telemetry()
	results := make([]any, 0, min(count, maxPreallocIterations))
	completed := 0

	for i := 0; i < count; i++ {
		if m.engine.Cancelled() || ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithBlock(unit.ID)
		}

		binding := map[string]any{"index": i, "iteration": i + 1, "total": count}
		if items != nil {
			binding["item"] = items[i]
			binding["items"] = items
		}
		p.cm.SetBinding(expressions.BindingLoop, binding)

		telemetry.TrackEvent(schema.EventLoopIterationStarted, map[string]any{
			"loopId":      unit.ID,
			"iteration":   i,
			"executionId": p.cm.ExecutionID(),
		})

		outcome, err := run(ctx, p, unit.Children)
		if err != nil {
			return nil, err
		}

		for _, id := range outcome.Executed {
			if out, ok := p.cm.BlockOutput(id); ok {
				p.cm.UpdateBlockState(BranchKey(id, i), out)
			}
		}
		results = append(results, outcome.Last)
		completed++

		telemetry.TrackEvent(schema.EventLoopIterationCompleted, map[string]any{
			"loopId":      unit.ID,
			"iteration":   i,
			"executionId": p.cm.ExecutionID(),
			"break":       outcome.Break,
		})

		if outcome.Break {
			break
		}
	}

	output := aggregate(cfg.Aggregation, completed, results)
	p.cm.UpdateBlockState(unit.ID, output)

	telemetry.TrackEvent(schema.EventLoopCompleted, map[string]any{
		"loopId":      unit.ID,
		"iterations":  completed,
		"executionId": p.cm.ExecutionID(),
	})
	return output, nil
}

// iterations returns the forEach items (nil for counted loops) and the iteration count.
func (m *LoopManager) iterations(ctx context.Context, p *pass, loopID string, cfg schema.LoopConfig) ([]any, int, error) {
	kind := cfg.LoopType
	if kind == "" {
		kind = schema.LoopTypeFor
		if cfg.ForEachItems != nil {
			kind = schema.LoopTypeForEach
		}
	}

	switch kind {
	case schema.LoopTypeFor:
		if cfg.Iterations < 0 {
			return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
				"loop %s has negative iteration count %d", loopID, cfg.Iterations).WithBlock(loopID)
		}
		return nil, cfg.Iterations, nil
	case schema.LoopTypeForEach:
		items, err := m.collections.Items(ctx, loopID, cfg.ForEachItems, p.cm.Context())
		if err != nil {
			return nil, 0, err
		}
		return items, len(items), nil
	default:
		return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
			"loop %s has unknown type %q", loopID, kind).WithBlock(loopID)
	}
}

// aggregate builds the loop output. Without a declared aggregation both the
// full list and the final value are exposed.
func aggregate(mode schema.Aggregation, completed int, results []any) map[string]any {
	out := map[string]any{"iterations": completed}
	var last any
	if len(results) > 0 {
		last = results[len(results)-1]
	}
	switch mode {
	case schema.AggregateCollect:
		out["results"] = results
	case schema.AggregateLast:
		out["result"] = last
	default:
		out["results"] = results
		out["result"] = last
	}
	return out
}
