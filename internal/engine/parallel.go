package engine

import (
	"context"
	"fmt"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// MaxParallelBranches bounds the fan-out of one parallel container. Larger
// counts or collections fail with VALIDATION_ERROR before any branch starts.
const MaxParallelBranches = 1024

// ParallelManager fans a parallel container out into concurrent branches.
type ParallelManager struct {
	engine      *ExecutionEngine
	collections *collectionEvaluator
}

// NewParallelManager creates a ParallelManager.
func NewParallelManager(engine *ExecutionEngine, resolver *expressions.Resolver, cel *expressions.CELEngine) *ParallelManager {
	return &ParallelManager{
		engine:      engine,
		collections: &collectionEvaluator{resolver: resolver, cel: cel},
	}
}

// Run executes one branch per fan-out item through the engine's batch path.
// Each branch works on a forked context bound to parallel.index, parallel.item
// and parallel.items, with execution id "<parent>:<container>:<index>".
// Branches are joined in index order: logs, block outputs (also as "id[i]")
// and variables are merged, and the container output is
// {"results": [final output of each branch]}. Any branch failure fails the
// container. The second return value reports a break requested by a branch.
func (m *ParallelManager) Run(ctx context.Context, p *pass, unit Unit, cfg schema.ParallelConfig, run passFunc) (any, bool, error) {
	items, count, err := m.branches(ctx, p, unit.ID, cfg)
	if err != nil {
		return nil, false, err
	}

	telemetry := m.engine.Telemetry()
	parentID := p.cm.ExecutionID()

	forks := make([]*pass, count)
	for i := 0; i < count; i++ {
		cm := p.cm.Fork(fmt.Sprintf("%s:%s:%d", parentID, unit.ID, i))
		binding := map[string]any{"index": i, "total": count}
		if items != nil {
			binding["item"] = items[i]
			binding["items"] = items
		} else {
			binding["item"] = i
		}
		cm.SetBinding(expressions.BindingParallel, binding)
		forks[i] = p.branch(cm)
	}

	outcomes := make([]passOutcome, count)
	batchErr := m.engine.RunBatch(ctx, count, func(ctx context.Context, i int) error {
		telemetry.TrackEvent(schema.EventParallelBranchStarted, map[string]any{
			"parallelId":  unit.ID,
			"branch":      i,
			"executionId": forks[i].cm.ExecutionID(),
		})
		outcome, err := run(ctx, forks[i], unit.Children)
		if err != nil {
			return err
		}
		outcomes[i] = outcome
		return nil
	})

	// Join in branch order whether or not the batch failed so partial logs survive.
	for i, f := range forks {
		p.absorb(f)
		p.cm.Merge(f.cm, i)
	}
	if batchErr != nil {
		return nil, false, batchErr
	}

	results := make([]any, count)
	brk := false
	for i, o := range outcomes {
		results[i] = o.Last
		brk = brk || o.Break
	}

	output := map[string]any{"results": results}
	p.cm.UpdateBlockState(unit.ID, output)

	telemetry.TrackEvent(schema.EventParallelCompleted, map[string]any{
		"parallelId":  unit.ID,
		"branches":    count,
		"executionId": parentID,
	})
	return output, brk, nil
}

// branches returns the collection items (nil for count fan-out) and the branch count.
func (m *ParallelManager) branches(ctx context.Context, p *pass, parallelID string, cfg schema.ParallelConfig) ([]any, int, error) {
	kind := cfg.ParallelType
	if kind == "" {
		kind = schema.ParallelTypeCount
		if cfg.Distribution != nil {
			kind = schema.ParallelTypeCollection
		}
	}

	switch kind {
	case schema.ParallelTypeCount:
		if cfg.Count < 0 {
			return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
				"parallel %s has negative count %d", parallelID, cfg.Count).WithBlock(parallelID)
		}
		if cfg.Count > MaxParallelBranches {
			return nil, 0, tooManyBranches(parallelID, cfg.Count)
		}
		return nil, cfg.Count, nil
	case schema.ParallelTypeCollection:
		items, err := m.collections.Items(ctx, parallelID, cfg.Distribution, p.cm.Context())
		if err != nil {
			return nil, 0, err
		}
		if len(items) > MaxParallelBranches {
			return nil, 0, tooManyBranches(parallelID, len(items))
		}
		return items, len(items), nil
	default:
		return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
			"parallel %s has unknown type %q", parallelID, kind).WithBlock(parallelID)
	}
}

func tooManyBranches(parallelID string, n int) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"parallel %s has %d branches, limit is %d", parallelID, n, MaxParallelBranches).WithBlock(parallelID)
}
