package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/internal/validation"
	"github.com/rendis/blockflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRegistry(t *testing.T, extra map[string]handlers.Handler) *handlers.Registry {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	reg := handlers.NewRegistry(v)
	require.NoError(t, handlers.RegisterBuiltins(reg, engines))
	for typ, h := range extra {
		require.NoError(t, reg.Register(typ, h))
	}
	return reg
}

func newExecutor(t *testing.T, wf *schema.SerializedWorkflow, reg *handlers.Registry, opts Options) *Executor {
	t.Helper()
	if reg == nil {
		reg = newRegistry(t, nil)
	}
	x, err := NewExecutor(wf, reg, opts)
	require.NoError(t, err)
	return x
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func block(id, typ string, inputs map[string]any) schema.SerializedBlock {
	return schema.SerializedBlock{ID: id, Type: typ, Inputs: inputs}
}

func doublingWorkflow() *schema.SerializedWorkflow {
	return &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			block("transform", handlers.TypeTransform, map[string]any{
				"data":  "${{ start }}",
				"query": "{x: (.x * 2)}",
			}),
			block("output", handlers.TypeOutput, map[string]any{"data": "${{ transform }}"}),
		},
		Edges: []schema.Edge{edge("start", "transform"), edge("transform", "output")},
	}
}

func TestExecute_Linear(t *testing.T) {
	rec := &recorder{}
	x := newExecutor(t, doublingWorkflow(), nil, Options{Telemetry: rec, WorkflowID: "wf"})

	res, err := x.Execute(context.Background(), map[string]any{"x": 2})
	require.NoError(t, err)
	assert.True(t, res.ExecutionResult.Success)
	assert.JSONEq(t, `{"x":4}`, toJSON(t, res.Output.Data))
	assert.Equal(t, 200, res.Output.Metadata["status"])
	assert.Empty(t, res.Logs)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, schema.StateCompleted, x.State())

	assert.Equal(t, 1, rec.count(schema.EventWorkflowStarted))
	assert.Equal(t, 3, rec.count(schema.EventBlockSucceeded))
	assert.Equal(t, 1, rec.count(schema.EventWorkflowCompleted))

	stats := x.Stats()
	assert.Equal(t, 3, stats.Context.BlocksExecuted)
	assert.True(t, stats.Handlers.Sealed)
	assert.Empty(t, stats.ActiveBlockIDs)
}

func TestExecute_UnknownBlockType(t *testing.T) {
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			block("mystery", "bogus", nil),
		},
		Edges: []schema.Edge{edge("start", "mystery")},
	}
	x := newExecutor(t, wf, nil, Options{})

	res, err := x.Execute(context.Background(), nil)
	require.ErrorIs(t, err, schema.ErrNoHandler)
	require.NotNil(t, res)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "mystery", res.Logs[0].BlockID)
	assert.Equal(t, schema.LogLevelError, res.Logs[0].Level)
	assert.False(t, res.ExecutionResult.Success)
	assert.Equal(t, schema.StateFailed, x.State())
}

func TestExecute_CycleFailsBeforeAnyBlock(t *testing.T) {
	rec := &recorder{}
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{block("a", handlers.TypeStarter, nil), block("b", handlers.TypeStarter, nil)},
		Edges:  []schema.Edge{edge("a", "b"), edge("b", "a")},
	}
	x := newExecutor(t, wf, nil, Options{Telemetry: rec})

	_, err := x.Execute(context.Background(), nil)
	require.ErrorIs(t, err, schema.ErrCycleDetected)
	assert.Zero(t, rec.count(schema.EventBlockStarted))
	assert.Equal(t, 1, rec.count(schema.EventWorkflowFailed))
}

func TestExecute_ResetAndRerun(t *testing.T) {
	x := newExecutor(t, doublingWorkflow(), nil, Options{})

	first, err := x.Execute(context.Background(), map[string]any{"x": 2})
	require.NoError(t, err)

	_, err = x.Execute(context.Background(), map[string]any{"x": 2})
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)

	require.NoError(t, x.Reset())
	require.NoError(t, x.Reset())
	assert.Equal(t, schema.StateIdle, x.State())
	assert.Equal(t, 0, x.Stats().Context.BlocksExecuted)

	second, err := x.Execute(context.Background(), map[string]any{"x": 2})
	require.NoError(t, err)
	assert.Equal(t, toJSON(t, first.Output), toJSON(t, second.Output))
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
}

func TestExecutor_RunBookkeeping(t *testing.T) {
	x := newExecutor(t, doublingWorkflow(), nil, Options{})
	stats := x.Stats()
	assert.Zero(t, stats.Runs)
	assert.True(t, stats.LastStartedAt.IsZero())

	before := time.Now().UTC()
	_, err := x.Execute(context.Background(), map[string]any{"x": 2})
	require.NoError(t, err)
	stats = x.Stats()
	assert.Equal(t, 1, stats.Runs)
	assert.False(t, stats.LastStartedAt.Before(before))
	assert.False(t, stats.LastFinishedAt.Before(stats.LastStartedAt))

	// A rejected start leaves the book untouched.
	_, err = x.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, x.Stats().Runs)

	require.NoError(t, x.Reset())
	_, err = x.Execute(context.Background(), "nope")
	require.Error(t, err)
	stats = x.Stats()
	assert.Equal(t, 2, stats.Runs)
	assert.Equal(t, schema.StateFailed, stats.State)
	assert.False(t, stats.LastFinishedAt.IsZero())
}

func TestExecute_ConditionalRouting(t *testing.T) {
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			block("check", handlers.TypeCondition, map[string]any{"expression": "input.amount > 100"}),
			block("big", handlers.TypeOutput, map[string]any{"data": "big"}),
			block("small", handlers.TypeOutput, map[string]any{"data": "small"}),
			block("after_small", handlers.TypeFunction, map[string]any{"expression": "1"}),
		},
		Edges: []schema.Edge{
			edge("start", "check"),
			{Source: "check", Target: "big", SourceHandle: handlers.HandleConditionTrue},
			{Source: "check", Target: "small", SourceHandle: handlers.HandleConditionFalse},
			edge("small", "after_small"),
		},
	}

	for _, tt := range []struct {
		amount  int
		want    string
		skipped int
	}{
		{amount: 500, want: "big", skipped: 2},
		{amount: 5, want: "small", skipped: 1},
	} {
		x := newExecutor(t, wf, nil, Options{})
		res, err := x.Execute(context.Background(), map[string]any{"amount": tt.amount})
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Output.Data)
		assert.Equal(t, tt.skipped, x.Stats().Context.Skipped)
	}
}

func TestExecute_DisabledBlockSkipsDownstream(t *testing.T) {
	off := false
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			{ID: "off", Type: handlers.TypeFunction, Inputs: map[string]any{"expression": "1"}, Enabled: &off},
			block("next", handlers.TypeFunction, map[string]any{"expression": "2"}),
		},
		Edges: []schema.Edge{edge("start", "off"), edge("off", "next")},
	}
	x := newExecutor(t, wf, nil, Options{})

	res, err := x.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, x.Stats().Context.Skipped)
	assert.Equal(t, 1, x.Stats().Context.BlocksExecuted)
	assert.Nil(t, res.Output.Data)
}

func TestExecute_ErrorPolicyContinue(t *testing.T) {
	reg := newRegistry(t, map[string]handlers.Handler{"fail": failHandler("boom")})
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			block("bad", "fail", nil),
			block("after_bad", handlers.TypeFunction, map[string]any{"expression": "1"}),
			block("good", handlers.TypeOutput, map[string]any{"data": "ok"}),
		},
		Edges: []schema.Edge{edge("start", "bad"), edge("bad", "after_bad"), edge("start", "good")},
	}

	var seen []string
	x := newExecutor(t, wf, reg, Options{ErrorPolicy: ErrorPolicyFunc(func(b *schema.SerializedBlock, err error) bool {
		seen = append(seen, b.ID)
		return false
	})})

	res, err := x.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.ExecutionResult.Success)
	assert.Equal(t, "ok", res.Output.Data)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "bad", res.Logs[0].BlockID)
	assert.Equal(t, []string{"bad"}, seen)
	assert.Equal(t, 1, x.Stats().Context.Skipped)
	assert.Equal(t, 1, x.Stats().Context.Errors)
}

func TestExecute_Variables(t *testing.T) {
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("set", handlers.TypeVariables, map[string]any{"assignments": map[string]any{"greeting": "hi ${{ NAME }}"}}),
			block("out", handlers.TypeOutput, map[string]any{"data": "${{ greeting }}"}),
		},
		Edges: []schema.Edge{edge("set", "out")},
	}
	x := newExecutor(t, wf, nil, Options{
		Environment: map[string]string{"NAME": "ada"},
		Variables:   map[string]any{"greeting": "unset"},
	})

	res, err := x.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi ada", res.Output.Data)
	assert.Equal(t, "hi ada", x.Context().Variables["greeting"])
}

func TestExecute_ForLoop(t *testing.T) {
	rec := &recorder{}
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			block("repeat", handlers.TypeLoop, nil),
			block("step", handlers.TypeFunction, map[string]any{"expression": "loop.index * 10"}),
			block("out", handlers.TypeOutput, map[string]any{"data": "${{ repeat.results }}"}),
		},
		Edges: []schema.Edge{
			edge("start", "repeat"),
			{Source: "repeat", Target: "step", SourceHandle: schema.HandleLoopStart},
			{Source: "repeat", Target: "out", SourceHandle: schema.HandleLoopEnd},
		},
		Loops: map[string]schema.LoopConfig{
			"repeat": {ID: "repeat", Nodes: []string{"step"}, LoopType: schema.LoopTypeFor, Iterations: 3, Aggregation: schema.AggregateCollect},
		},
	}
	x := newExecutor(t, wf, nil, Options{Telemetry: rec})

	res, err := x.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"result":0},{"result":10},{"result":20}]`, toJSON(t, res.Output.Data))
	assert.Equal(t, 3, rec.count(schema.EventLoopIterationStarted))
	assert.Equal(t, 1, rec.count(schema.EventLoopCompleted))

	blocks := x.Context().Blocks
	assert.JSONEq(t, `{"result":10}`, toJSON(t, blocks["step[1]"]))
	assert.JSONEq(t, `{"result":20}`, toJSON(t, blocks["step"]))
}

func TestExecute_ForEachLoop(t *testing.T) {
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			block("each", handlers.TypeLoop, nil),
			block("upper", handlers.TypeFunction, map[string]any{"expression": "upper(loop.item)"}),
			block("out", handlers.TypeOutput, map[string]any{"data": "${{ each }}"}),
		},
		Edges: []schema.Edge{edge("start", "each"), edge("each", "out")},
		Loops: map[string]schema.LoopConfig{
			"each": {ID: "each", Nodes: []string{"upper"}, LoopType: schema.LoopTypeForEach, ForEachItems: "${{ input.letters }}"},
		},
	}
	x := newExecutor(t, wf, nil, Options{})

	res, err := x.Execute(context.Background(), map[string]any{"letters": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"iterations": 3,
		"results": [{"result":"A"},{"result":"B"},{"result":"C"}],
		"result": {"result":"C"}
	}`, toJSON(t, res.Output.Data))
}

func TestExecute_LoopBreak(t *testing.T) {
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("repeat", handlers.TypeLoop, nil),
			block("step", handlers.TypeFunction, map[string]any{"expression": "loop.index"}),
			block("stop", handlers.TypeBreak, map[string]any{"condition": "iter.index == 1"}),
			block("never", handlers.TypeFunction, map[string]any{"expression": "0"}),
			block("out", handlers.TypeOutput, map[string]any{"data": "${{ repeat.iterations }}"}),
		},
		Edges: []schema.Edge{edge("step", "stop"), edge("stop", "never"), edge("repeat", "out")},
		Loops: map[string]schema.LoopConfig{
			"repeat": {ID: "repeat", Nodes: []string{"step", "stop", "never"}, Iterations: 10},
		},
	}
	x := newExecutor(t, wf, nil, Options{})

	res, err := x.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output.Data)
	assert.Contains(t, x.Context().Blocks, "never[0]")
	assert.NotContains(t, x.Context().Blocks, "never[1]")
}

func TestExecute_Parallel(t *testing.T) {
	rec := &recorder{}
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			block("fan", handlers.TypeParallel, nil),
			block("square", handlers.TypeFunction, map[string]any{"expression": "parallel.item * parallel.item"}),
			block("out", handlers.TypeOutput, map[string]any{"data": "${{ fan.results }}"}),
		},
		Edges: []schema.Edge{
			edge("start", "fan"),
			{Source: "fan", Target: "square", SourceHandle: schema.HandleParallelStart},
			edge("fan", "out"),
		},
		Parallels: map[string]schema.ParallelConfig{
			"fan": {ID: "fan", Nodes: []string{"square"}, ParallelType: schema.ParallelTypeCollection, Distribution: "${{ input.values }}"},
		},
	}
	x := newExecutor(t, wf, nil, Options{Telemetry: rec, MaxConcurrency: 2})

	res, err := x.Execute(context.Background(), map[string]any{"values": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"result":1},{"result":4},{"result":9}]`, toJSON(t, res.Output.Data))
	assert.Equal(t, 3, rec.count(schema.EventParallelBranchStarted))

	blocks := x.Context().Blocks
	assert.JSONEq(t, `{"result":4}`, toJSON(t, blocks["square[1]"]))
	assert.JSONEq(t, `{"result":9}`, toJSON(t, blocks["square"]))
}

func TestExecute_ParallelBranchFailure(t *testing.T) {
	reg := newRegistry(t, map[string]handlers.Handler{
		"maybe": handlers.HandlerFunc(func(ctx context.Context, req *handlers.Request) (*schema.ExecutionResult, error) {
			if req.Scope.Bindings[expressions.BindingParallel]["index"] == 1 {
				return nil, schema.NewError(schema.ErrCodeHandlerExecution, "branch one failed")
			}
			return handlers.Success("ok"), nil
		}),
	})
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("fan", handlers.TypeParallel, nil),
			block("work", "maybe", nil),
			block("out", handlers.TypeOutput, map[string]any{"data": "done"}),
		},
		Edges: []schema.Edge{edge("fan", "out")},
		Parallels: map[string]schema.ParallelConfig{
			"fan": {ID: "fan", Nodes: []string{"work"}, Count: 3},
		},
	}
	x := newExecutor(t, wf, reg, Options{})

	res, err := x.Execute(context.Background(), nil)
	require.ErrorIs(t, err, schema.ErrHandlerExecution)
	assert.Contains(t, err.Error(), "branch one failed")
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "work", res.Logs[0].BlockID)
	assert.Nil(t, res.Output.Data)
}

func TestExecute_HugeLoopBoundWithBreak(t *testing.T) {
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("repeat", handlers.TypeLoop, nil),
			block("stop", handlers.TypeBreak, nil),
		},
		Loops: map[string]schema.LoopConfig{
			"repeat": {ID: "repeat", Nodes: []string{"stop"}, Iterations: 1 << 50},
		},
	}
	x := newExecutor(t, wf, nil, Options{})

	var (
		res *schema.RunResult
		err error
	)
	require.NotPanics(t, func() { res, err = x.Execute(context.Background(), nil) })
	require.NoError(t, err)
	assert.Equal(t, 1, x.Context().Blocks["repeat"].(map[string]any)["iterations"])
	assert.True(t, res.ExecutionResult.Success)
}

func TestExecute_ParallelBranchLimit(t *testing.T) {
	tests := []struct {
		name string
		cfg  schema.ParallelConfig
	}{
		{"count", schema.ParallelConfig{ID: "fan", Nodes: []string{"work"}, Count: MaxParallelBranches + 1}},
		{"count overflow", schema.ParallelConfig{ID: "fan", Nodes: []string{"work"}, Count: 1 << 50}},
		{"collection", schema.ParallelConfig{
			ID: "fan", Nodes: []string{"work"},
			ParallelType: schema.ParallelTypeCollection, Distribution: "${{ input.values }}",
		}},
	}
	values := make([]any, MaxParallelBranches+1)
	for i := range values {
		values[i] = i
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &schema.SerializedWorkflow{
				Blocks: []schema.SerializedBlock{
					block("fan", handlers.TypeParallel, nil),
					block("work", handlers.TypeFunction, map[string]any{"expression": "1"}),
				},
				Parallels: map[string]schema.ParallelConfig{"fan": tt.cfg},
			}
			x := newExecutor(t, wf, nil, Options{})

			var err error
			require.NotPanics(t, func() {
				_, err = x.Execute(context.Background(), map[string]any{"values": values})
			})
			require.ErrorIs(t, err, &schema.FlowError{Code: schema.ErrCodeValidation})
			assert.Contains(t, err.Error(), "limit is 1024")
			assert.NotContains(t, x.Context().Blocks, "work")
		})
	}
}

func TestExecute_Streaming(t *testing.T) {
	var (
		mu       sync.Mutex
		messages []schema.StreamingExecution
	)
	x := newExecutor(t, doublingWorkflow(), nil, Options{Stream: StreamOptions{
		Enabled:           true,
		SelectedOutputIDs: []string{"transform.x", "output"},
		OnStream: func(m schema.StreamingExecution) {
			mu.Lock()
			messages = append(messages, m)
			mu.Unlock()
		},
	}})

	res, err := x.Execute(context.Background(), map[string]any{"x": 2})
	require.NoError(t, err)

	require.Len(t, messages, 3)
	assert.Equal(t, "transform", messages[0].BlockID)
	assert.JSONEq(t, `4`, toJSON(t, messages[0].Output))
	assert.True(t, messages[0].Partial)
	assert.Equal(t, "output", messages[1].BlockID)
	assert.False(t, messages[2].Partial)
	assert.Equal(t, res.ExecutionID, messages[2].ExecutionID)
	assert.JSONEq(t, `{"x":4}`, toJSON(t, messages[2].Output))
}

func TestExecute_Cancel(t *testing.T) {
	started := make(chan struct{})
	reg := newRegistry(t, map[string]handlers.Handler{
		"wait": handlers.HandlerFunc(func(ctx context.Context, _ *handlers.Request) (*schema.ExecutionResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("wait", "wait", nil),
			block("after", handlers.TypeOutput, map[string]any{"data": 1}),
		},
		Edges: []schema.Edge{edge("wait", "after")},
	}
	rec := &recorder{}
	x := newExecutor(t, wf, reg, Options{Telemetry: rec})

	go func() {
		<-started
		x.Cancel()
	}()

	done := make(chan struct{})
	var (
		res *schema.RunResult
		err error
	)
	go func() {
		res, err = x.Execute(context.Background(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}
	require.ErrorIs(t, err, schema.ErrCancelled)
	assert.Equal(t, schema.StateCancelled, x.State())
	assert.Empty(t, x.Stats().ActiveBlockIDs)
	assert.Nil(t, res.Output.Data)
	assert.Equal(t, 1, rec.count(schema.EventWorkflowCancelled))
}

func TestExecute_ChildWorkflow(t *testing.T) {
	reg := newRegistry(t, nil)
	require.NoError(t, reg.Register(handlers.TypeWorkflow, NewWorkflowHandler(reg, Options{})))

	child := map[string]any{
		"blocks": []any{
			map[string]any{"id": "start", "type": "starter"},
			map[string]any{"id": "inc", "type": "function", "inputs": map[string]any{"expression": "input.x + variables.step"}},
			map[string]any{"id": "out", "type": "output", "inputs": map[string]any{"data": "${{ inc.result }}"}},
		},
		"connections": []any{
			map[string]any{"source": "start", "target": "inc"},
			map[string]any{"source": "inc", "target": "out"},
		},
	}
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("start", handlers.TypeStarter, nil),
			block("sub", handlers.TypeWorkflow, map[string]any{
				"workflow":  child,
				"input":     "${{ start }}",
				"variables": map[string]any{"step": 1},
			}),
			block("out", handlers.TypeOutput, map[string]any{"data": "${{ sub }}"}),
		},
		Edges: []schema.Edge{edge("start", "sub"), edge("sub", "out")},
	}
	x := newExecutor(t, wf, reg, Options{})

	res, err := x.Execute(context.Background(), map[string]any{"x": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `3`, toJSON(t, res.Output.Data))
}

func TestExecute_ChildWorkflowFailure(t *testing.T) {
	reg := newRegistry(t, nil)
	require.NoError(t, reg.Register(handlers.TypeWorkflow, NewWorkflowHandler(reg, Options{})))

	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{
			block("sub", handlers.TypeWorkflow, map[string]any{
				"workflow": `{"blocks":[{"id":"x","type":"bogus"}],"connections":[]}`,
			}),
		},
	}
	x := newExecutor(t, wf, reg, Options{})

	res, err := x.Execute(context.Background(), nil)
	require.ErrorIs(t, err, schema.ErrHandlerExecution)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "sub", res.Logs[0].BlockID)
}

func TestExecute_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	x := newExecutor(t, doublingWorkflow(), nil, Options{Tracer: tp.Tracer("test")})
	_, err := x.Execute(context.Background(), map[string]any{"x": 2})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 4)
	root := spans[3]
	assert.Equal(t, "workflow.execute", root.Name())
	for _, s := range spans[:3] {
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
	}
	assert.Equal(t, "block.transform", spans[1].Name())
}
