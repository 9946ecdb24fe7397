package engine

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/pkg/schema"
)

// MaxWorkflowDepth bounds nested child workflow executions.
const MaxWorkflowDepth = 8

type depthKey struct{}

func workflowDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

type workflowHandler struct {
	registry *handlers.Registry
	opts     Options
}

// NewWorkflowHandler returns the handler for the "workflow" block type. It
// runs the inline workflow from the block's "workflow" input as a child
// execution sharing registry and opts. The child inherits the parent's
// environment; its variables come from the "variables" input and its
// triggering input from "input". The block output is the child's final output.
func NewWorkflowHandler(registry *handlers.Registry, opts Options) handlers.Handler {
	opts.ExecutionID = ""
	opts.BlockStates = nil
	opts.Stream = StreamOptions{}
	return &workflowHandler{registry: registry, opts: opts}
}

func (h *workflowHandler) Execute(ctx context.Context, req *handlers.Request) (*schema.ExecutionResult, error) {
	depth := workflowDepth(ctx) + 1
	if depth > MaxWorkflowDepth {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"child workflow nesting exceeds %d levels", MaxWorkflowDepth)
	}

	raw, ok := req.Input("workflow")
	if !ok || raw == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow block requires a \"workflow\" input")
	}
	wf, err := decodeWorkflow(raw)
	if err != nil {
		return nil, err
	}

	opts := h.opts
	opts.IsChildExecution = true
	opts.WorkflowID = req.StringInput("workflowId", req.BlockID())
	if req.Scope != nil {
		opts.Environment = req.Scope.Env
	}
	opts.Variables = nil
	if vars, ok := req.Input("variables"); ok {
		m, isMap := vars.(map[string]any)
		if !isMap {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow \"variables\" input must be an object")
		}
		opts.Variables = m
	}

	child, err := NewExecutor(wf, h.registry, opts)
	if err != nil {
		return nil, err
	}

	input, _ := req.Input("input")
	result, err := child.Execute(context.WithValue(ctx, depthKey{}, depth), input)
	if err != nil {
		if errors.Is(err, schema.ErrCancelled) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeHandlerExecution, "child workflow failed: %v", err).WithCause(err)
	}

	out := handlers.Success(result.Output.Data)
	out.NormalizedOutput = &result.Output
	return out, nil
}

func decodeWorkflow(raw any) (*schema.SerializedWorkflow, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow input is not serializable").WithCause(err)
		}
		data = b
	}

	var wf schema.SerializedWorkflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid child workflow").WithCause(err)
	}
	return &wf, nil
}
