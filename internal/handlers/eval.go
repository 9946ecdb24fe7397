package handlers

import (
	"context"
	"fmt"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// --- transform ---

// transformHandler runs a jq query. The query input document is the "data"
// input when present, otherwise the flattened scope.
type transformHandler struct {
	jq *expressions.GoJQEngine
}

func (h *transformHandler) Execute(ctx context.Context, req *Request) (*schema.ExecutionResult, error) {
	query := req.StringInput("query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform requires a non-empty 'query' input").
			WithBlock(req.BlockID())
	}

	var doc any
	if data, ok := req.Input("data"); ok {
		doc = data
	} else {
		doc = req.Scope.Data()
	}

	out, err := h.jq.Query(ctx, query, doc)
	if err != nil {
		return nil, blockErr(err, req)
	}
	return Success(out), nil
}

// --- function ---

// functionHandler evaluates an expr expression with the flattened scope plus
// the block's other inputs (under "params") as its environment.
type functionHandler struct {
	expr *expressions.ExprEngine
}

func (h *functionHandler) Execute(ctx context.Context, req *Request) (*schema.ExecutionResult, error) {
	expression := req.StringInput("expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "function requires a non-empty 'expression' input").
			WithBlock(req.BlockID())
	}

	env := req.Scope.Data()
	params := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		if k != "expression" {
			params[k] = v
		}
	}
	env["params"] = params

	out, err := h.expr.Evaluate(ctx, expression, env)
	if err != nil {
		return nil, blockErr(err, req)
	}
	return Success(map[string]any{"result": out}), nil
}

// --- condition ---

// conditionHandler picks an outgoing handle.
//
// With a single "expression" input it selects condition-true or
// condition-false. With a "conditions" list it selects the handle of the
// first entry whose expression holds; an entry without an expression is the
// else branch.
type conditionHandler struct {
	cel *expressions.CELEngine
}

func (h *conditionHandler) Execute(ctx context.Context, req *Request) (*schema.ExecutionResult, error) {
	data := req.Scope.Data()

	if expression := req.StringInput("expression", ""); expression != "" {
		ok, err := h.cel.EvaluateBool(ctx, expression, data)
		if err != nil {
			return nil, blockErr(err, req)
		}
		selection := HandleConditionFalse
		if ok {
			selection = HandleConditionTrue
		}
		res := Success(map[string]any{"result": ok, "selection": selection})
		res.Selection = selection
		return res, nil
	}

	raw, _ := req.Input("conditions")
	conditions, _ := raw.([]any)
	if len(conditions) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition requires 'expression' or 'conditions'").
			WithBlock(req.BlockID())
	}

	for i, c := range conditions {
		entry, ok := c.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "conditions[%d] is %T, want object", i, c).
				WithBlock(req.BlockID())
		}
		handle, _ := entry["handle"].(string)
		expression, _ := entry["expression"].(string)
		if handle == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "conditions[%d] has no handle", i).
				WithBlock(req.BlockID())
		}

		if expression != "" {
			matched, err := h.cel.EvaluateBool(ctx, expression, data)
			if err != nil {
				return nil, blockErr(err, req)
			}
			if !matched {
				continue
			}
		}

		res := Success(map[string]any{"result": true, "selection": handle, "index": i})
		res.Selection = handle
		return res, nil
	}

	// Nothing matched: no outgoing branch stays active.
	res := Success(map[string]any{"result": false, "selection": ""})
	res.Selection = SelectionNone
	return res, nil
}

// --- break ---

// breakHandler signals the enclosing loop to stop. With a "condition" input
// it only breaks when the CEL expression holds.
type breakHandler struct {
	cel *expressions.CELEngine
}

func (h *breakHandler) Execute(ctx context.Context, req *Request) (*schema.ExecutionResult, error) {
	stop := true
	if condition := req.StringInput("condition", ""); condition != "" {
		ok, err := h.cel.EvaluateBool(ctx, condition, req.Scope.Data())
		if err != nil {
			return nil, blockErr(err, req)
		}
		stop = ok
	}
	res := Success(map[string]any{"break": stop})
	res.Break = stop
	return res, nil
}

// blockErr tags a FlowError with the block id, or wraps a foreign error.
func blockErr(err error, req *Request) error {
	if fe, ok := err.(*schema.FlowError); ok {
		if fe.BlockID == "" {
			fe.BlockID = req.BlockID()
		}
		return fe
	}
	return schema.NewError(schema.ErrCodeHandlerExecution, fmt.Sprintf("%s: %v", req.Block.Type, err)).
		WithBlock(req.BlockID()).
		WithCause(err)
}
