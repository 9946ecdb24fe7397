package handlers

import (
	"context"
	"net/http"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// sinkHandler backs the response and output block types. Its normalized
// output becomes the workflow result when it is the last sink to run.
type sinkHandler struct{}

func (h *sinkHandler) Execute(_ context.Context, req *Request) (*schema.ExecutionResult, error) {
	data, ok := req.Input("data")
	if !ok {
		// Without an explicit payload the sink publishes its remaining inputs.
		rest := make(map[string]any, len(req.Inputs))
		for k, v := range req.Inputs {
			if k != "status" && k != "headers" {
				rest[k] = v
			}
		}
		data = rest
	}

	status := intValue(req.Inputs["status"], http.StatusOK)
	headers := map[string]any{}
	if hs, ok := req.Inputs["headers"].(map[string]any); ok {
		headers = hs
	}

	res := Success(map[string]any{
		"data":    data,
		"status":  status,
		"headers": headers,
	})
	res.NormalizedOutput = &schema.NormalizedBlockOutput{
		Data: expressions.DeepCopy(data),
		Metadata: map[string]any{
			"status":  status,
			"headers": headers,
		},
	}
	return res, nil
}

// variablesHandler emits its "assignments" input (or all inputs when absent)
// as workflow variable updates.
type variablesHandler struct{}

func (h *variablesHandler) Execute(_ context.Context, req *Request) (*schema.ExecutionResult, error) {
	assignments, ok := req.Inputs["assignments"].(map[string]any)
	if !ok {
		assignments = req.Inputs
	}
	vars := expressions.DeepCopyMap(assignments)
	if vars == nil {
		vars = map[string]any{}
	}

	res := Success(vars)
	res.Variables = expressions.DeepCopyMap(vars)
	return res, nil
}

func intValue(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
