package handlers

import (
	"context"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
	"go.opentelemetry.io/otel/trace"
)

// Handler runs one block type. Implementations should honor ctx cancellation;
// the engine only refuses to start new blocks once a run is cancelled.
type Handler interface {
	Execute(ctx context.Context, req *Request) (*schema.ExecutionResult, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*schema.ExecutionResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req *Request) (*schema.ExecutionResult, error) {
	return f(ctx, req)
}

// Request is everything a handler sees for one block execution.
type Request struct {
	Block *schema.SerializedBlock

	// Inputs are the block inputs after reference resolution.
	Inputs map[string]any

	// Scope is a read-only snapshot of the execution context.
	Scope *expressions.Scope

	// Span is the block's trace span. Handlers may add attributes or start
	// child spans; the engine ends it.
	Span trace.Span
}

// BlockID returns the id of the executing block.
func (r *Request) BlockID() string {
	if r.Block == nil {
		return ""
	}
	return r.Block.ID
}

// Input returns the resolved input key.
func (r *Request) Input(key string) (any, bool) {
	v, ok := r.Inputs[key]
	return v, ok
}

// StringInput returns the resolved input key as a string, or def.
func (r *Request) StringInput(key, def string) string {
	if v, ok := r.Inputs[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Success builds a successful result carrying output.
func Success(output any) *schema.ExecutionResult {
	return &schema.ExecutionResult{Success: true, Output: output}
}
