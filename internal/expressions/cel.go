package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/rendis/blockflow/pkg/schema"
)

// CELEngine evaluates condition branches, break conditions and container
// collection expressions with Google's Common Expression Language.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose top-level variables mirror Scope.Data:
//   - blocks:    map(string, dyn) block outputs keyed by block ID
//   - variables: map(string, dyn) workflow variables
//   - env:       map(string, dyn) environment values
//   - workflow:  map(string, dyn) workflow_id, execution_id, is_child
//   - iter:      map(string, dyn) the active loop binding ("loop" in Scope.Data;
//     loop is a reserved word in CEL)
//   - parallel:  map(string, dyn) the active parallel binding
//   - input:     dyn
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("blocks", mapType),
		cel.Variable("variables", mapType),
		cel.Variable("env", mapType),
		cel.Variable("workflow", mapType),
		cel.Variable(CELLoopVar, mapType),
		cel.Variable("parallel", mapType),
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: newProgramCache[cel.Program](),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or reuses) expression and runs it against data.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(celActivation(data))
	if err != nil {
		return nil, expressionError("CEL", "evaluation", expression, err)
	}
	return nativeValue(out), nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL expression %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, expressionError("CEL", "compile", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, expressionError("CEL", "program", expression, err)
	}
	return prg, nil
}

// CELLoopVar is the CEL name of the loop binding.
const CELLoopVar = "iter"

// celMapVars maps CEL variable names to their Scope.Data keys.
var celMapVars = map[string]string{
	"blocks":    "blocks",
	"variables": "variables",
	"env":       "env",
	"workflow":  "workflow",
	CELLoopVar:  BindingLoop,
	"parallel":  BindingParallel,
}

// celActivation fills missing map variables with empty maps so lookups fail
// with "no such key" instead of an unbound-variable error.
func celActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celMapVars)+1)
	for name, key := range celMapVars {
		if v, ok := data[key]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = map[string]any{}
		}
	}
	activation["input"] = data["input"]
	return activation
}

// nativeValue converts CEL lists and maps (including literals, which hold
// ref.Val elements) into []any and map[string]any.
func nativeValue(v ref.Val) any {
	switch val := v.(type) {
	case types.Null:
		return nil
	case traits.Mapper:
		out := make(map[string]any)
		for it := val.Iterator(); it.HasNext() == types.True; {
			k := it.Next()
			out[fmt.Sprint(k.Value())] = nativeValue(val.Get(k))
		}
		return out
	case traits.Lister:
		var out []any
		for it := val.Iterator(); it.HasNext() == types.True; {
			out = append(out, nativeValue(it.Next()))
		}
		if out == nil {
			out = []any{}
		}
		return out
	default:
		return v.Value()
	}
}

var _ Engine = (*CELEngine)(nil)
