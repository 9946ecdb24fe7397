package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates function block expressions with expr-lang/expr:
// arithmetic, array helpers (filter, map, sum), nil coalescing and pipes.
// Undefined names evaluate to nil so optional scope keys can be coalesced.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of data as top-level names.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prg, err := e.cache.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, expressionError(e.Name(), "evaluation", expression, err)
	}
	return out, nil
}

// compileExpr compiles against an untyped map env so one program serves
// every scope shape.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, expressionError("expr", "compile", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
