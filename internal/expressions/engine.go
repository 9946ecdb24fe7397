package expressions

import "context"

// Engine evaluates expressions against a scope's data map.
// Three implementations: CEL (conditions), GoJQ (transforms), Expr (functions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles the three evaluators so handlers can share compile caches.
type Engines struct {
	CEL  *CELEngine
	JQ   *GoJQEngine
	Expr *ExprEngine
}

// NewEngines constructs all three engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		JQ:   NewGoJQEngine(),
		Expr: NewExprEngine(),
	}, nil
}
