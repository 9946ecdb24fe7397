package expressions

import (
	"sync"

	"github.com/rendis/blockflow/pkg/schema"
)

// programCache memoizes compiled expressions by source text. Engines share
// one cache across every block and goroutine of a process.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

// get returns the cached program for expression, compiling it on a miss.
// Failed compilations are not cached.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// expressionError reports a failure of engine at stage (parse, compile,
// evaluation) with the offending expression attached as a detail.
func expressionError(engine, stage, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s error in %q: %s", engine, stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}

func emptyExpression(engine string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "empty %s expression", engine)
}
