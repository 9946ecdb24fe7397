package expressions

import "maps"

// Binding names reserved for container iteration state.
const (
	BindingLoop     = "loop"
	BindingParallel = "parallel"
)

// Scope is a read-only snapshot of execution state used for reference
// resolution and expression evaluation. Producers hand out copies, so a
// Scope may be read from any goroutine.
type Scope struct {
	WorkflowID       string
	ExecutionID      string
	IsChildExecution bool

	Input     any
	Blocks    map[string]any
	Variables map[string]any
	Env       map[string]string

	// Bindings holds the innermost loop and parallel bindings (index, item, items).
	Bindings map[string]map[string]any
}

// Block returns the recorded output of blockID.
func (s *Scope) Block(blockID string) (any, bool) {
	if s == nil || s.Blocks == nil {
		return nil, false
	}
	v, ok := s.Blocks[blockID]
	return v, ok
}

// Variable returns the workflow variable name.
func (s *Scope) Variable(name string) (any, bool) {
	if s == nil || s.Variables == nil {
		return nil, false
	}
	v, ok := s.Variables[name]
	return v, ok
}

// Binding returns the container binding map for name ("loop" or "parallel").
func (s *Scope) Binding(name string) (map[string]any, bool) {
	if s == nil || s.Bindings == nil {
		return nil, false
	}
	b, ok := s.Bindings[name]
	return b, ok
}

// Data flattens the scope into the variable map consumed by the engines.
func (s *Scope) Data() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	env := make(map[string]any, len(s.Env))
	for k, v := range s.Env {
		env[k] = v
	}
	data := map[string]any{
		"blocks":    orEmpty(s.Blocks),
		"variables": orEmpty(s.Variables),
		"env":       env,
		"input":     s.Input,
		"workflow": map[string]any{
			"workflow_id":  s.WorkflowID,
			"execution_id": s.ExecutionID,
			"is_child":     s.IsChildExecution,
		},
	}
	for name, b := range s.Bindings {
		data[name] = maps.Clone(b)
	}
	return data
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// DeepCopy returns an independent copy of JSON-like values (maps, slices, scalars).
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = DeepCopy(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = DeepCopy(v)
		}
		return out
	default:
		return v
	}
}

// DeepCopyMap is DeepCopy for a map, preserving nil.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return DeepCopy(m).(map[string]any)
}
