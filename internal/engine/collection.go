package engine

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// collectionEvaluator turns a container's declared collection into items.
type collectionEvaluator struct {
	resolver *expressions.Resolver
	cel      *expressions.CELEngine
}

// Items accepts a slice, a map (yielding {key, value} entries in key order),
// a ${{ ref }} string, a JSON array or object string, or a CEL expression
// evaluated against the scope.
func (c *collectionEvaluator) Items(ctx context.Context, containerID string, raw any, scope *expressions.Scope) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return []any{}, nil
	case string:
		return c.fromString(ctx, containerID, v, scope)
	default:
		items, ok := toItems(v)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"container %s collection has unsupported type %T", containerID, raw).WithBlock(containerID)
		}
		return items, nil
	}
}

func (c *collectionEvaluator) fromString(ctx context.Context, containerID, s string, scope *expressions.Scope) ([]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []any{}, nil
	}

	if expressions.HasReference(s) {
		resolved, warnings := c.resolver.ResolveValue(s, scope)
		if len(warnings) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"container %s collection: %s", containerID, warnings[0].Message).WithBlock(containerID)
		}
		if str, isStr := resolved.(string); isStr {
			return c.fromString(ctx, containerID, str, scope)
		}
		return c.Items(ctx, containerID, resolved, scope)
	}

	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return c.Items(ctx, containerID, decoded, scope)
		}
	}

	out, err := c.cel.Evaluate(ctx, s, scope.Data())
	if err != nil {
		return nil, withBlock(err, containerID)
	}
	items, ok := toItems(out)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"container %s collection expression returned %T, want list or map", containerID, out).WithBlock(containerID)
	}
	return items, nil
}

func toItems(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return expressions.DeepCopy(val).([]any), true
	case map[string]any:
		items := make([]any, 0, len(val))
		for _, k := range sortedKeys(val) {
			items = append(items, map[string]any{"key": k, "value": expressions.DeepCopy(val[k])})
		}
		return items, true
	case []string:
		return anySlice(val), true
	case []int:
		return anySlice(val), true
	case []float64:
		return anySlice(val), true
	case []map[string]any:
		return anySlice(val), true
	default:
		return nil, false
	}
}

func anySlice[T any](s []T) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
