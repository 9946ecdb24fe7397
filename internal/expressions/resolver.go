package expressions

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rendis/blockflow/pkg/schema"
)

const (
	tokenOpen  = "${{"
	tokenClose = "}}"
)

// Warning records a reference that could not be resolved. The token is kept
// verbatim in the resolved inputs.
type Warning struct {
	BlockID   string `json:"block_id"`
	Input     string `json:"input"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("block %s input %q: %s", w.BlockID, w.Input, w.Message)
}

// Resolver substitutes ${{ ref }} tokens in block inputs.
//
// A reference is a dotted path. Its head is looked up as a workflow variable,
// then as a block output (by id, including iteration keys like "square[1]"),
// then as an environment value. The reserved heads "loop" and "parallel" read
// the innermost container binding and "input" reads the triggering input
// when no variable or block claims the name.
//
// A string that is exactly one token resolves to the referenced value with its
// type intact; tokens embedded in longer strings are stringified in place.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns a new input map for block with every resolvable reference
// substituted. The block definition is never modified.
func (r *Resolver) Resolve(block *schema.SerializedBlock, scope *Scope) (map[string]any, []Warning) {
	out := make(map[string]any, len(block.Inputs))
	var warnings []Warning

	keys := make([]string, 0, len(block.Inputs))
	for k := range block.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val, ws := r.resolveValue(block.Inputs[key], scope)
		for _, w := range ws {
			w.BlockID = block.ID
			w.Input = key
			warnings = append(warnings, w)
		}
		out[key] = val
	}
	return out, warnings
}

// ResolveValue resolves references inside an arbitrary value.
func (r *Resolver) ResolveValue(v any, scope *Scope) (any, []Warning) {
	return r.resolveValue(v, scope)
}

// Lookup resolves a bare reference path such as "fetch.items" or "loop.item".
func (r *Resolver) Lookup(ref string, scope *Scope) (any, bool) {
	return lookup(strings.TrimSpace(ref), scope)
}

func (r *Resolver) resolveValue(v any, scope *Scope) (any, []Warning) {
	switch val := v.(type) {
	case string:
		return resolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		var warnings []Warning
		for k, item := range val {
			resolved, ws := r.resolveValue(item, scope)
			out[k] = resolved
			warnings = append(warnings, ws...)
		}
		return out, warnings
	case []any:
		out := make([]any, len(val))
		var warnings []Warning
		for i, item := range val {
			resolved, ws := r.resolveValue(item, scope)
			out[i] = resolved
			warnings = append(warnings, ws...)
		}
		return out, warnings
	default:
		return v, nil
	}
}

func resolveString(s string, scope *Scope) (any, []Warning) {
	if !strings.Contains(s, tokenOpen) {
		return s, nil
	}

	// Whole-string reference keeps the value's type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, tokenOpen) && strings.HasSuffix(trimmed, tokenClose) &&
		strings.Count(trimmed, tokenOpen) == 1 {
		ref := strings.TrimSpace(trimmed[len(tokenOpen) : len(trimmed)-len(tokenClose)])
		if val, ok := lookup(ref, scope); ok {
			return DeepCopy(val), nil
		}
		return s, []Warning{unresolved(ref)}
	}

	var b strings.Builder
	b.Grow(len(s))
	var warnings []Warning

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], tokenOpen)
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + len(tokenOpen)

		end := strings.Index(s[start:], tokenClose)
		if end == -1 {
			b.WriteString(s[i+idx:])
			warnings = append(warnings, Warning{
				Reference: s[i+idx:],
				Message:   "unclosed reference token",
			})
			break
		}
		end += start

		ref := strings.TrimSpace(s[start:end])
		if val, ok := lookup(ref, scope); ok {
			b.WriteString(stringify(val))
		} else {
			b.WriteString(s[i+idx : end+len(tokenClose)])
			warnings = append(warnings, unresolved(ref))
		}
		i = end + len(tokenClose)
	}

	return b.String(), warnings
}

func unresolved(ref string) Warning {
	msg := fmt.Sprintf("unresolved reference %q", ref)
	if ref == "" {
		msg = "empty reference"
	}
	return Warning{Reference: ref, Message: msg}
}

func lookup(ref string, scope *Scope) (any, bool) {
	if ref == "" || scope == nil {
		return nil, false
	}
	head, rest := splitHead(ref)

	if head == BindingLoop || head == BindingParallel {
		if b, ok := scope.Binding(head); ok {
			return traverse(b, rest)
		}
	}
	if v, ok := scope.Variable(head); ok {
		return traverse(v, rest)
	}
	if v, ok := scope.Block(head); ok {
		return traverse(v, rest)
	}
	if v, ok := scope.Env[head]; ok && rest == "" {
		return v, true
	}
	if head == "input" && scope.Input != nil {
		return traverse(scope.Input, rest)
	}
	return nil, false
}

// splitHead separates the first path segment. A bracket suffix on the head
// ("square[1]") stays part of it so iteration keys resolve directly.
func splitHead(ref string) (string, string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// traverse walks a dotted path through maps and slices. Numeric segments index slices.
func traverse(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a value for embedding inside a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasReference reports whether s contains a reference token.
func HasReference(s string) bool {
	return strings.Contains(s, tokenOpen)
}
