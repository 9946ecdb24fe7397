package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rendis/blockflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowDocumentSchema checks the shape of a serialized workflow document.
// It does not check graph semantics (dangling edges, membership); those are
// trusted on input.
const workflowDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "blockflow://schemas/workflow.json",
  "type": "object",
  "required": ["blocks"],
  "properties": {
    "version": { "type": "string" },
    "blocks": {
      "type": "array",
      "items": { "$ref": "#/$defs/block" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "loops": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/loop" }
    },
    "parallels": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/parallel" }
    }
  },
  "$defs": {
    "block": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "inputs": { "type": "object" },
        "enabled": { "type": "boolean" },
        "parentId": { "type": "string" },
        "position": { "type": "object" },
        "metadata": { "type": "object" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": "string" },
        "targetHandle": { "type": "string" }
      }
    },
    "loop": {
      "type": "object",
      "required": ["nodes"],
      "properties": {
        "nodes": { "type": "array", "items": { "type": "string" } },
        "loopType": { "enum": ["for", "forEach"] },
        "iterations": { "type": "integer", "minimum": 0 },
        "aggregation": { "enum": ["collect", "last"] }
      }
    },
    "parallel": {
      "type": "object",
      "required": ["nodes"],
      "properties": {
        "nodes": { "type": "array", "items": { "type": "string" } },
        "parallelType": { "enum": ["count", "collection"] },
        "count": { "type": "integer", "minimum": 0 }
      }
    }
  }
}`

// JSONSchemaValidator validates workflow documents and handler inputs with
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the compiled input schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow document schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowDocumentSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("blockflow://schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	compiled, err := c.Compile("blockflow://schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded workflow document (maps, slices, scalars).
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}
	if err := v.workflowSchema.Validate(val); err != nil {
		return toFlowError(err)
	}
	return nil
}

// CompileInputSchema checks that inputSchema compiles, caching the result.
func (v *JSONSchemaValidator) CompileInputSchema(inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if _, err := v.getOrCompile(inputSchema); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return nil
}

// ValidateInput validates resolved block inputs against inputSchema.
// An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("blockflow://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which is what the jsonschema library validates against.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
