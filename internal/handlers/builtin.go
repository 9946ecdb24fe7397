package handlers

import (
	"github.com/rendis/blockflow/internal/expressions"
)

// Built-in block types.
const (
	TypeStarter   = "starter"
	TypeTransform = "transform"
	TypeFunction  = "function"
	TypeCondition = "condition"
	TypeResponse  = "response"
	TypeOutput    = "output"
	TypeVariables = "variables"
	TypeBreak     = "break"
	TypeAPI       = "api"

	// Container and child-workflow types are executed by the engine itself.
	TypeLoop     = "loop"
	TypeParallel = "parallel"
	TypeWorkflow = "workflow"
)

// Selection handles emitted by the condition block for a single expression.
const (
	HandleConditionTrue  = "condition-true"
	HandleConditionFalse = "condition-false"

	// SelectionNone deactivates every outgoing edge of a routing block.
	SelectionNone = "__none__"
)

type builtin struct {
	blockType   string
	handler     Handler
	description string
	inputSchema string
}

// RegisterBuiltins registers every built-in handler into reg.
func RegisterBuiltins(reg *Registry, engines *expressions.Engines) error {
	all := []builtin{
		{TypeStarter, &starterHandler{}, "Emits the triggering input; optional cron schedule metadata", starterSchema},
		{TypeTransform, &transformHandler{jq: engines.JQ}, "Reshapes data with a jq query", transformSchema},
		{TypeFunction, &functionHandler{expr: engines.Expr}, "Computes a value with an expr expression", functionSchema},
		{TypeCondition, &conditionHandler{cel: engines.CEL}, "Routes to the first branch whose CEL expression holds", conditionSchema},
		{TypeResponse, &sinkHandler{}, "Workflow output sink with status and headers", sinkSchema},
		{TypeOutput, &sinkHandler{}, "Workflow output sink", sinkSchema},
		{TypeVariables, &variablesHandler{}, "Assigns workflow variables", variablesSchema},
		{TypeBreak, &breakHandler{cel: engines.CEL}, "Stops the enclosing loop, optionally when a CEL condition holds", breakSchema},
		{TypeAPI, newAPIHandler(), "Calls an HTTP endpoint and returns the decoded response", apiSchema},
	}

	for _, b := range all {
		opts := []Option{WithDescription(b.description)}
		if b.inputSchema != "" && reg.validator != nil {
			opts = append(opts, WithInputSchema([]byte(b.inputSchema)))
		}
		if err := reg.Register(b.blockType, b.handler, opts...); err != nil {
			return err
		}
	}
	return nil
}

const starterSchema = `{
  "type": "object",
  "properties": {
    "schedule": { "type": "string", "minLength": 1 }
  }
}`

const transformSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 }
  }
}`

const functionSchema = `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": { "type": "string", "minLength": 1 }
  }
}`

const conditionSchema = `{
  "type": "object",
  "properties": {
    "expression": { "type": "string", "minLength": 1 },
    "conditions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["handle"],
        "properties": {
          "handle": { "type": "string", "minLength": 1 },
          "expression": { "type": "string" }
        }
      }
    }
  }
}`

const sinkSchema = `{
  "type": "object",
  "properties": {
    "status": { "type": "integer", "minimum": 100, "maximum": 599 },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } }
  }
}`

const variablesSchema = `{
  "type": "object",
  "properties": {
    "assignments": { "type": "object" }
  }
}`

const breakSchema = `{
  "type": "object",
  "properties": {
    "condition": { "type": "string" }
  }
}`
