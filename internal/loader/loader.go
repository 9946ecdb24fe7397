// Package loader reads workflow documents from JSON or YAML.
package loader

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rendis/blockflow/internal/validation"
	"github.com/rendis/blockflow/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Format is a workflow document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Loader decodes and shape-checks workflow documents.
type Loader struct {
	validator *validation.JSONSchemaValidator
}

// New creates a Loader. validator may be nil to skip document validation.
func New(validator *validation.JSONSchemaValidator) *Loader {
	return &Loader{validator: validator}
}

// LoadFile reads the workflow at path. The format follows the extension;
// anything other than .yaml or .yml is read as JSON.
func (l *Loader) LoadFile(path string) (*schema.SerializedWorkflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow %s", path).WithCause(err)
	}
	return l.Parse(data, FormatOf(path))
}

// Parse decodes data in format, validates the document shape and returns the workflow.
func (l *Loader) Parse(data []byte, format Format) (*schema.SerializedWorkflow, error) {
	doc, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	if l.validator != nil {
		if err := l.validator.ValidateDocument(doc); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "re-encode workflow document").WithCause(err)
	}
	var wf schema.SerializedWorkflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow").WithCause(err)
	}
	return &wf, nil
}

// Decode parses data into generic JSON values (maps, slices, scalars).
func Decode(data []byte, format Format) (any, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML").WithCause(err)
		}
		doc = normalizeYAML(doc)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid JSON").WithCause(err)
		}
		doc = normalizeNumbers(doc)
	}
	return doc, nil
}

// FormatOf picks the format from a file name.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// normalizeYAML converts map[any]any nodes (non-string keys) into map[string]any.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeYAML(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[toString(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}

// normalizeNumbers turns json.Number into int when integral, float64 otherwise.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}
