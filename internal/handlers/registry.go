package handlers

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/blockflow/internal/validation"
	"github.com/rendis/blockflow/pkg/schema"
)

// Info describes a registered block type.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	HasSchema   bool   `json:"has_schema"`
}

// Stats reports registry usage.
type Stats struct {
	Registered int      `json:"registered"`
	Types      []string `json:"types"`
	Lookups    int64    `json:"lookups"`
	Misses     int64    `json:"misses"`
	Sealed     bool     `json:"sealed"`
}

// Option configures a registration.
type Option func(*entry)

// WithDescription sets the human-readable description reported by List.
func WithDescription(desc string) Option {
	return func(e *entry) { e.description = desc }
}

// WithInputSchema attaches a JSON Schema that resolved inputs must satisfy.
func WithInputSchema(inputSchema []byte) Option {
	return func(e *entry) { e.inputSchema = inputSchema }
}

type entry struct {
	handler     Handler
	description string
	inputSchema []byte
}

// Registry maps block types to handlers. It is filled before the Executor is
// built and sealed afterwards; lookups are safe from concurrent branches.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*entry
	sealed   bool

	validator *validation.JSONSchemaValidator

	lookups atomic.Int64
	misses  atomic.Int64
}

// NewRegistry creates an empty Registry. validator may be nil, in which case
// input schemas are not accepted.
func NewRegistry(validator *validation.JSONSchemaValidator) *Registry {
	return &Registry{
		handlers:  make(map[string]*entry),
		validator: validator,
	}
}

// Register binds blockType to h. Duplicate types and registration after Seal fail.
func (r *Registry) Register(blockType string, h Handler, opts ...Option) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	if blockType == "" {
		return schema.NewError(schema.ErrCodeValidation, "block type is empty")
	}

	e := &entry{handler: h}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.inputSchema) > 0 {
		if r.validator == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"handler %q declares an input schema but the registry has no validator", blockType)
		}
		if err := r.validator.CompileInputSchema(e.inputSchema); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return schema.NewErrorf(schema.ErrCodeConflict, "registry is sealed; cannot register %q", blockType)
	}
	if _, exists := r.handlers[blockType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", blockType)
	}

	r.handlers[blockType] = e
	return nil
}

// Resolve returns the handler for blockType or a NO_HANDLER error.
func (r *Registry) Resolve(blockType string) (Handler, error) {
	r.lookups.Add(1)

	r.mu.RLock()
	e, ok := r.handlers[blockType]
	r.mu.RUnlock()

	if !ok {
		r.misses.Add(1)
		return nil, schema.NewErrorf(schema.ErrCodeNoHandler, "no handler for block type %q", blockType).
			WithDetails(map[string]any{"type": blockType})
	}
	return e.handler, nil
}

// ValidateInputs checks resolved inputs against the schema registered for
// blockType. Types without a schema accept any input.
func (r *Registry) ValidateInputs(blockType string, inputs map[string]any) error {
	r.mu.RLock()
	e, ok := r.handlers[blockType]
	r.mu.RUnlock()

	if !ok || len(e.inputSchema) == 0 || r.validator == nil {
		return nil
	}
	return r.validator.ValidateInput(inputs, e.inputSchema)
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Has checks if blockType is registered.
func (r *Registry) Has(blockType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[blockType]
	return ok
}

// Count returns the number of registered types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// List returns registered types sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.handlers))
	for t, e := range r.handlers {
		infos = append(infos, Info{
			Type:        t,
			Description: e.description,
			HasSchema:   len(e.inputSchema) > 0,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Stats returns a snapshot of registry usage.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sealed := r.sealed
	r.mu.RUnlock()

	sort.Strings(types)
	return Stats{
		Registered: len(types),
		Types:      types,
		Lookups:    r.lookups.Load(),
		Misses:     r.misses.Load(),
		Sealed:     sealed,
	}
}
