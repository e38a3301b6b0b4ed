package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/validator"
)

type entry struct {
	op     Operator
	schema *validator.Schema
}

// MemoryRegistry implements Registry using in-memory storage.
type MemoryRegistry struct {
	mu  sync.RWMutex
	ops map[string]*entry
}

// NewMemoryRegistry creates a new, empty operator registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		ops: make(map[string]*entry),
	}
}

// Register adds an operator, compiling its params schema if present.
func (r *MemoryRegistry) Register(ctx context.Context, op *Operator) error {
	if op == nil {
		return fmt.Errorf("operator is required")
	}
	if err := op.Validate(); err != nil {
		return err
	}

	e := &entry{op: *op}
	if len(op.ParamsSchema) > 0 {
		schema, err := validator.Compile(op.Type+".params.json", op.ParamsSchema)
		if err != nil {
			return fmt.Errorf("compile params schema for %s: %w", op.Type, err)
		}
		e.schema = schema
	}
	e.op.Tags = append([]string(nil), op.Tags...)
	e.op.RegisteredAt = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[op.Type]; exists {
		return ErrOperatorExists
	}
	r.ops[op.Type] = e
	return nil
}

// Get retrieves an operator by type.
func (r *MemoryRegistry) Get(ctx context.Context, typ string) (*Operator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.ops[typ]
	if !ok {
		return nil, ErrOperatorNotFound
	}

	// Return a copy to prevent external mutation
	op := e.op
	return &op, nil
}

// Unregister removes an operator.
func (r *MemoryRegistry) Unregister(ctx context.Context, typ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[typ]; !ok {
		return ErrOperatorNotFound
	}
	delete(r.ops, typ)
	return nil
}

// List returns all operators matching the options.
func (r *MemoryRegistry) List(ctx context.Context, opts *ListOptions) ([]*Operator, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	r.mu.RLock()
	ops := make([]*Operator, 0, len(r.ops))
	for _, e := range r.ops {
		if len(opts.Tags) > 0 && !hasAllTags(e.op.Tags, opts.Tags) {
			continue
		}
		op := e.op
		ops = append(ops, &op)
	}
	r.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].Type < ops[j].Type })

	// Apply offset and limit
	if opts.Offset > 0 {
		if opts.Offset >= len(ops) {
			return []*Operator{}, nil
		}
		ops = ops[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(ops) {
		ops = ops[:opts.Limit]
	}

	return ops, nil
}

// Exists checks if an operator with the given type exists.
func (r *MemoryRegistry) Exists(ctx context.Context, typ string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.ops[typ]
	return ok, nil
}

// Bind validates params against the operator's schema and builds a body.
func (r *MemoryRegistry) Bind(ctx context.Context, typ string, params map[string]interface{}) (graph.Body, error) {
	r.mu.RLock()
	e, ok := r.ops[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperatorNotFound, typ)
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if e.schema != nil {
		if err := e.schema.Validate(params).Err(); err != nil {
			return nil, fmt.Errorf("%w for %s: %v", ErrInvalidParams, typ, err)
		}
	}

	body, err := e.op.Factory(params)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidParams, typ, err)
	}
	return body, nil
}

// Close is a no-op for the memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}

// hasAllTags checks if have contains all of want.
func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

var _ Registry = (*MemoryRegistry)(nil)
