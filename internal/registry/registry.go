// Package registry provides the operator catalog used to bind pipeline
// steps to executable bodies.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/flexinfer/taskflow/internal/graph"
)

// Common errors returned by Registry implementations.
var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrOperatorExists   = errors.New("operator already exists")
	ErrInvalidParams    = errors.New("invalid operator params")
)

var operatorTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Factory builds a step body from the step's params.
type Factory func(params map[string]interface{}) (graph.Body, error)

// Operator is a registered step body type.
type Operator struct {
	// Type is the name steps use to reference the operator (e.g., "storage.upload")
	Type string `json:"type"`

	// Description provides details about the operator
	Description string `json:"description,omitempty"`

	// Tags describe what the operator touches (storage, warehouse, ...)
	Tags []string `json:"tags,omitempty"`

	// ParamsSchema is an optional JSON Schema for the step params
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`

	// Factory creates the body for one step
	Factory Factory `json:"-"`

	// RegisteredAt is when the operator was added
	RegisteredAt time.Time `json:"registered_at"`
}

// ListOptions configures list queries.
type ListOptions struct {
	// Tags filters operators that have ALL specified tags
	Tags []string

	// Limit is the maximum number of operators to return (0 = no limit)
	Limit int

	// Offset is the number of operators to skip (for pagination)
	Offset int
}

// Registry defines the interface for operator registration and binding.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register adds an operator. Returns ErrOperatorExists if the type is taken.
	Register(ctx context.Context, op *Operator) error

	// Get retrieves an operator by type. Returns ErrOperatorNotFound if not found.
	Get(ctx context.Context, typ string) (*Operator, error)

	// Unregister removes an operator. Returns ErrOperatorNotFound if not found.
	Unregister(ctx context.Context, typ string) error

	// List returns all operators matching the options, ordered by type.
	List(ctx context.Context, opts *ListOptions) ([]*Operator, error)

	// Exists checks if an operator with the given type exists.
	Exists(ctx context.Context, typ string) (bool, error)

	// Bind validates params and builds a body for the operator.
	Bind(ctx context.Context, typ string, params map[string]interface{}) (graph.Body, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if an Operator is valid.
func (o *Operator) Validate() error {
	if o.Type == "" {
		return errors.New("operator type is required")
	}
	if !operatorTypePattern.MatchString(o.Type) {
		return errors.New("operator type must be dotted lower-case words")
	}
	if o.Factory == nil {
		return errors.New("operator factory is required")
	}
	return nil
}
