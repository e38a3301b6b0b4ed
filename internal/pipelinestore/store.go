// Package pipelinestore provides pipeline definition persistence.
package pipelinestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/flexinfer/taskflow/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrPipelineExists   = errors.New("pipeline already exists")
)

// ListOptions configures list queries.
type ListOptions struct {
	Limit  int
	Offset int
	Tag    string // Filter by tag
}

// Store defines the interface for pipeline persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create saves a new pipeline. Returns ErrPipelineExists if ID is taken.
	Create(ctx context.Context, spec *types.PipelineSpec) (*types.PipelineSpec, error)

	// Get retrieves a pipeline by ID. Returns ErrPipelineNotFound if not found.
	Get(ctx context.Context, id string) (*types.PipelineSpec, error)

	// Update replaces an existing pipeline. Returns ErrPipelineNotFound if not found.
	Update(ctx context.Context, id string, spec *types.PipelineSpec) (*types.PipelineSpec, error)

	// Delete removes a pipeline. Returns ErrPipelineNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns all pipelines matching the options, ordered by ID.
	List(ctx context.Context, opts *ListOptions) ([]*types.PipelineSpec, error)

	// Close releases any resources.
	Close() error
}

// validate checks the fields every stored pipeline needs.
func validate(spec *types.PipelineSpec) error {
	if spec == nil {
		return errors.New("pipeline is required")
	}
	if len(spec.Steps) == 0 {
		return errors.New("pipeline steps are required")
	}
	return nil
}

// clone deep-copies a spec so callers cannot mutate stored state.
func clone(spec *types.PipelineSpec) (*types.PipelineSpec, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	var out types.PipelineSpec
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &out, nil
}

func hasTag(spec *types.PipelineSpec, tag string) bool {
	for _, t := range spec.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// page filters, sorts and slices a list in place.
func page(specs []*types.PipelineSpec, opts *ListOptions) []*types.PipelineSpec {
	if opts == nil {
		opts = &ListOptions{}
	}
	out := specs[:0]
	for _, s := range specs {
		if opts.Tag != "" && !hasTag(s, opts.Tag) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*types.PipelineSpec{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}
