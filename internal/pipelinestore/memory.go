package pipelinestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/taskflow/pkg/types"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*types.PipelineSpec
}

// NewMemoryStore creates a new in-memory pipeline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*types.PipelineSpec),
	}
}

// Create saves a new pipeline.
func (s *MemoryStore) Create(ctx context.Context, spec *types.PipelineSpec) (*types.PipelineSpec, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}
	stored, err := clone(spec)
	if err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[stored.ID]; exists {
		return nil, ErrPipelineExists
	}

	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.pipelines[stored.ID] = stored
	return clone(stored)
}

// Get retrieves a pipeline by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.PipelineSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	return clone(spec)
}

// Update replaces an existing pipeline, keeping its ID and creation time.
func (s *MemoryStore) Update(ctx context.Context, id string, spec *types.PipelineSpec) (*types.PipelineSpec, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}
	updated, err := clone(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	updated.ID = id
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.pipelines[id] = updated
	return clone(updated)
}

// Delete removes a pipeline.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return ErrPipelineNotFound
	}
	delete(s.pipelines, id)
	return nil
}

// List returns all pipelines matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*types.PipelineSpec, error) {
	s.mu.RLock()
	specs := make([]*types.PipelineSpec, 0, len(s.pipelines))
	for _, spec := range s.pipelines {
		cp, err := clone(spec)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		specs = append(specs, cp)
	}
	s.mu.RUnlock()

	return page(specs, opts), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
