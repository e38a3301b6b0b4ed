package pipelinestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/taskflow/pkg/types"
)

const (
	pipelineKeyPrefix = "pipeline:"
	pipelineListKey   = "pipelines"
)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed pipeline store.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) pipelineKey(id string) string {
	return pipelineKeyPrefix + id
}

func (s *RedisStore) save(ctx context.Context, spec *types.PipelineSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.pipelineKey(spec.ID), data, 0)
	pipe.SAdd(ctx, pipelineListKey, spec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save pipeline: %w", err)
	}
	return nil
}

// Create saves a new pipeline.
func (s *RedisStore) Create(ctx context.Context, spec *types.PipelineSpec) (*types.PipelineSpec, error) {
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

	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	// SETNX keeps concurrent creates with the same ID from overwriting.
	created, err := s.client.SetNX(ctx, s.pipelineKey(stored.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("save pipeline: %w", err)
	}
	if !created {
		return nil, ErrPipelineExists
	}
	if err := s.client.SAdd(ctx, pipelineListKey, stored.ID).Err(); err != nil {
		return nil, fmt.Errorf("index pipeline: %w", err)
	}
	return stored, nil
}

// Get retrieves a pipeline by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.PipelineSpec, error) {
	data, err := s.client.Get(ctx, s.pipelineKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	var spec types.PipelineSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &spec, nil
}

// Update replaces an existing pipeline.
func (s *RedisStore) Update(ctx context.Context, id string, spec *types.PipelineSpec) (*types.PipelineSpec, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := clone(spec)
	if err != nil {
		return nil, err
	}
	updated.ID = id
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	if err := s.save(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a pipeline.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.pipelineKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrPipelineNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.pipelineKey(id))
	pipe.SRem(ctx, pipelineListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	return nil
}

// List returns all pipelines matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*types.PipelineSpec, error) {
	ids, err := s.client.SMembers(ctx, pipelineListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pipeline ids: %w", err)
	}

	specs := make([]*types.PipelineSpec, 0, len(ids))
	for _, id := range ids {
		spec, err := s.Get(ctx, id)
		if errors.Is(err, ErrPipelineNotFound) {
			// Stale reference, clean up
			s.client.SRem(ctx, pipelineListKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return page(specs, opts), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
