package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/taskflow/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Uses Redis Streams for event streaming, hashes for run metadata and a
// list for step attempt history.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
	mu        sync.Mutex
	closed    bool

	// Active stream readers, cancelled on Close.
	subsMu sync.Mutex
	subs   map[*redisSub]struct{}
}

type redisSub struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "runs")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps each run's event stream (approximate trim)
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "runs",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient wraps an existing client without pinging it.
func NewRedisStoreWithClient(client *redis.Client, cfg *RedisConfig) *RedisStore {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runs"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
		subs:      make(map[*redisSub]struct{}),
	}
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string    { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyHistory(runID string) string { return fmt.Sprintf("%s:%s:history", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string  { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string     { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }
func (s *RedisStore) keyResult(runID string) string  { return fmt.Sprintf("%s:%s:result", s.prefix, runID) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyHistory(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	pipe.Expire(ctx, s.keyResult(runID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (s *RedisStore) exists(ctx context.Context, runID string) error {
	n, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, req *CreateRunRequest) (string, error) {
	if req == nil {
		req = &CreateRunRequest{}
	}
	runID := req.ID
	if runID == "" {
		runID = generateRunID()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	stepsJSON, _ := json.Marshal(req.Steps)
	metaJSON, _ := json.Marshal(req.Metadata)

	created, err := s.client.HSetNX(ctx, s.keyMeta(runID), "runId", runID).Result()
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if !created {
		return "", fmt.Errorf("%w: %s", ErrRunExists, runID)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"pipeline":   req.Pipeline,
		"status":     string(types.RunStatusQueued),
		"steps":      string(stepsJSON),
		"metadata":   string(metaJSON),
		"error":      "",
		"startedAt":  "",
		"finishedAt": "",
		"createdAt":  now,
		"updatedAt":  now,
		"cancelled":  "false",
	})
	pipe.Set(ctx, s.keySeq(runID), "0", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	s.setTTL(ctx, runID)
	return runID, nil
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func metaFromHash(runID string, h map[string]string) *types.RunMeta {
	m := &types.RunMeta{
		ID:       runID,
		Pipeline: h["pipeline"],
		Status:   types.RunStatus(h["status"]),
		Error:    h["error"],
	}
	if t, ok := parseTime(h["startedAt"]); ok {
		m.StartedAt = &t
	}
	if t, ok := parseTime(h["finishedAt"]); ok {
		m.FinishedAt = &t
	}
	if t, ok := parseTime(h["createdAt"]); ok {
		m.CreatedAt = t
	}
	if t, ok := parseTime(h["updatedAt"]); ok {
		m.UpdatedAt = t
	}
	if raw := h["metadata"]; raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &m.Metadata)
	}
	return m
}

// GetRunMeta returns lightweight run metadata.
func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	h, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrRunNotFound
	}
	return metaFromHash(runID, h), nil
}

// GetRun returns the full run including its step ids.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	h, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrRunNotFound
	}
	m := metaFromHash(runID, h)
	run := &types.Run{
		ID:         m.ID,
		Pipeline:   m.Pipeline,
		Status:     m.Status,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		Error:      m.Error,
		Metadata:   m.Metadata,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if raw := h["steps"]; raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &run.Steps)
	}
	return run, nil
}

// ListRuns returns all run IDs.
func (s *RedisStore) ListRuns(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:meta", s.prefix)
	var runIDs []string
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan runs: %w", err)
		}

		for _, key := range keys {
			// prefix:runID:meta
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":"), ":meta")
			if id != "" {
				runIDs = append(runIDs, id)
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return runIDs, nil
}

// UpdateRunStatus updates the run's status and timestamps.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	h, err := s.client.HMGet(ctx, s.keyMeta(runID), "status", "startedAt").Result()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	current, _ := h[0].(string)
	if current == "" {
		return ErrRunNotFound
	}
	if types.RunStatus(current).IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, current)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": now,
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if started, _ := h[1].(string); status == types.RunStatusRunning && started == "" {
		fields["startedAt"] = now
	}
	if status.IsTerminal() {
		fields["finishedAt"] = now
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	s.setTTL(ctx, runID)
	return nil
}

// CancelRun flags the run as cancelled.
func (s *RedisStore) CancelRun(ctx context.Context, runID string) error {
	status, err := s.client.HGet(ctx, s.keyMeta(runID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrRunNotFound
		}
		return fmt.Errorf("cancel run: %w", err)
	}
	if types.RunStatus(status).IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, status)
	}

	fields := map[string]interface{}{
		"cancelled": "true",
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// RecordAttempt appends a step result to the run's history list.
func (s *RedisStore) RecordAttempt(ctx context.Context, runID string, res *types.StepResult) error {
	if res == nil {
		return fmt.Errorf("record attempt: nil result")
	}
	if err := s.exists(ctx, runID); err != nil {
		return err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	if err := s.client.RPush(ctx, s.keyHistory(runID), data).Err(); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

// GetHistory returns the attempt history grouped by step.
func (s *RedisStore) GetHistory(ctx context.Context, runID string) (map[string][]types.StepResult, error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, err
	}
	entries, err := s.client.LRange(ctx, s.keyHistory(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	out := make(map[string][]types.StepResult)
	for _, raw := range entries {
		var res types.StepResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("unmarshal step result: %w", err)
		}
		out[res.StepID] = append(out[res.StepID], res)
	}
	return out, nil
}

// SaveResult stores the final run result.
func (s *RedisStore) SaveResult(ctx context.Context, runID string, res *types.RunResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	if err := s.client.Set(ctx, s.keyResult(runID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// GetResult loads the final run result.
func (s *RedisStore) GetResult(ctx context.Context, runID string) (*types.RunResult, error) {
	data, err := s.client.Get(ctx, s.keyResult(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if exErr := s.exists(ctx, runID); exErr != nil {
				return nil, exErr
			}
			return nil, ErrResultNotReady
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	var res types.RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal run result: %w", err)
	}
	return &res, nil
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)

	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		StepID:    input.StepID,
		Timestamp: now,
		Data:      dataBytes,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			"seq":    eventID,
			"ts":     now.Format(time.RFC3339Nano),
			"type":   string(input.Type),
			"data":   string(dataBytes),
			"stepId": input.StepID,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	return event, nil
}

func eventFromEntry(runID string, entry redis.XMessage) *types.Event {
	seqStr, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	timestamp, _ := parseTime(ts)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	stepID, _ := entry.Values["stepId"].(string)

	return &types.Event{
		ID:        seqStr,
		RunID:     runID,
		Type:      types.EventType(eventType),
		StepID:    stepID,
		Timestamp: timestamp,
		Data:      json.RawMessage(data),
	}
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		evt := eventFromEntry(runID, entry)
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq <= lastSeq {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// Subscribe returns a channel fed from the run's Redis Stream. Readers in
// other processes see the same events; the channel closes once the run is
// terminal and the stream has been drained.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, nil, err
	}

	// Start after the current tail so nothing appended from here on is missed.
	lastID := "0-0"
	tail, err := s.client.XRevRangeN(ctx, s.keyEvents(runID), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("xrevrange: %w", err)
	}
	if len(tail) > 0 {
		lastID = tail[0].ID
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSub{cancel: cancel, done: make(chan struct{})}
	ch := make(chan *types.Event, 100)

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		defer close(sub.done)
		defer close(ch)
		s.streamReader(subCtx, runID, lastID, ch)
	}()

	cleanup := func() {
		cancel()
		<-sub.done
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
	}

	return ch, cleanup, nil
}

// streamReader reads from the Redis Stream and pushes to ch until ctx is
// done or the run is terminal.
func (s *RedisStore) streamReader(ctx context.Context, runID, lastID string, ch chan<- *types.Event) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Idle: stop once the run has finished.
				status, _ := s.client.HGet(ctx, s.keyMeta(runID), "status").Result()
				if status == "" || types.RunStatus(status).IsTerminal() {
					return
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				select {
				case ch <- eventFromEntry(runID, entry):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// IsCancelled checks if the run has been cancelled.
func (s *RedisStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	val, err := s.client.HGet(ctx, s.keyMeta(runID), "cancelled").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrRunNotFound
		}
		return false, fmt.Errorf("get cancelled: %w", err)
	}
	return val == "true", nil
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"max_events":   s.maxEvents,
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close stops all stream readers and closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.subsMu.Lock()
	subs := make([]*redisSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}

	return s.client.Close()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
