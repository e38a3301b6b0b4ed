package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/taskflow/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	id          string
	pipeline    string
	steps       []string
	metadata    map[string]string
	status      types.RunStatus
	startedAt   *time.Time
	finishedAt  *time.Time
	error       string
	history     map[string][]types.StepResult
	result      *types.RunResult
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	cancelled   bool
	subscribers map[chan *types.Event]struct{}
	createdAt   time.Time
	updatedAt   time.Time
}

// closeSubscribers must be called with run.mu held.
func (r *memoryRun) closeSubscribers() {
	for ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = make(map[chan *types.Event]struct{})
}

func (r *memoryRun) meta() *types.RunMeta {
	return &types.RunMeta{
		ID:         r.id,
		Pipeline:   r.pipeline,
		Status:     r.status,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Error:      r.error,
		Metadata:   copyStrings(r.metadata),
		CreatedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
	}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) lookup(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, req *CreateRunRequest) (string, error) {
	if req == nil {
		req = &CreateRunRequest{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := req.ID
	if runID == "" {
		runID = generateRunID()
	}
	if _, exists := s.runs[runID]; exists {
		return "", fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	now := time.Now().UTC()

	s.runs[runID] = &memoryRun{
		id:          runID,
		pipeline:    req.Pipeline,
		steps:       append([]string(nil), req.Steps...),
		metadata:    copyStrings(req.Metadata),
		status:      types.RunStatusQueued,
		history:     make(map[string][]types.StepResult),
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}

	return runID, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.meta(), nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()

	return &types.Run{
		ID:         run.id,
		Pipeline:   run.pipeline,
		Status:     run.status,
		Steps:      append([]string(nil), run.steps...),
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Error:      run.error,
		Metadata:   copyStrings(run.metadata),
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.status)
	}

	now := time.Now().UTC()
	run.status = status
	run.updatedAt = now
	if errMsg != "" {
		run.error = errMsg
	}
	if status == types.RunStatusRunning && run.startedAt == nil {
		run.startedAt = &now
	}
	if status.IsTerminal() {
		run.finishedAt = &now
		run.closeSubscribers()
	}
	return nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.status)
	}
	run.cancelled = true
	run.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, runID string, res *types.StepResult) error {
	if res == nil {
		return fmt.Errorf("record attempt: nil result")
	}
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.history[res.StepID] = append(run.history[res.StepID], *res)
	run.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, runID string) (map[string][]types.StepResult, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	out := make(map[string][]types.StepResult, len(run.history))
	for id, h := range run.history {
		out[id] = append([]types.StepResult(nil), h...)
	}
	return out, nil
}

func (s *MemoryStore) SaveResult(ctx context.Context, runID string, res *types.RunResult) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	cp := *res
	run.result = &cp
	run.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetResult(ctx context.Context, runID string) (*types.RunResult, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if run.result == nil {
		return nil, ErrResultNotReady
	}
	cp := *run.result
	return &cp, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	event := &types.Event{
		ID:        strconv.FormatInt(run.nextSeq, 10),
		RunID:     runID,
		Type:      input.Type,
		StepID:    input.StepID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	run.nextSeq++

	// Append to ring buffer
	if run.maxEvents > 0 && int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.updatedAt = event.Timestamp

	// Sends happen under the lock so they cannot race a close.
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	result := make([]*types.Event, 0, len(run.events))
	for _, evt := range run.events {
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq > lastSeq {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	if run.status.IsTerminal() {
		close(ch)
	} else {
		run.subscribers[ch] = struct{}{}
	}
	run.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			run.mu.Lock()
			defer run.mu.Unlock()
			if _, ok := run.subscribers[ch]; ok {
				delete(run.subscribers, ch)
				close(ch)
			}
		})
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return false, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return run.cancelled, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"healthy":    true,
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		run.closeSubscribers()
		run.mu.Unlock()
	}

	return nil
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
