// Package runctx holds the run-scoped key/value state shared by the steps
// of a single run.
//
// Every key is write-once. A step may rewrite a key it already owns (a retry
// of the same step produces a fresh value), but a write to a key owned by a
// different step, or seeded by the caller, is a ConflictError. The first
// conflict is latched so the executor can abort the run even if the step body
// swallows the returned error.
package runctx

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// OutputPrefix namespaces the keys under which step outputs are published.
const OutputPrefix = "output."

// OutputKey returns the context key holding the output of a step.
func OutputKey(stepID string) string {
	return OutputPrefix + stepID
}

// seedWriter marks values supplied when the run was created.
const seedWriter = ""

// ConflictError is raised when two different writers target the same key.
type ConflictError struct {
	Key           string
	Writer        string
	CurrentWriter string
}

func (e *ConflictError) Error() string {
	owner := e.CurrentWriter
	if owner == seedWriter {
		owner = "run input"
	}
	return fmt.Sprintf("context write conflict: key %q written by %s, already set by %s", e.Key, e.Writer, owner)
}

type entry struct {
	value  interface{}
	writer string
	at     time.Time
}

// RunContext is the shared state of one run. It is safe for concurrent use.
type RunContext struct {
	runID string
	clock func() time.Time

	mu     sync.RWMutex
	values map[string]entry

	conflictOnce sync.Once
	conflict     *ConflictError
	conflicted   chan struct{}
}

// Option configures a RunContext.
type Option func(*RunContext)

// WithClock overrides the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(rc *RunContext) {
		if clock != nil {
			rc.clock = clock
		}
	}
}

// WithValues seeds the context with caller-provided values. Seeded keys
// cannot be overwritten by steps.
func WithValues(values map[string]interface{}) Option {
	return func(rc *RunContext) {
		for k, v := range values {
			rc.values[k] = entry{value: v, writer: seedWriter, at: rc.clock()}
		}
	}
}

// New creates an empty RunContext for the given run.
func New(runID string, opts ...Option) *RunContext {
	rc := &RunContext{
		runID:      runID,
		clock:      time.Now,
		values:     make(map[string]entry),
		conflicted: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// RunID returns the id of the run this context belongs to.
func (rc *RunContext) RunID() string { return rc.runID }

// Now returns the current time from the context clock.
func (rc *RunContext) Now() time.Time { return rc.clock() }

// Get returns the value stored under key.
func (rc *RunContext) Get(key string) (interface{}, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.values[key]
	return e.value, ok
}

// Writer returns the step that wrote key, or "" for seeded values.
func (rc *RunContext) Writer(key string) (string, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.values[key]
	return e.writer, ok
}

// Keys returns all keys in sorted order.
func (rc *RunContext) Keys() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	keys := make([]string, 0, len(rc.values))
	for k := range rc.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the requested keys. With no keys it copies everything.
// Missing keys are omitted.
func (rc *RunContext) Snapshot(keys ...string) map[string]interface{} {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]interface{})
	if len(keys) == 0 {
		for k, e := range rc.values {
			out[k] = e.value
		}
		return out
	}
	for _, k := range keys {
		if e, ok := rc.values[k]; ok {
			out[k] = e.value
		}
	}
	return out
}

// set writes key on behalf of writer, enforcing write-once ownership.
func (rc *RunContext) set(writer, key string, value interface{}) error {
	rc.mu.Lock()
	cur, exists := rc.values[key]
	if exists && cur.writer != writer {
		rc.mu.Unlock()
		err := &ConflictError{Key: key, Writer: writer, CurrentWriter: cur.writer}
		rc.conflictOnce.Do(func() {
			rc.conflict = err
			close(rc.conflicted)
		})
		return err
	}
	rc.values[key] = entry{value: value, writer: writer, at: rc.clock()}
	rc.mu.Unlock()
	return nil
}

// Conflicted is closed when the first write conflict is detected.
func (rc *RunContext) Conflicted() <-chan struct{} {
	return rc.conflicted
}

// Conflict returns the first detected write conflict, if any.
func (rc *RunContext) Conflict() *ConflictError {
	select {
	case <-rc.conflicted:
		return rc.conflict
	default:
		return nil
	}
}

// ForStep returns the view of the context handed to one step attempt.
func (rc *RunContext) ForStep(stepID string, attempt int) *StepContext {
	return &StepContext{rc: rc, stepID: stepID, attempt: attempt}
}

// StepContext is a RunContext view bound to a single step attempt. Writes are
// attributed to the step.
type StepContext struct {
	rc      *RunContext
	stepID  string
	attempt int
}

func (sc *StepContext) RunID() string  { return sc.rc.runID }
func (sc *StepContext) StepID() string { return sc.stepID }
func (sc *StepContext) Attempt() int   { return sc.attempt }

// Now returns the current time from the run clock.
func (sc *StepContext) Now() time.Time { return sc.rc.clock() }

// Get reads a value from the run context.
func (sc *StepContext) Get(key string) (interface{}, bool) {
	return sc.rc.Get(key)
}

// Set writes a value owned by this step.
func (sc *StepContext) Set(key string, value interface{}) error {
	return sc.rc.set(sc.stepID, key, value)
}

// Snapshot copies the requested keys from the run context.
func (sc *StepContext) Snapshot(keys ...string) map[string]interface{} {
	return sc.rc.Snapshot(keys...)
}

// Output returns the published output of another step.
func (sc *StepContext) Output(stepID string) (interface{}, bool) {
	return sc.rc.Get(OutputKey(stepID))
}

// Run returns the underlying run context.
func (sc *StepContext) Run() *RunContext { return sc.rc }
