// Package types provides shared types for the taskflow engine.
package types

import (
	"fmt"
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus is the outcome of a single step attempt. Pending, running and
// retrying are scheduler-internal and only appear in events.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// SkipReason explains why a step was skipped without running.
type SkipReason string

const (
	SkipReasonUpstreamFailed SkipReason = "upstream_failed"
	SkipReasonCancelled      SkipReason = "cancelled"
	SkipReasonAborted        SkipReason = "aborted"
)

// ErrorKind classifies a step failure.
type ErrorKind string

const (
	ErrorKindStepExecution   ErrorKind = "step_execution"
	ErrorKindIsolation       ErrorKind = "isolation"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindCheckFailed     ErrorKind = "check_failed"
	ErrorKindContextConflict ErrorKind = "context_conflict"
	ErrorKindCancelled       ErrorKind = "cancelled"
)

// StepError is the serializable form of a step failure.
type StepError struct {
	Kind     ErrorKind   `json:"kind"`
	Message  string      `json:"message"`
	ExitCode *int        `json:"exit_code,omitempty"`
	Stderr   string      `json:"stderr,omitempty"`
	Detail   interface{} `json:"detail,omitempty"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// StepResult records one attempt of one step. Results are immutable once
// recorded; a step's history holds one entry per attempt in order.
type StepResult struct {
	StepID     string        `json:"step_id"`
	Status     StepStatus    `json:"status"`
	Reason     SkipReason    `json:"reason,omitempty"`
	Output     interface{}   `json:"output,omitempty"`
	Error      *StepError    `json:"error,omitempty"`
	Attempt    int           `json:"attempt"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Ran reports whether the result corresponds to an actual execution.
func (r StepResult) Ran() bool {
	return r.Status == StepStatusSucceeded || r.Status == StepStatusFailed
}

// RunResult is the outcome of executing a whole graph.
type RunResult struct {
	RunID      string                  `json:"run_id"`
	Pipeline   string                  `json:"pipeline,omitempty"`
	Status     RunStatus               `json:"status"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Error      string                  `json:"error,omitempty"`
	History    map[string][]StepResult `json:"history"`
}

// Final returns the last recorded result for a step.
func (r *RunResult) Final(stepID string) (StepResult, bool) {
	h := r.History[stepID]
	if len(h) == 0 {
		return StepResult{}, false
	}
	return h[len(h)-1], true
}

// Attempts returns the number of recorded attempts for a step, skips excluded.
func (r *RunResult) Attempts(stepID string) int {
	n := 0
	for _, res := range r.History[stepID] {
		if res.Ran() {
			n++
		}
	}
	return n
}

// Counts tallies final step statuses.
func (r *RunResult) Counts() map[StepStatus]int {
	out := make(map[StepStatus]int)
	for id := range r.History {
		if res, ok := r.Final(id); ok {
			out[res.Status]++
		}
	}
	return out
}

// DeriveStatus computes the run status from final step results. A run
// succeeds only if no step failed or was skipped.
func (r *RunResult) DeriveStatus(cancelled bool) RunStatus {
	if cancelled {
		return RunStatusCancelled
	}
	for id := range r.History {
		res, ok := r.Final(id)
		if !ok {
			continue
		}
		if res.Status == StepStatusFailed || res.Status == StepStatusSkipped {
			return RunStatusFailed
		}
	}
	return RunStatusSucceeded
}

// Run represents a single execution of a pipeline as tracked by the run store.
type Run struct {
	ID         string            `json:"id"`
	Pipeline   string            `json:"pipeline,omitempty"`
	Status     RunStatus         `json:"status"`
	Steps      []string          `json:"steps,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID         string            `json:"id"`
	Pipeline   string            `json:"pipeline,omitempty"`
	Status     RunStatus         `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
