// Package driver provides the runners that execute step attempts in-process,
// as local subprocesses, or as Kubernetes Jobs.
package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/metrics"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/pkg/types"
)

// Runner executes a single attempt of a step and returns its output.
//
// Runners must honor ctx: when it is done they abort the attempt (external
// processes receive a termination signal) and return ctx.Err() wrapped.
// The scheduler discards the output of cancelled attempts.
type Runner interface {
	Run(ctx context.Context, step *graph.Step, sc *runctx.StepContext) (interface{}, error)
}

// EventEmitter is called by runners to publish step log output.
type EventEmitter interface {
	// EmitEvent sends an event for a run.
	EmitEvent(ctx context.Context, runID string, in *types.EventInput) error
}

// Payload is written as JSON to the stdin of an external step process (or
// passed through TASKFLOW_PAYLOAD for Kubernetes steps).
type Payload struct {
	RunID   string                 `json:"run_id"`
	StepID  string                 `json:"step_id"`
	Attempt int                    `json:"attempt"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Context map[string]interface{} `json:"context"`
}

// NewPayload builds the payload for a step attempt. Only the keys the step
// declares are copied out of the run context.
func NewPayload(step *graph.Step, sc *runctx.StepContext) *Payload {
	ctxValues := map[string]interface{}{}
	if len(step.ContextKeys) > 0 {
		ctxValues = sc.Snapshot(step.ContextKeys...)
	}
	return &Payload{
		RunID:   sc.RunID(),
		StepID:  step.ID,
		Attempt: sc.Attempt(),
		Params:  step.Params,
		Context: ctxValues,
	}
}

// Encode marshals the payload.
func (p *Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// emit sends an event through an optional emitter, logging failures.
func emit(ctx context.Context, emitter EventEmitter, runID, stepID string, eventType types.EventType, data interface{}) {
	if emitter == nil {
		return
	}
	in := &types.EventInput{Type: eventType, StepID: stepID, Data: data}
	metrics.EventsTotal.WithLabelValues(string(eventType)).Inc()
	if err := emitter.EmitEvent(ctx, runID, in); err != nil {
		logger().Error("failed to emit event",
			"run_id", runID,
			"step_id", stepID,
			"event_type", string(eventType),
			"error", err,
		)
	}
}
