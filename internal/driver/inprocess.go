package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/runctx"
)

func logger() *slog.Logger {
	return slog.Default().With(slog.String("component", "driver"))
}

// InProcess runs step bodies in the engine's own process.
type InProcess struct{}

// NewInProcess creates an in-process runner.
func NewInProcess() *InProcess {
	return &InProcess{}
}

// Run executes step.Body. A panicking body is reported as a PanicError.
func (r *InProcess) Run(ctx context.Context, step *graph.Step, sc *runctx.StepContext) (out interface{}, err error) {
	if step.Body == nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, ErrNoBody)
	}
	defer func() {
		if v := recover(); v != nil {
			out, err = nil, &PanicError{StepID: step.ID, Value: v}
		}
	}()
	return step.Body.Execute(ctx, sc)
}

var _ Runner = (*InProcess)(nil)
