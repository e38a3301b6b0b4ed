package driver

import (
	"context"
	"fmt"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/pkg/types"
)

// Router dispatches each step to the runner matching its isolation.
type Router struct {
	InProcess  Runner
	Process    Runner
	Kubernetes Runner
}

// Run selects a runner by isolation. Steps without an explicit isolation run
// in-process when they have a body and as a subprocess otherwise.
func (r *Router) Run(ctx context.Context, step *graph.Step, sc *runctx.StepContext) (interface{}, error) {
	isolation := step.Isolation
	if isolation == "" {
		isolation = types.IsolationInProcess
		if step.Body == nil && len(step.Command) > 0 {
			isolation = types.IsolationProcess
		}
	}

	var runner Runner
	switch isolation {
	case types.IsolationInProcess:
		runner = r.InProcess
	case types.IsolationProcess:
		runner = r.Process
	case types.IsolationKubernetes:
		runner = r.Kubernetes
	default:
		return nil, &IsolationError{StepID: step.ID, Err: fmt.Errorf("unknown isolation %q", isolation)}
	}
	if runner == nil {
		return nil, &IsolationError{StepID: step.ID, Err: fmt.Errorf("no runner configured for isolation %q", isolation)}
	}
	return runner.Run(ctx, step, sc)
}

var _ Runner = (*Router)(nil)
