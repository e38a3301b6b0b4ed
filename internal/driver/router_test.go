package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/pkg/types"
)

type namedRunner string

func (n namedRunner) Run(context.Context, *graph.Step, *runctx.StepContext) (interface{}, error) {
	return string(n), nil
}

func TestRouter_Dispatch(t *testing.T) {
	r := &Router{InProcess: namedRunner("local"), Process: namedRunner("proc")}
	body := graph.BodyFunc(func(context.Context, *runctx.StepContext) (interface{}, error) { return nil, nil })

	tests := []struct {
		name string
		step *graph.Step
		want string
	}{
		{"explicit in-process", &graph.Step{ID: "a", Isolation: types.IsolationInProcess, Body: body}, "local"},
		{"explicit process", &graph.Step{ID: "b", Isolation: types.IsolationProcess, Command: []string{"true"}}, "proc"},
		{"implicit body", &graph.Step{ID: "c", Body: body}, "local"},
		{"implicit command", &graph.Step{ID: "d", Command: []string{"true"}}, "proc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Run(context.Background(), tt.step, runctx.New("r").ForStep(tt.step.ID, 1))
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if out != tt.want {
				t.Errorf("expected %s, got %v", tt.want, out)
			}
		})
	}

	_, err := r.Run(context.Background(), &graph.Step{ID: "k", Isolation: types.IsolationKubernetes}, runctx.New("r").ForStep("k", 1))
	var ie *IsolationError
	if !errors.As(err, &ie) {
		t.Errorf("expected IsolationError for unconfigured runner, got %v", err)
	}
}

func TestInProcess(t *testing.T) {
	r := NewInProcess()
	rc := runctx.New("r")

	step := &graph.Step{ID: "ok", Body: graph.BodyFunc(func(_ context.Context, sc *runctx.StepContext) (interface{}, error) {
		return sc.StepID() + "-done", sc.Set("k", 1)
	})}
	out, err := r.Run(context.Background(), step, rc.ForStep(step.ID, 1))
	if err != nil || out != "ok-done" {
		t.Fatalf("unexpected result %v, %v", out, err)
	}

	panicky := &graph.Step{ID: "panic", Body: graph.BodyFunc(func(context.Context, *runctx.StepContext) (interface{}, error) {
		panic("bad input")
	})}
	_, err = r.Run(context.Background(), panicky, rc.ForStep(panicky.ID, 1))
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Errorf("expected PanicError, got %v", err)
	}

	_, err = r.Run(context.Background(), &graph.Step{ID: "nobody"}, rc.ForStep("nobody", 1))
	if !errors.Is(err, ErrNoBody) {
		t.Errorf("expected ErrNoBody, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil, false) != nil {
		t.Error("expected nil for nil error")
	}
	if k := Classify(errors.New("x"), true).Kind; k != types.ErrorKindTimeout {
		t.Errorf("expected timeout, got %s", k)
	}
	if k := Classify(context.Canceled, false).Kind; k != types.ErrorKindCancelled {
		t.Errorf("expected cancelled, got %s", k)
	}
	if k := Classify(errors.New("x"), false).Kind; k != types.ErrorKindStepExecution {
		t.Errorf("expected step_execution, got %s", k)
	}
}
