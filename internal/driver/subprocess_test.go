package driver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/pkg/types"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*types.EventInput
}

func (e *recordingEmitter) EmitEvent(_ context.Context, _ string, in *types.EventInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, in)
	return nil
}

func (e *recordingEmitter) messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if le, ok := ev.Data.(*types.LogEvent); ok {
			out = append(out, le.Message)
		}
	}
	return out
}

func shStep(id, script string) *graph.Step {
	return &graph.Step{
		ID:        id,
		Kind:      types.StepKindExternalCheck,
		Isolation: types.IsolationProcess,
		Command:   []string{"/bin/sh", "-c", script},
	}
}

func TestSubprocess_ResultLine(t *testing.T) {
	em := &recordingEmitter{}
	r := NewSubprocess(em, nil)
	step := shStep("check_load", `cat >/dev/null; echo "scanning"; echo '{"type":"result","passed":true,"output":{"rows":3}}'`)

	out, err := r.Run(context.Background(), step, runctx.New("run-1").ForStep(step.ID, 1))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map output, got %T", out)
	}
	if m["rows"].(float64) != 3 {
		t.Errorf("expected rows 3, got %v", m["rows"])
	}

	msgs := em.messages()
	if len(msgs) != 1 || msgs[0] != "scanning" {
		t.Errorf("expected plain stdout to be forwarded as a log, got %v", msgs)
	}
}

func TestSubprocess_PayloadOnStdin(t *testing.T) {
	r := NewSubprocess(nil, nil)
	step := shStep("echo", `payload=$(cat); echo "{\"type\":\"result\",\"output\":$payload}"`)
	step.Params = map[string]interface{}{"scan_name": "check_load", "checks_subpath": "sources"}
	step.ContextKeys = []string{"dataset"}

	rc := runctx.New("run-7", runctx.WithValues(map[string]interface{}{
		"dataset": "retail",
		"secret":  "not for this step",
	}))
	out, err := r.Run(context.Background(), step, rc.ForStep(step.ID, 2))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	p := out.(map[string]interface{})
	if p["run_id"] != "run-7" || p["step_id"] != "echo" || p["attempt"].(float64) != 2 {
		t.Errorf("unexpected payload header %v", p)
	}
	params := p["params"].(map[string]interface{})
	if params["scan_name"] != "check_load" || params["checks_subpath"] != "sources" {
		t.Errorf("unexpected params %v", params)
	}
	ctxValues := p["context"].(map[string]interface{})
	if ctxValues["dataset"] != "retail" {
		t.Errorf("expected declared key in context, got %v", ctxValues)
	}
	if _, leaked := ctxValues["secret"]; leaked {
		t.Error("undeclared context keys must not be sent")
	}
}

func TestSubprocess_Env(t *testing.T) {
	r := NewSubprocess(nil, &SubprocessConfig{EnvPassthrough: map[string]string{"GLOBAL": "g"}})
	step := shStep("env", `echo "{\"type\":\"result\",\"output\":\"$GLOBAL-$LOCAL-$TASKFLOW_STEP_ID-$TASKFLOW_ATTEMPT\"}"`)
	step.Env = map[string]string{"LOCAL": "l"}

	out, err := r.Run(context.Background(), step, runctx.New("r").ForStep(step.ID, 1))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "g-l-env-1" {
		t.Errorf("expected g-l-env-1, got %v", out)
	}
}

func TestSubprocess_Failures(t *testing.T) {
	tests := []struct {
		name  string
		step  *graph.Step
		check func(t *testing.T, err error)
	}{
		{
			name: "non-zero exit captures stderr",
			step: shStep("fail", `echo "boom" >&2; exit 3`),
			check: func(t *testing.T, err error) {
				var ee *ExitError
				if !errors.As(err, &ee) {
					t.Fatalf("expected ExitError, got %v", err)
				}
				if ee.Code != 3 {
					t.Errorf("expected exit code 3, got %d", ee.Code)
				}
				if ee.Stderr != "boom" {
					t.Errorf("expected stderr boom, got %q", ee.Stderr)
				}
				se := Classify(err, false)
				if se.Kind != types.ErrorKindStepExecution || *se.ExitCode != 3 {
					t.Errorf("unexpected classification %+v", se)
				}
			},
		},
		{
			name: "failed checks",
			step: shStep("check", `echo '{"type":"result","passed":false,"output":{"failed":["row_count"]}}'; exit 1`),
			check: func(t *testing.T, err error) {
				var ce *CheckFailedError
				if !errors.As(err, &ce) {
					t.Fatalf("expected CheckFailedError, got %v", err)
				}
				if ce.Report == nil {
					t.Error("expected report to be captured")
				}
				if Classify(err, false).Kind != types.ErrorKindCheckFailed {
					t.Error("expected check_failed classification")
				}
			},
		},
		{
			name: "missing interpreter",
			step: &graph.Step{ID: "soda", Isolation: types.IsolationProcess, Command: []string{"/nonexistent/venv/bin/python", "check.py"}},
			check: func(t *testing.T, err error) {
				var ie *IsolationError
				if !errors.As(err, &ie) {
					t.Fatalf("expected IsolationError, got %v", err)
				}
				if Classify(err, false).Kind != types.ErrorKindIsolation {
					t.Error("expected isolation classification")
				}
			},
		},
		{
			name: "empty command",
			step: &graph.Step{ID: "empty", Isolation: types.IsolationProcess},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrEmptyCommand) {
					t.Errorf("expected ErrEmptyCommand, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewSubprocess(nil, nil)
			_, err := r.Run(context.Background(), tt.step, runctx.New("run").ForStep(tt.step.ID, 1))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			tt.check(t, err)
		})
	}
}

func TestSubprocess_Cancellation(t *testing.T) {
	r := NewSubprocess(nil, &SubprocessConfig{GracePeriod: time.Second})
	step := shStep("slow", `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out, err := r.Run(ctx, step, runctx.New("run").ForStep(step.ID, 1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out != nil {
		t.Errorf("cancelled output must be discarded, got %v", out)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process was not terminated promptly: %v", elapsed)
	}
}

func TestSubprocess_StderrTail(t *testing.T) {
	r := NewSubprocess(nil, &SubprocessConfig{StderrLimit: 8})
	step := shStep("noisy", `echo "first line" >&2; echo "last" >&2; exit 1`)

	_, err := r.Run(context.Background(), step, runctx.New("run").ForStep(step.ID, 1))
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if !strings.HasSuffix(ee.Stderr, "last") || len(ee.Stderr) > 8 {
		t.Errorf("expected bounded tail ending in last, got %q", ee.Stderr)
	}
}
