package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/pkg/types"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultStderrLimit = 64 * 1024
	maxLineSize        = 1024 * 1024
)

// SubprocessConfig holds configuration for the subprocess runner.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables passed to all subprocesses.
	EnvPassthrough map[string]string

	// CWD is the working directory for subprocesses (empty = inherit).
	CWD string

	// GracePeriod is the delay between SIGTERM and SIGKILL on cancellation.
	GracePeriod time.Duration

	// StderrLimit caps the captured stderr tail in bytes.
	StderrLimit int
}

// Subprocess runs steps as separate OS processes. The payload is written to
// stdin as JSON; stdout is read as NDJSON where a {"type":"result"} line
// carries the step output and every other line is forwarded as a log event.
type Subprocess struct {
	emitter EventEmitter
	cfg     SubprocessConfig
}

// NewSubprocess creates a subprocess runner.
func NewSubprocess(emitter EventEmitter, cfg *SubprocessConfig) *Subprocess {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	c := *cfg
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.StderrLimit <= 0 {
		c.StderrLimit = defaultStderrLimit
	}
	return &Subprocess{emitter: emitter, cfg: c}
}

// attempt collects the output of one process run.
type attempt struct {
	mu     sync.Mutex
	result *types.ResultLine
	stderr tailBuffer
}

// Run starts step.Command, feeds it the payload and waits for it to exit.
func (r *Subprocess) Run(ctx context.Context, step *graph.Step, sc *runctx.StepContext) (interface{}, error) {
	if len(step.Command) == 0 {
		return nil, &IsolationError{StepID: step.ID, Err: ErrEmptyCommand}
	}
	payload, err := NewPayload(step, sc).Encode()
	if err != nil {
		return nil, err
	}

	runID := sc.RunID()
	c := exec.CommandContext(ctx, step.Command[0], step.Command[1:]...)
	c.Env = r.env(step, sc)
	if r.cfg.CWD != "" {
		c.Dir = r.cfg.CWD
	}
	c.Stdin = bytes.NewReader(payload)
	setProcessGroup(c)
	c.Cancel = func() error { return terminate(c) }
	c.WaitDelay = r.cfg.GracePeriod

	at := &attempt{stderr: tailBuffer{limit: r.cfg.StderrLimit}}
	stdout := newLineWriter(func(line []byte) { r.handleStdout(ctx, runID, step.ID, line, at) })
	stderr := newLineWriter(func(line []byte) {
		at.mu.Lock()
		at.stderr.WriteLine(line)
		at.mu.Unlock()
		emit(ctx, r.emitter, runID, step.ID, types.EventTypeLog, &types.LogEvent{
			Level:   types.LogLevelError,
			Message: string(line),
		})
	})
	c.Stdout = stdout
	c.Stderr = stderr

	if err := c.Start(); err != nil {
		return nil, &IsolationError{StepID: step.ID, Err: fmt.Errorf("start %s: %w", step.Command[0], err)}
	}
	logger().Debug("step process started",
		"run_id", runID,
		"step_id", step.ID,
		"pid", c.Process.Pid,
	)

	waitErr := c.Wait()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, ctx.Err())
	}

	at.mu.Lock()
	res := at.result
	stderrTail := at.stderr.String()
	at.mu.Unlock()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, &IsolationError{StepID: step.ID, Err: waitErr}
		}
		exitCode = exitErr.ExitCode()
	}

	output, err := decodeOutput(res)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}
	if res != nil && res.Passed != nil && !*res.Passed {
		return nil, &CheckFailedError{StepID: step.ID, ExitCode: exitCode, Report: output, Stderr: stderrTail}
	}
	if exitCode != 0 {
		return nil, &ExitError{StepID: step.ID, Code: exitCode, Stderr: stderrTail}
	}
	return output, nil
}

func (r *Subprocess) env(step *graph.Step, sc *runctx.StepContext) []string {
	merged := os.Environ()
	for k, v := range r.cfg.EnvPassthrough {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range step.Env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return append(merged,
		"TASKFLOW_RUN_ID="+sc.RunID(),
		"TASKFLOW_STEP_ID="+step.ID,
		"TASKFLOW_ATTEMPT="+strconv.Itoa(sc.Attempt()),
	)
}

// handleStdout records result lines and forwards everything else.
func (r *Subprocess) handleStdout(ctx context.Context, runID, stepID string, line []byte, at *attempt) {
	if res, ok := parseResultLine(line); ok {
		at.mu.Lock()
		at.result = res
		at.mu.Unlock()
		return
	}
	forwardLine(ctx, r.emitter, runID, stepID, line, types.LogLevelInfo)
}

// parseResultLine reports whether line is a {"type":"result"} record.
func parseResultLine(line []byte) (*types.ResultLine, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var res types.ResultLine
	if err := json.Unmarshal(trimmed, &res); err != nil || res.Type != types.EventTypeResult {
		return nil, false
	}
	return &res, true
}

// forwardLine emits a non-result line, keeping NDJSON structure when the
// line parses.
func forwardLine(ctx context.Context, emitter EventEmitter, runID, stepID string, line []byte, level types.LogLevel) {
	in, err := types.ParseNDJSON(line)
	if err != nil {
		emit(ctx, emitter, runID, stepID, types.EventTypeLog, &types.LogEvent{Level: level, Message: string(line)})
		return
	}
	emit(ctx, emitter, runID, stepID, in.Type, in.Data)
}

func decodeOutput(res *types.ResultLine) (interface{}, error) {
	if res == nil || len(res.Output) == 0 {
		return nil, nil
	}
	var out interface{}
	if err := json.Unmarshal(res.Output, &out); err != nil {
		return nil, fmt.Errorf("decode result output: %w", err)
	}
	return out, nil
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	buf []byte
	fn  func([]byte)
}

func newLineWriter(fn func([]byte)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.fn(append([]byte(nil), line...))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineSize {
		w.fn(append([]byte(nil), w.buf...))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.fn(append([]byte(nil), w.buf...))
		w.buf = nil
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	data  []byte
}

func (b *tailBuffer) WriteLine(line []byte) {
	b.data = append(b.data, line...)
	b.data = append(b.data, '\n')
	if over := len(b.data) - b.limit; over > 0 {
		b.data = b.data[over:]
	}
}

func (b *tailBuffer) String() string {
	return string(bytes.TrimRight(b.data, "\n"))
}

var _ Runner = (*Subprocess)(nil)
