package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/flexinfer/taskflow/pkg/types"
)

// ErrEmptyCommand is returned for external steps without a command.
var ErrEmptyCommand = errors.New("empty command")

// ErrNoBody is returned for in-process steps without a body.
var ErrNoBody = errors.New("step has no body")

// IsolationError means the isolated environment could not be started
// (missing interpreter, unreachable cluster). It is retryable.
type IsolationError struct {
	StepID string
	Err    error
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("step %s: isolation: %v", e.StepID, e.Err)
}

func (e *IsolationError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit of an external step.
type ExitError struct {
	StepID string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("step %s: exit code %d", e.StepID, e.Code)
}

// CheckFailedError reports a check process that ran but whose checks did not
// pass. Report is the process's result output.
type CheckFailedError struct {
	StepID   string
	ExitCode int
	Report   interface{}
	Stderr   string
}

func (e *CheckFailedError) Error() string {
	return fmt.Sprintf("step %s: checks failed", e.StepID)
}

// PanicError wraps a panic raised by an in-process body.
type PanicError struct {
	StepID string
	Value  interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %s: panic: %v", e.StepID, e.Value)
}

// Classify converts a runner error into the serializable step error.
// timedOut is set by the caller when the attempt deadline fired.
func Classify(err error, timedOut bool) *types.StepError {
	if err == nil {
		return nil
	}
	if timedOut {
		return &types.StepError{Kind: types.ErrorKindTimeout, Message: err.Error()}
	}

	var (
		ie *IsolationError
		ee *ExitError
		ce *CheckFailedError
	)
	switch {
	case errors.As(err, &ce):
		code := ce.ExitCode
		return &types.StepError{
			Kind:     types.ErrorKindCheckFailed,
			Message:  ce.Error(),
			ExitCode: &code,
			Stderr:   ce.Stderr,
			Detail:   ce.Report,
		}
	case errors.As(err, &ie):
		return &types.StepError{Kind: types.ErrorKindIsolation, Message: ie.Error()}
	case errors.As(err, &ee):
		code := ee.Code
		return &types.StepError{
			Kind:     types.ErrorKindStepExecution,
			Message:  ee.Error(),
			ExitCode: &code,
			Stderr:   ee.Stderr,
		}
	case errors.Is(err, context.Canceled):
		return &types.StepError{Kind: types.ErrorKindCancelled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &types.StepError{Kind: types.ErrorKindTimeout, Message: err.Error()}
	default:
		return &types.StepError{Kind: types.ErrorKindStepExecution, Message: err.Error()}
	}
}
