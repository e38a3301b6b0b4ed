package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyStepID is returned when a step has no id.
var ErrEmptyStepID = errors.New("step id must not be empty")

// ErrUnexpandedGroup is returned when Build receives a task group step.
var ErrUnexpandedGroup = errors.New("task group must be expanded before building the graph")

// CycleError reports a dependency cycle. Path starts and ends on the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// DanglingDependencyError reports an upstream id with no matching step.
type DanglingDependencyError struct {
	StepID  string
	Missing string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.Missing)
}

// DuplicateStepError reports two steps sharing an id.
type DuplicateStepError struct {
	StepID string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step id %q", e.StepID)
}

// IsPlanningError reports whether err is one of the graph validation errors.
func IsPlanningError(err error) bool {
	var (
		ce *CycleError
		de *DanglingDependencyError
		se *DuplicateStepError
	)
	return errors.As(err, &ce) || errors.As(err, &de) || errors.As(err, &se) ||
		errors.Is(err, ErrUnexpandedGroup) || errors.Is(err, ErrEmptyStepID)
}
