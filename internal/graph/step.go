// Package graph provides the step model and the validated dependency graph
// executed by the scheduler.
package graph

import (
	"context"
	"math"
	"time"

	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/pkg/types"
)

// Body is the executable part of a step. Execute is synchronous from the
// engine's point of view and returns an opaque output.
type Body interface {
	Execute(ctx context.Context, sc *runctx.StepContext) (interface{}, error)
}

// BodyFunc adapts a function to the Body interface.
type BodyFunc func(ctx context.Context, sc *runctx.StepContext) (interface{}, error)

// Execute calls f(ctx, sc).
func (f BodyFunc) Execute(ctx context.Context, sc *runctx.StepContext) (interface{}, error) {
	return f(ctx, sc)
}

// GroupRef is a composite step that is replaced by a resolved subgraph
// during planning.
type GroupRef struct {
	GroupID    string
	Resolver   string
	Selector   string
	RenderMode string
}

// Step is a single unit of work in a graph.
type Step struct {
	ID       string
	Upstream []string
	Kind     types.StepKind
	Body     Body

	// Group is set only for unexpanded task group steps.
	Group *GroupRef

	// Isolation selects the runner. Process and kubernetes steps execute
	// Command (or Image) outside the engine.
	Isolation   types.Isolation
	Command     []string
	Image       string
	Env         map[string]string
	Params      map[string]interface{}
	ContextKeys []string

	// Retry policy. MaxAttempts < 1 means a single attempt.
	MaxAttempts   int
	Backoff       time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration

	// Timeout bounds a single attempt. Zero means no limit.
	Timeout time.Duration
}

// Attempts returns the effective maximum number of attempts.
func (s *Step) Attempts() int {
	if s.MaxAttempts < 1 {
		return 1
	}
	return s.MaxAttempts
}

// BackoffFor returns the delay before the given retry attempt (2 is the
// first retry). Without a factor the delay is fixed.
func (s *Step) BackoffFor(attempt int) time.Duration {
	if s.Backoff <= 0 {
		return 0
	}
	d := s.Backoff
	if s.BackoffFactor > 1 && attempt > 2 {
		d = time.Duration(float64(s.Backoff) * math.Pow(s.BackoffFactor, float64(attempt-2)))
	}
	if s.MaxBackoff > 0 && d > s.MaxBackoff {
		d = s.MaxBackoff
	}
	return d
}

// IsGroup reports whether the step still needs expansion.
func (s *Step) IsGroup() bool {
	return s.Kind == types.StepKindTaskGroup || s.Group != nil
}

// Clone returns a copy of the step with its slices and maps duplicated.
// Body is shared.
func (s Step) Clone() Step {
	out := s
	out.Upstream = append([]string(nil), s.Upstream...)
	out.Command = append([]string(nil), s.Command...)
	out.ContextKeys = append([]string(nil), s.ContextKeys...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.Params != nil {
		out.Params = make(map[string]interface{}, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.Group != nil {
		g := *s.Group
		out.Group = &g
	}
	return out
}
