// Package runstore provides run state persistence and event streaming.
package runstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/flexinfer/taskflow/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunExists      = errors.New("run already exists")
	ErrRunFinished    = errors.New("run already finished")
	ErrResultNotReady = errors.New("run result not available")
)

// CreateRunRequest describes a run to register before execution starts.
type CreateRunRequest struct {
	// ID is used as the run id when set; otherwise one is generated.
	ID       string
	Pipeline string
	Steps    []string
	Metadata map[string]string
}

// RunStore defines the interface for run state persistence and event streaming.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, req *CreateRunRequest) (string, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context) ([]string, error)

	// UpdateRunStatus records a status transition. Moving to running stamps
	// the start time; a terminal status stamps the finish time and closes
	// all subscriber channels.
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error

	// CancelRun flags the run for cancellation. The executor observes the
	// flag and performs the actual transition.
	CancelRun(ctx context.Context, runID string) error

	// Step history
	RecordAttempt(ctx context.Context, runID string, res *types.StepResult) error
	GetHistory(ctx context.Context, runID string) (map[string][]types.StepResult, error)

	// Final results
	SaveResult(ctx context.Context, runID string, res *types.RunResult) error
	GetResult(ctx context.Context, runID string) (*types.RunResult, error)

	// Event streaming
	// AppendEvent adds an event to the run's event stream and returns the created event.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all events from the beginning.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release resources.
	// The channel is closed when the run reaches a terminal status.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// IsCancelled checks if a run has been cancelled.
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60, // 7 days
	}
}

func generateRunID() string {
	return uuid.NewString()
}
