package driver

import (
	"context"

	"github.com/flexinfer/taskflow/internal/runstore"
	"github.com/flexinfer/taskflow/pkg/types"
)

// RunStoreEmitter adapts a RunStore to the EventEmitter interface.
type RunStoreEmitter struct {
	store runstore.RunStore
}

// NewRunStoreEmitter creates a new emitter backed by a RunStore.
func NewRunStoreEmitter(store runstore.RunStore) *RunStoreEmitter {
	return &RunStoreEmitter{store: store}
}

// EmitEvent appends the event to the run's stream.
func (e *RunStoreEmitter) EmitEvent(ctx context.Context, runID string, in *types.EventInput) error {
	_, err := e.store.AppendEvent(ctx, runID, in)
	return err
}

var _ EventEmitter = (*RunStoreEmitter)(nil)
