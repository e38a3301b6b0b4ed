// Package engine ties planning and execution together: it looks up
// pipelines, plans them, starts runs in the background and tracks the
// active ones so they can be cancelled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/notify"
	"github.com/flexinfer/taskflow/internal/pipelinestore"
	"github.com/flexinfer/taskflow/internal/planner"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/internal/runstore"
	"github.com/flexinfer/taskflow/internal/scheduler"
	"github.com/flexinfer/taskflow/pkg/types"
)

// Common errors returned by the engine.
var (
	ErrPlan         = errors.New("plan pipeline")
	ErrRunNotActive = errors.New("run is not active")
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Deps are the collaborators of an Engine. Publisher is optional.
type Deps struct {
	Pipelines pipelinestore.Store
	Planner   *planner.Planner
	Executor  *scheduler.Executor
	Runs      runstore.RunStore
	Publisher notify.Publisher
	Logger    *slog.Logger
}

// Engine starts and tracks pipeline runs.
type Engine struct {
	pipelines pipelinestore.Store
	planner   *planner.Planner
	executor  *scheduler.Executor
	runs      runstore.RunStore
	publisher notify.Publisher
	logger    *slog.Logger

	// base outlives requests; runs are cancelled through it on shutdown.
	base context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	closing bool
	wg      sync.WaitGroup
}

// New creates an engine.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		pipelines: deps.Pipelines,
		planner:   deps.Planner,
		executor:  deps.Executor,
		runs:      deps.Runs,
		publisher: deps.Publisher,
		logger:    logger,
		base:      base,
		stop:      stop,
		active:    make(map[string]context.CancelFunc),
	}
}

// Plan compiles a stored pipeline.
func (e *Engine) Plan(ctx context.Context, pipelineID string) (*types.PipelineSpec, *graph.Graph, error) {
	spec, err := e.pipelines.Get(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}
	g, err := e.planner.Plan(ctx, spec)
	if err != nil {
		return nil, nil, fmt.Errorf("%w %s: %w", ErrPlan, pipelineID, err)
	}
	return spec, g, nil
}

// StartRun plans a stored pipeline and executes it in the background. The
// run is registered in the run store before StartRun returns.
func (e *Engine) StartRun(ctx context.Context, pipelineID string, req *types.RunRequest) (*types.RunResponse, error) {
	if req == nil {
		req = &types.RunRequest{}
	}
	spec, g, err := e.Plan(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	e.wg.Add(1)
	e.mu.Unlock()

	runID, err := e.runs.CreateRun(ctx, &runstore.CreateRunRequest{
		ID:       req.RunID,
		Pipeline: spec.ID,
		Steps:    g.Order(),
		Metadata: req.Metadata,
	})
	if err != nil {
		e.wg.Done()
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(e.base)
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()

	rc := runctx.New(runID, runctx.WithValues(req.Context))
	go func() {
		defer e.wg.Done()
		defer e.finish(runID)
		e.execute(runCtx, spec, g, rc)
	}()

	e.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("pipeline", spec.ID),
		slog.Int("steps", g.Len()),
	)
	return &types.RunResponse{
		RunID:     runID,
		Status:    types.RunStatusQueued,
		EventsURL: "/api/v1/runs/" + runID + "/events",
		ResultURL: "/api/v1/runs/" + runID,
	}, nil
}

// Trigger starts a run with no inputs. It matches trigger.StartFunc.
func (e *Engine) Trigger(ctx context.Context, pipelineID string) (string, error) {
	resp, err := e.StartRun(ctx, pipelineID, &types.RunRequest{Metadata: map[string]string{"trigger": "schedule"}})
	if err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// Execute runs an already planned graph in the foreground.
func (e *Engine) Execute(ctx context.Context, spec *types.PipelineSpec, g *graph.Graph, rc *runctx.RunContext) (*types.RunResult, error) {
	if e.runs != nil {
		if _, err := e.runs.CreateRun(ctx, &runstore.CreateRunRequest{ID: rc.RunID(), Pipeline: spec.ID, Steps: g.Order()}); err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
	}
	return e.execute(ctx, spec, g, rc)
}

func (e *Engine) execute(ctx context.Context, spec *types.PipelineSpec, g *graph.Graph, rc *runctx.RunContext) (*types.RunResult, error) {
	res, err := e.executor.Run(ctx, g, rc)
	if res != nil {
		res.Pipeline = spec.ID
		e.logger.Info("run finished",
			slog.String("run_id", res.RunID),
			slog.String("pipeline", spec.ID),
			slog.String("status", string(res.Status)),
		)
		// The run context may already be cancelled; publishing must not be.
		notify.RunFinished(context.WithoutCancel(ctx), e.publisher, res, e.logger)
	}
	if err != nil {
		e.logger.Error("run aborted",
			slog.String("run_id", rc.RunID()),
			slog.String("error", err.Error()),
		)
	}
	return res, err
}

func (e *Engine) finish(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[runID]; ok {
		cancel()
		delete(e.active, runID)
	}
}

// CancelRun flags the run as cancelled and stops it if it is executing
// here. A run that exists but is not active returns ErrRunNotActive.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	meta, err := e.runs.GetRunMeta(ctx, runID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if !ok || meta.Status.IsTerminal() {
		return ErrRunNotActive
	}

	if err := e.runs.CancelRun(ctx, runID); err != nil {
		return err
	}
	cancel()
	e.logger.Info("run cancelled", slog.String("run_id", runID))
	return nil
}

// Active lists the ids of executing runs.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every background run has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown refuses new runs, cancels active ones and waits for them to
// finish or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	n := len(e.active)
	e.mu.Unlock()

	if n > 0 {
		e.logger.Info("cancelling active runs", slog.Int("runs", n))
	}
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
