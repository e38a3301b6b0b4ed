// Package scheduler executes validated step graphs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/taskflow/internal/driver"
	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/metrics"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/internal/runstore"
	"github.com/flexinfer/taskflow/internal/tracing"
	"github.com/flexinfer/taskflow/pkg/types"
)

// Config holds executor configuration.
type Config struct {
	// Concurrency is the number of worker goroutines (minimum 1)
	Concurrency int

	// DefaultMaxAttempts applies to steps that leave MaxAttempts unset
	DefaultMaxAttempts int

	// DefaultBackoff applies to steps that leave Backoff unset. Zero
	// retries immediately.
	DefaultBackoff time.Duration

	// AbandonAfter bounds how long a worker waits for a runner to return
	// once the attempt was cancelled or timed out.
	AbandonAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:        4,
		DefaultMaxAttempts: 1,
		AbandonAfter:       10 * time.Second,
	}
}

// Transition describes a step state change. Observers are called from the
// coordinator goroutine, one transition at a time.
type Transition struct {
	RunID   string
	StepID  string
	Status  types.StepStatus
	Attempt int
	Reason  types.SkipReason
	Error   *types.StepError
	At      time.Time
}

// Observer receives every step transition of a run.
type Observer func(Transition)

// Option configures an Executor.
type Option func(*Executor)

// WithConfig replaces the executor configuration.
func WithConfig(cfg *Config) Option {
	return func(e *Executor) {
		if cfg != nil {
			c := *cfg
			e.cfg = &c
		}
	}
}

// WithConcurrency sets the worker pool size.
func WithConcurrency(n int) Option {
	return func(e *Executor) { e.cfg.Concurrency = n }
}

// WithDefaultRetry sets the retry policy for steps that do not declare one.
func WithDefaultRetry(maxAttempts int, backoff time.Duration) Option {
	return func(e *Executor) {
		e.cfg.DefaultMaxAttempts = maxAttempts
		e.cfg.DefaultBackoff = backoff
	}
}

// WithStore persists run status, attempts and events.
func WithStore(store runstore.RunStore) Option {
	return func(e *Executor) { e.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock used for result timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithObserver registers a transition hook.
func WithObserver(fn Observer) Option {
	return func(e *Executor) { e.observers = append(e.observers, fn) }
}

// Executor runs graphs on a bounded worker pool. One Executor may run many
// graphs concurrently; each Run has its own coordinator and workers.
type Executor struct {
	runner    driver.Runner
	cfg       *Config
	store     runstore.RunStore
	logger    *slog.Logger
	clock     func() time.Time
	observers []Observer
	tracer    trace.Tracer
}

// New creates an executor that dispatches attempts to runner.
func New(runner driver.Runner, opts ...Option) *Executor {
	e := &Executor{
		runner: runner,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
		tracer: tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Concurrency < 1 {
		e.cfg.Concurrency = 1
	}
	return e
}

// Concurrency returns the worker pool size.
func (e *Executor) Concurrency() int { return e.cfg.Concurrency }

// Run executes every step of g and returns the full result. A context write
// conflict aborts the run; the *runctx.ConflictError is returned alongside
// the result. Cancelling ctx cancels the run. Step failures never surface
// as an error.
func (e *Executor) Run(ctx context.Context, g *graph.Graph, rc *runctx.RunContext) (*types.RunResult, error) {
	if g == nil {
		return nil, errors.New("scheduler: nil graph")
	}
	if rc == nil {
		rc = runctx.New(uuid.NewString())
	}
	r := newRun(e, g, rc)
	return r.execute(ctx)
}

type job struct {
	step    *graph.Step
	attempt int
	ctx     context.Context
}

type completion struct {
	stepID     string
	attempt    int
	output     interface{}
	err        error
	timedOut   bool
	startedAt  time.Time
	finishedAt time.Time
}

// run is the coordinator state of a single Run call. Only the coordinator
// goroutine touches it.
type run struct {
	e      *Executor
	g      *graph.Graph
	rc     *runctx.RunContext
	runID  string
	logger *slog.Logger

	status     map[string]types.StepStatus
	attempts   map[string]int
	completed  map[string]bool
	dispatched map[string]bool
	history    map[string][]types.StepResult
	ready      []string
	inflight   map[string]context.CancelFunc
	timers     map[string]*time.Timer

	jobs    chan job
	done    chan completion
	retryCh chan string

	// set once the run stops scheduling new work
	cancelled bool
	conflict  *runctx.ConflictError
}

func newRun(e *Executor, g *graph.Graph, rc *runctx.RunContext) *run {
	n := g.Len()
	return &run{
		e:          e,
		g:          g,
		rc:         rc,
		runID:      rc.RunID(),
		logger:     e.logger.With(slog.String("component", "scheduler"), slog.String("run_id", rc.RunID())),
		status:     make(map[string]types.StepStatus, n),
		attempts:   make(map[string]int, n),
		completed:  make(map[string]bool, n),
		dispatched: make(map[string]bool, n),
		history:    make(map[string][]types.StepResult, n),
		inflight:   make(map[string]context.CancelFunc),
		timers:     make(map[string]*time.Timer),
		jobs:       make(chan job),
		done:       make(chan completion, e.cfg.Concurrency),
		retryCh:    make(chan string, n),
	}
}

func (r *run) stopping() bool {
	return r.cancelled || r.conflict != nil
}

func (r *run) execute(ctx context.Context) (*types.RunResult, error) {
	ctx, span := r.e.tracer.Start(ctx, "taskflow.run", trace.WithAttributes(
		attribute.String("taskflow.run_id", r.runID),
		attribute.Int("taskflow.steps", r.g.Len()),
	))
	defer span.End()

	// store writes outlive cancellation of the run itself
	bg := context.WithoutCancel(ctx)
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	result := &types.RunResult{
		RunID:     r.runID,
		StartedAt: r.e.clock(),
		History:   r.history,
	}
	r.startStore(bg)
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	r.logger.Info("run started", slog.Int("steps", r.g.Len()), slog.Int("concurrency", r.e.cfg.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < r.e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker()
		}()
	}

	for _, id := range r.g.Order() {
		r.status[id] = types.StepStatusPending
		if len(r.g.Upstream(id)) == 0 {
			r.enqueue(id)
		}
	}

	ctxDone := ctx.Done()
	conflicted := r.rc.Conflicted()
	for {
		if ctxDone != nil && ctx.Err() != nil {
			ctxDone = nil
			r.cancel()
		}
		r.dispatch(runCtx)
		if len(r.inflight) == 0 && len(r.ready) == 0 && len(r.timers) == 0 {
			break
		}
		select {
		case c := <-r.done:
			if ctxDone != nil && ctx.Err() != nil {
				ctxDone = nil
				r.cancel()
			}
			r.complete(bg, c, stopRun)
		case id := <-r.retryCh:
			if _, ok := r.timers[id]; ok {
				delete(r.timers, id)
				r.enqueue(id)
			}
		case <-ctxDone:
			ctxDone = nil
			r.cancel()
		case <-conflicted:
			conflicted = nil
			r.abort(r.rc.Conflict(), stopRun)
		}
	}
	close(r.jobs)
	wg.Wait()

	// Anything left untouched was cut off by cancellation or abort.
	for _, id := range r.g.Order() {
		if !r.terminal(id) {
			r.skip(id, r.stopReason())
		}
	}

	result.FinishedAt = r.e.clock()
	var runErr error
	switch {
	case r.conflict != nil:
		result.Status = types.RunStatusFailed
		result.Error = r.conflict.Error()
		runErr = r.conflict
	case r.cancelled:
		result.Status = types.RunStatusCancelled
		result.Error = "run cancelled"
	default:
		result.Status = result.DeriveStatus(false)
		if result.Status == types.RunStatusFailed {
			result.Error = failureSummary(result)
		}
	}

	r.finishStore(bg, result)
	metrics.RunsTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(result.Status)).Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())

	span.SetAttributes(attribute.String("taskflow.status", string(result.Status)))
	if result.Status != types.RunStatusSucceeded {
		span.SetStatus(codes.Error, result.Error)
	}
	r.logger.Info("run finished",
		slog.String("status", string(result.Status)),
		slog.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, runErr
}

func (r *run) stopReason() types.SkipReason {
	if r.conflict != nil {
		return types.SkipReasonAborted
	}
	return types.SkipReasonCancelled
}

func (r *run) terminal(id string) bool {
	switch r.status[id] {
	case types.StepStatusSucceeded, types.StepStatusFailed, types.StepStatusSkipped:
		return true
	}
	return false
}

func (r *run) enqueue(id string) {
	if r.stopping() {
		r.skip(id, r.stopReason())
		return
	}
	r.ready = append(r.ready, id)
	metrics.ReadyQueueDepth.Inc()
}

// dispatch hands ready steps to idle workers.
func (r *run) dispatch(runCtx context.Context) {
	for len(r.ready) > 0 && len(r.inflight) < r.e.cfg.Concurrency {
		id := r.ready[0]
		r.ready = r.ready[1:]
		metrics.ReadyQueueDepth.Dec()

		step, _ := r.g.Step(id)
		r.attempts[id]++
		attempt := r.attempts[id]

		var (
			attemptCtx context.Context
			cancel     context.CancelFunc
		)
		if step.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(runCtx, step.Timeout)
		} else {
			attemptCtx, cancel = context.WithCancel(runCtx)
		}
		r.inflight[id] = cancel
		r.dispatched[id] = true
		r.status[id] = types.StepStatusRunning
		r.notify(Transition{StepID: id, Status: types.StepStatusRunning, Attempt: attempt})

		r.jobs <- job{step: step, attempt: attempt, ctx: attemptCtx}
	}
}

func (r *run) worker() {
	for j := range r.jobs {
		r.done <- r.execAttempt(j)
	}
}

// execAttempt runs one attempt on the runner. A runner that ignores
// cancellation is abandoned after AbandonAfter and its output dropped.
func (r *run) execAttempt(j job) completion {
	step := j.step
	ctx, span := r.e.tracer.Start(j.ctx, "taskflow.step", trace.WithAttributes(
		attribute.String("taskflow.run_id", r.runID),
		attribute.String("taskflow.step_id", step.ID),
		attribute.Int("taskflow.attempt", j.attempt),
		attribute.String("taskflow.isolation", string(step.Isolation)),
	))
	defer span.End()

	c := completion{stepID: step.ID, attempt: j.attempt, startedAt: r.e.clock()}
	sc := r.rc.ForStep(step.ID, j.attempt)

	type outcome struct {
		out interface{}
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		out, err := r.e.runner.Run(ctx, step, sc)
		resCh <- outcome{out, err}
	}()

	select {
	case o := <-resCh:
		c.output, c.err = o.out, o.err
	case <-ctx.Done():
		select {
		case o := <-resCh:
			c.output, c.err = o.out, o.err
		case <-time.After(r.e.cfg.AbandonAfter):
			r.logger.Warn("abandoning unresponsive step", slog.String("step_id", step.ID), slog.Int("attempt", j.attempt))
			c.err = fmt.Errorf("step %s: %w", step.ID, ctx.Err())
		}
	}
	c.finishedAt = r.e.clock()

	if errors.Is(j.ctx.Err(), context.DeadlineExceeded) {
		// A result that arrives after the deadline does not count.
		c.timedOut = true
		c.output = nil
		cause := c.err
		if cause == nil {
			cause = context.DeadlineExceeded
		} else if !errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: %w", context.DeadlineExceeded, cause)
		}
		c.err = fmt.Errorf("step %s: %w", step.ID, cause)
		if step.Timeout > 0 {
			c.err = fmt.Errorf("step %s exceeded timeout %s: %w", step.ID, step.Timeout, cause)
		}
	}
	if c.err != nil {
		span.RecordError(c.err)
		span.SetStatus(codes.Error, c.err.Error())
	}
	return c
}

// complete records the outcome of one attempt.
func (r *run) complete(ctx context.Context, c completion, stopRun context.CancelFunc) {
	if cancel, ok := r.inflight[c.stepID]; ok {
		cancel()
		delete(r.inflight, c.stepID)
	}
	if conflict := r.rc.Conflict(); conflict != nil && r.conflict == nil {
		r.abort(conflict, stopRun)
	}

	res := types.StepResult{
		StepID:     c.stepID,
		Attempt:    c.attempt,
		StartedAt:  c.startedAt,
		FinishedAt: c.finishedAt,
		Duration:   c.finishedAt.Sub(c.startedAt),
	}

	switch {
	case r.conflict != nil && r.conflict.Writer == c.stepID:
		res.Status = types.StepStatusFailed
		res.Error = &types.StepError{Kind: types.ErrorKindContextConflict, Message: r.conflict.Error()}
		r.record(ctx, res)
		return
	case r.stopping():
		// in-flight results of a stopped run are discarded
		r.skip(c.stepID, r.stopReason())
		return
	}

	if c.err == nil {
		sc := r.rc.ForStep(c.stepID, c.attempt)
		if err := sc.Set(runctx.OutputKey(c.stepID), c.output); err != nil {
			var conflict *runctx.ConflictError
			if errors.As(err, &conflict) {
				r.abort(conflict, stopRun)
				res.Status = types.StepStatusFailed
				res.Error = &types.StepError{Kind: types.ErrorKindContextConflict, Message: conflict.Error()}
				r.record(ctx, res)
				return
			}
		}
		res.Status = types.StepStatusSucceeded
		res.Output = c.output
		r.record(ctx, res)
		r.completed[c.stepID] = true
		for _, next := range r.g.ReadySuccessors(c.stepID, r.completed, r.dispatched) {
			if r.status[next] == types.StepStatusPending {
				r.enqueue(next)
			}
		}
		return
	}

	res.Status = types.StepStatusFailed
	res.Error = driver.Classify(c.err, c.timedOut)
	step, _ := r.g.Step(c.stepID)
	if c.attempt < r.maxAttempts(step) {
		// The failed attempt is history; the step itself is retrying.
		r.record(ctx, res)
		r.retry(step, c.attempt)
		return
	}
	r.record(ctx, res)
	r.propagateFailure(c.stepID)
}

func (r *run) maxAttempts(step *graph.Step) int {
	if step.MaxAttempts > 0 {
		return step.MaxAttempts
	}
	if r.e.cfg.DefaultMaxAttempts > 0 {
		return r.e.cfg.DefaultMaxAttempts
	}
	return 1
}

func (r *run) backoff(step *graph.Step, nextAttempt int) time.Duration {
	if step.Backoff > 0 {
		return step.BackoffFor(nextAttempt)
	}
	return r.e.cfg.DefaultBackoff
}

func (r *run) retry(step *graph.Step, attempt int) {
	r.status[step.ID] = types.StepStatusRetrying
	r.notify(Transition{StepID: step.ID, Status: types.StepStatusRetrying, Attempt: attempt})

	delay := r.backoff(step, attempt+1)
	r.logger.Info("retrying step",
		slog.String("step_id", step.ID),
		slog.Int("attempt", attempt+1),
		slog.Duration("backoff", delay),
	)
	if delay <= 0 {
		r.enqueue(step.ID)
		return
	}
	id := step.ID
	r.timers[id] = time.AfterFunc(delay, func() { r.retryCh <- id })
}

// propagateFailure skips every not-yet-finished descendant of id.
func (r *run) propagateFailure(id string) {
	for _, d := range r.g.Descendants(id) {
		if r.status[d] == types.StepStatusPending {
			r.skip(d, types.SkipReasonUpstreamFailed)
		}
	}
}

// cancel stops the run: waiting steps are skipped now, in-flight ones when
// their workers return.
func (r *run) cancel() {
	if r.stopping() {
		return
	}
	r.cancelled = true
	r.logger.Warn("run cancelled", slog.Int("in_flight", len(r.inflight)))
	r.drain(types.SkipReasonCancelled)
	for _, cancel := range r.inflight {
		cancel()
	}
}

// abort stops the run after a context write conflict.
func (r *run) abort(conflict *runctx.ConflictError, stopRun context.CancelFunc) {
	if conflict == nil || r.conflict != nil {
		return
	}
	r.conflict = conflict
	r.logger.Error("context write conflict, aborting run",
		slog.String("key", conflict.Key),
		slog.String("writer", conflict.Writer),
		slog.String("current_writer", conflict.CurrentWriter),
	)
	r.drain(types.SkipReasonAborted)
	stopRun()
}

// drain skips queued and retrying steps plus everything never dispatched.
func (r *run) drain(reason types.SkipReason) {
	for _, id := range r.ready {
		metrics.ReadyQueueDepth.Dec()
		r.skip(id, reason)
	}
	r.ready = nil
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
		r.skip(id, reason)
	}
	for _, id := range r.g.Order() {
		if r.status[id] == types.StepStatusPending {
			r.skip(id, reason)
		}
	}
}

func (r *run) skip(id string, reason types.SkipReason) {
	if r.terminal(id) {
		return
	}
	now := r.e.clock()
	res := types.StepResult{
		StepID:     id,
		Status:     types.StepStatusSkipped,
		Reason:     reason,
		Attempt:    r.attempts[id],
		StartedAt:  now,
		FinishedAt: now,
	}
	r.record(context.Background(), res)
}

// record appends a result, updates the step status and fans out.
func (r *run) record(ctx context.Context, res types.StepResult) {
	r.history[res.StepID] = append(r.history[res.StepID], res)
	r.status[res.StepID] = res.Status

	metrics.StepsTotal.WithLabelValues(string(res.Status)).Inc()
	if res.Ran() {
		metrics.StepDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
	}
	if res.Error != nil {
		metrics.StepErrors.WithLabelValues(string(res.Error.Kind)).Inc()
	}

	logAttrs := []any{
		slog.String("step_id", res.StepID),
		slog.String("status", string(res.Status)),
		slog.Int("attempt", res.Attempt),
	}
	switch {
	case res.Status == types.StepStatusSkipped:
		r.logger.Debug("step skipped", append(logAttrs, slog.String("reason", string(res.Reason)))...)
	case res.Error != nil:
		r.logger.Warn("step attempt failed", append(logAttrs,
			slog.String("kind", string(res.Error.Kind)),
			slog.String("error", res.Error.Message))...)
	default:
		r.logger.Info("step succeeded", append(logAttrs, slog.Duration("duration", res.Duration))...)
	}

	if r.e.store != nil {
		if err := r.e.store.RecordAttempt(ctx, r.runID, &res); err != nil {
			r.logger.Error("failed to record attempt", slog.String("step_id", res.StepID), slog.Any("error", err))
		}
	}
	r.notify(Transition{
		StepID:  res.StepID,
		Status:  res.Status,
		Attempt: res.Attempt,
		Reason:  res.Reason,
		Error:   res.Error,
		At:      res.FinishedAt,
	})
}

// notify publishes a transition to observers and the event stream.
func (r *run) notify(t Transition) {
	t.RunID = r.runID
	if t.At.IsZero() {
		t.At = r.e.clock()
	}
	for _, fn := range r.e.observers {
		fn(t)
	}
	r.emit(context.Background(), types.EventTypeStepStatus, t.StepID, types.StepStatusEvent{
		Status:  t.Status,
		Attempt: t.Attempt,
		Reason:  t.Reason,
		Error:   t.Error,
	})
}

func (r *run) emit(ctx context.Context, eventType types.EventType, stepID string, data interface{}) {
	if r.e.store == nil {
		return
	}
	metrics.EventsTotal.WithLabelValues(string(eventType)).Inc()
	if _, err := r.e.store.AppendEvent(ctx, r.runID, &types.EventInput{Type: eventType, StepID: stepID, Data: data}); err != nil {
		r.logger.Error("failed to emit event", slog.String("event_type", string(eventType)), slog.Any("error", err))
	}
}

// startStore registers the run, creating it when the caller did not.
func (r *run) startStore(ctx context.Context) {
	if r.e.store == nil {
		return
	}
	if _, err := r.e.store.GetRunMeta(ctx, r.runID); errors.Is(err, runstore.ErrRunNotFound) {
		if _, err := r.e.store.CreateRun(ctx, &runstore.CreateRunRequest{ID: r.runID, Steps: r.g.Order()}); err != nil {
			r.logger.Error("failed to create run", slog.Any("error", err))
			return
		}
	}
	if err := r.e.store.UpdateRunStatus(ctx, r.runID, types.RunStatusRunning, ""); err != nil {
		r.logger.Error("failed to update run status", slog.Any("error", err))
	}
	r.emit(ctx, types.EventTypeRunStatus, "", types.RunStatusEvent{Status: types.RunStatusRunning})
}

func (r *run) finishStore(ctx context.Context, result *types.RunResult) {
	if r.e.store == nil {
		return
	}
	r.emit(ctx, types.EventTypeRunStatus, "", types.RunStatusEvent{Status: result.Status, Error: result.Error})
	if meta, err := r.e.store.GetRunMeta(ctx, r.runID); err == nil {
		result.Pipeline = meta.Pipeline
	}
	if err := r.e.store.SaveResult(ctx, r.runID, result); err != nil {
		r.logger.Error("failed to save result", slog.Any("error", err))
	}
	if err := r.e.store.UpdateRunStatus(ctx, r.runID, result.Status, result.Error); err != nil {
		r.logger.Error("failed to update run status", slog.Any("error", err))
	}
	for id := range result.History {
		if final, ok := result.Final(id); ok && final.Status != types.StepStatusSkipped {
			metrics.StepAttempts.WithLabelValues(string(final.Status)).Observe(float64(result.Attempts(id)))
		}
	}
}

func failureSummary(result *types.RunResult) string {
	counts := result.Counts()
	return fmt.Sprintf("%d step(s) failed, %d skipped",
		counts[types.StepStatusFailed], counts[types.StepStatusSkipped])
}
