// Package trigger starts pipeline runs on cron schedules.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flexinfer/taskflow/internal/metrics"
	"github.com/flexinfer/taskflow/pkg/types"
)

// parser accepts five-field expressions and descriptors such as "@daily".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a cron expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Next returns the first activation of expr after from, in UTC.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched.Next(from).UTC(), nil
}

// StartFunc starts one run of a pipeline.
type StartFunc func(ctx context.Context, pipelineID string) (runID string, err error)

// Entry describes a scheduled pipeline.
type Entry struct {
	PipelineID string    `json:"pipeline_id"`
	Schedule   string    `json:"schedule"`
	Next       time.Time `json:"next,omitempty"`
	Prev       time.Time `json:"prev,omitempty"`
}

type scheduled struct {
	expr string
	id   cron.EntryID
}

// Trigger keeps one cron entry per scheduled pipeline. Missed activations
// are not replayed.
type Trigger struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]scheduled
	start   StartFunc
	logger  *slog.Logger

	// ctx is handed to StartFunc; set by Start.
	ctx context.Context
}

// New creates a trigger that calls start on every activation.
func New(start StartFunc, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		entries: make(map[string]scheduled),
		start:   start,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Sync adds, replaces or removes the entry of a pipeline to match its
// Schedule field.
func (t *Trigger) Sync(spec *types.PipelineSpec) error {
	if spec.Schedule == "" {
		t.Remove(spec.ID)
		return nil
	}
	sched, err := parser.Parse(spec.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec.Schedule, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[spec.ID]; ok {
		if cur.expr == spec.Schedule {
			return nil
		}
		t.cron.Remove(cur.id)
	}

	pipelineID := spec.ID
	id := t.cron.Schedule(sched, cron.FuncJob(func() { t.fire(pipelineID) }))
	t.entries[spec.ID] = scheduled{expr: spec.Schedule, id: id}

	t.logger.Info("pipeline scheduled",
		slog.String("pipeline", spec.ID),
		slog.String("schedule", spec.Schedule),
	)
	return nil
}

// Remove drops the entry of a pipeline, if any.
func (t *Trigger) Remove(pipelineID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[pipelineID]; ok {
		t.cron.Remove(cur.id)
		delete(t.entries, pipelineID)
		t.logger.Info("pipeline unscheduled", slog.String("pipeline", pipelineID))
	}
}

// Entries lists scheduled pipelines ordered by id. Next is zero until the
// trigger has been started.
func (t *Trigger) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for pid, s := range t.entries {
		e := t.cron.Entry(s.id)
		out = append(out, Entry{PipelineID: pid, Schedule: s.expr, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out
}

// Start begins firing entries. Runs are started with ctx.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	t.cron.Start()
	t.logger.Info("trigger started", slog.Int("pipelines", len(t.Entries())))
}

// Stop stops the trigger and waits for running activations to return.
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
}

func (t *Trigger) fire(pipelineID string) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	runID, err := t.start(ctx, pipelineID)
	if err != nil {
		metrics.TriggersTotal.WithLabelValues("error").Inc()
		t.logger.Error("scheduled run failed to start",
			slog.String("pipeline", pipelineID),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.TriggersTotal.WithLabelValues("started").Inc()
	t.logger.Info("scheduled run started",
		slog.String("pipeline", pipelineID),
		slog.String("run_id", runID),
	)
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
