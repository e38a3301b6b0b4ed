package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexinfer/taskflow/internal/driver"
	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/internal/runstore"
	"github.com/flexinfer/taskflow/pkg/types"
)

func body(fn func(ctx context.Context, sc *runctx.StepContext) (interface{}, error)) graph.Body {
	return graph.BodyFunc(fn)
}

func ok(out interface{}) graph.Body {
	return body(func(context.Context, *runctx.StepContext) (interface{}, error) { return out, nil })
}

func fail(msg string) graph.Body {
	return body(func(context.Context, *runctx.StepContext) (interface{}, error) { return nil, errors.New(msg) })
}

func mustGraph(t *testing.T, steps ...graph.Step) *graph.Graph {
	t.Helper()
	g, err := graph.Build(steps)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return g
}

func newExecutor(opts ...Option) *Executor {
	return New(driver.NewInProcess(), opts...)
}

func final(t *testing.T, res *types.RunResult, id string) types.StepResult {
	t.Helper()
	r, found := res.Final(id)
	if !found {
		t.Fatalf("no result recorded for %s", id)
	}
	return r
}

func TestExecutor_LinearChain(t *testing.T) {
	g := mustGraph(t,
		graph.Step{ID: "upload", Body: ok("gs://bucket/raw.csv")},
		graph.Step{ID: "load", Upstream: []string{"upload"}, Body: body(func(_ context.Context, sc *runctx.StepContext) (interface{}, error) {
			src, found := sc.Output("upload")
			if !found {
				return nil, errors.New("upload output missing")
			}
			return fmt.Sprintf("loaded %v", src), nil
		})},
		graph.Step{ID: "check", Upstream: []string{"load"}, Body: ok(true)},
	)

	rc := runctx.New("run-chain")
	res, err := newExecutor(WithConcurrency(4)).Run(context.Background(), g, rc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != types.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", res.Status, res.Error)
	}
	if out := final(t, res, "load").Output; out != "loaded gs://bucket/raw.csv" {
		t.Errorf("unexpected load output %v", out)
	}
	if v, _ := rc.Get(runctx.OutputKey("check")); v != true {
		t.Errorf("expected check output published, got %v", v)
	}

	// no step starts before its upstream finished
	for _, id := range g.IDs() {
		start := final(t, res, id).StartedAt
		for _, up := range g.Upstream(id) {
			if start.Before(final(t, res, up).FinishedAt) {
				t.Errorf("%s started before %s finished", id, up)
			}
		}
	}
}

func TestExecutor_FailurePropagation(t *testing.T) {
	var ranTransform, ranReport, ranSide int32
	g := mustGraph(t,
		graph.Step{ID: "load", Body: fail("table not found")},
		graph.Step{ID: "transform", Upstream: []string{"load"}, Body: body(func(context.Context, *runctx.StepContext) (interface{}, error) {
			atomic.AddInt32(&ranTransform, 1)
			return nil, nil
		})},
		graph.Step{ID: "report", Upstream: []string{"transform"}, Body: body(func(context.Context, *runctx.StepContext) (interface{}, error) {
			atomic.AddInt32(&ranReport, 1)
			return nil, nil
		})},
		graph.Step{ID: "side", Body: body(func(context.Context, *runctx.StepContext) (interface{}, error) {
			atomic.AddInt32(&ranSide, 1)
			return "ok", nil
		})},
	)

	res, err := newExecutor(WithConcurrency(2)).Run(context.Background(), g, runctx.New("run-fail"))
	if err != nil {
		t.Fatalf("Run returned error for step failure: %v", err)
	}
	if res.Status != types.RunStatusFailed {
		t.Errorf("expected failed, got %s", res.Status)
	}

	load := final(t, res, "load")
	if load.Status != types.StepStatusFailed || load.Error == nil || load.Error.Kind != types.ErrorKindStepExecution {
		t.Errorf("unexpected load result %+v", load)
	}
	for _, id := range []string{"transform", "report"} {
		r := final(t, res, id)
		if r.Status != types.StepStatusSkipped || r.Reason != types.SkipReasonUpstreamFailed {
			t.Errorf("%s: expected skipped(upstream_failed), got %s(%s)", id, r.Status, r.Reason)
		}
	}
	if atomic.LoadInt32(&ranTransform) != 0 || atomic.LoadInt32(&ranReport) != 0 {
		t.Error("downstream of a failed step must not run")
	}
	if atomic.LoadInt32(&ranSide) != 1 || final(t, res, "side").Status != types.StepStatusSucceeded {
		t.Error("independent step should still succeed")
	}
}

func TestExecutor_Retry(t *testing.T) {
	t.Run("succeeds on third attempt", func(t *testing.T) {
		var calls int32
		g := mustGraph(t, graph.Step{
			ID:          "flaky",
			MaxAttempts: 3,
			Backoff:     time.Millisecond,
			Body: body(func(_ context.Context, sc *runctx.StepContext) (interface{}, error) {
				n := atomic.AddInt32(&calls, 1)
				if int(n) != sc.Attempt() {
					return nil, fmt.Errorf("attempt mismatch: call %d, attempt %d", n, sc.Attempt())
				}
				if n < 3 {
					return nil, errors.New("transient")
				}
				return "done", nil
			}),
		})

		res, err := newExecutor().Run(context.Background(), g, runctx.New("run-retry"))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != types.RunStatusSucceeded {
			t.Fatalf("expected succeeded, got %s", res.Status)
		}
		h := res.History["flaky"]
		if len(h) != 3 {
			t.Fatalf("expected 3 attempts, got %d", len(h))
		}
		for i, r := range h {
			if r.Attempt != i+1 {
				t.Errorf("attempt %d recorded as %d", i+1, r.Attempt)
			}
		}
		if h[0].Status != types.StepStatusFailed || h[2].Status != types.StepStatusSucceeded {
			t.Errorf("unexpected history %+v", h)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		var calls int32
		g := mustGraph(t,
			graph.Step{ID: "broken", MaxAttempts: 3, Backoff: time.Millisecond, Body: body(func(context.Context, *runctx.StepContext) (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				return nil, errors.New("always")
			})},
			graph.Step{ID: "after", Upstream: []string{"broken"}, Body: ok(nil)},
		)

		res, _ := newExecutor().Run(context.Background(), g, runctx.New("run-exhaust"))
		if atomic.LoadInt32(&calls) != 3 || res.Attempts("broken") != 3 {
			t.Errorf("expected exactly 3 attempts, got %d calls", calls)
		}
		if final(t, res, "after").Reason != types.SkipReasonUpstreamFailed {
			t.Error("downstream should be skipped after retries are exhausted")
		}
	})

	t.Run("executor default applies", func(t *testing.T) {
		var calls int32
		g := mustGraph(t, graph.Step{ID: "s", Body: body(func(context.Context, *runctx.StepContext) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("nope")
		})})
		_, _ = newExecutor(WithDefaultRetry(2, time.Millisecond)).Run(context.Background(), g, nil)
		if atomic.LoadInt32(&calls) != 2 {
			t.Errorf("expected 2 calls from default policy, got %d", calls)
		}
	})
}

func diamond(t *testing.T, bBody graph.Body, ran *sync.Map) *graph.Graph {
	track := func(id string, b graph.Body) graph.Body {
		return body(func(ctx context.Context, sc *runctx.StepContext) (interface{}, error) {
			ran.Store(id, true)
			return b.Execute(ctx, sc)
		})
	}
	return mustGraph(t,
		graph.Step{ID: "a", Body: track("a", ok("a"))},
		graph.Step{ID: "b", Upstream: []string{"a"}, Body: track("b", bBody)},
		graph.Step{ID: "c", Upstream: []string{"a"}, Body: track("c", ok("c"))},
		graph.Step{ID: "d", Upstream: []string{"b", "c"}, Body: track("d", ok("d"))},
	)
}

func TestExecutor_Diamond(t *testing.T) {
	t.Run("all succeed", func(t *testing.T) {
		var ran sync.Map
		g := diamond(t, ok("b"), &ran)
		res, err := newExecutor(WithConcurrency(2)).Run(context.Background(), g, runctx.New("run-diamond"))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != types.RunStatusSucceeded {
			t.Fatalf("expected succeeded, got %s", res.Status)
		}
		d := final(t, res, "d")
		for _, up := range []string{"b", "c"} {
			if d.StartedAt.Before(final(t, res, up).FinishedAt) {
				t.Errorf("d started before %s finished", up)
			}
		}
		if res.Attempts("d") != 1 {
			t.Errorf("d should run exactly once, got %d", res.Attempts("d"))
		}
	})

	t.Run("b fails", func(t *testing.T) {
		var ran sync.Map
		g := diamond(t, fail("boom"), &ran)
		res, _ := newExecutor(WithConcurrency(2)).Run(context.Background(), g, runctx.New("run-diamond-fail"))
		if res.Status != types.RunStatusFailed {
			t.Errorf("expected failed, got %s", res.Status)
		}
		if final(t, res, "c").Status != types.StepStatusSucceeded {
			t.Error("c should succeed")
		}
		d := final(t, res, "d")
		if d.Status != types.StepStatusSkipped || d.Reason != types.SkipReasonUpstreamFailed {
			t.Errorf("expected d skipped(upstream_failed), got %s(%s)", d.Status, d.Reason)
		}
		if _, found := ran.Load("d"); found {
			t.Error("d must not run")
		}
	})
}

func TestExecutor_ConcurrencyLimit(t *testing.T) {
	var active, peak int32
	probe := body(func(context.Context, *runctx.StepContext) (interface{}, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	})
	g := mustGraph(t,
		graph.Step{ID: "a", Body: ok(nil)},
		graph.Step{ID: "b", Upstream: []string{"a"}, Body: probe},
		graph.Step{ID: "c", Upstream: []string{"a"}, Body: probe},
		graph.Step{ID: "d", Upstream: []string{"a"}, Body: probe},
	)

	res, err := newExecutor(WithConcurrency(1)).Run(context.Background(), g, runctx.New("run-serial"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != types.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", res.Status)
	}
	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Errorf("concurrency=1 overlapped %d steps", p)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	var calls int32
	g := mustGraph(t, graph.Step{
		ID:          "slow",
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		Body: body(func(ctx context.Context, _ *runctx.StepContext) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	res, err := newExecutor().Run(context.Background(), g, runctx.New("run-timeout"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("timeout should be retried, got %d calls", calls)
	}
	r := final(t, res, "slow")
	if r.Status != types.StepStatusFailed || r.Error == nil || r.Error.Kind != types.ErrorKindTimeout {
		t.Errorf("expected timeout failure, got %+v", r)
	}
}

func TestExecutor_LateResultAfterTimeout(t *testing.T) {
	g := mustGraph(t, graph.Step{
		ID:      "stubborn",
		Timeout: 20 * time.Millisecond,
		Body: body(func(context.Context, *runctx.StepContext) (interface{}, error) {
			time.Sleep(150 * time.Millisecond)
			return "late", nil
		}),
	})

	rc := runctx.New("run-late")
	res, err := newExecutor().Run(context.Background(), g, rc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != types.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", res.Status)
	}
	r := final(t, res, "stubborn")
	if r.Status != types.StepStatusFailed || r.Error == nil || r.Error.Kind != types.ErrorKindTimeout {
		t.Fatalf("expected timeout failure, got %+v", r)
	}
	if r.Output != nil {
		t.Errorf("late output should be dropped, got %v", r.Output)
	}
	if _, found := rc.Get(runctx.OutputKey("stubborn")); found {
		t.Error("late output must not be published to the run context")
	}
}

func TestExecutor_RetryWithoutBackoff(t *testing.T) {
	var calls int32
	g := mustGraph(t, graph.Step{
		ID:          "flaky",
		MaxAttempts: 3,
		Body: body(func(context.Context, *runctx.StepContext) (interface{}, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("transient")
			}
			return "done", nil
		}),
	})

	start := time.Now()
	res, err := newExecutor().Run(context.Background(), g, runctx.New("run-no-backoff"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retries without backoff should not wait, took %s", elapsed)
	}
	if res.Status != types.RunStatusSucceeded || len(res.History["flaky"]) != 3 {
		t.Errorf("expected success on the third attempt, got %s with %d attempts", res.Status, len(res.History["flaky"]))
	}
}

func TestExecutor_IsolationFailureRetried(t *testing.T) {
	router := &driver.Router{
		InProcess: driver.NewInProcess(),
		Process:   driver.NewSubprocess(nil, nil),
	}
	g := mustGraph(t, graph.Step{
		ID:          "clean",
		Isolation:   types.IsolationProcess,
		Command:     []string{"/nonexistent/interpreter", "clean.py"},
		MaxAttempts: 2,
	})

	res, err := New(router).Run(context.Background(), g, runctx.New("run-isolation"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != types.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", res.Status)
	}
	h := res.History["clean"]
	if len(h) != 2 {
		t.Fatalf("isolation failures should be retried, got %d attempts", len(h))
	}
	for _, r := range h {
		if r.Status != types.StepStatusFailed || r.Error == nil || r.Error.Kind != types.ErrorKindIsolation {
			t.Errorf("attempt %d: expected isolation failure, got %+v", r.Attempt, r)
		}
	}
}

func TestExecutor_Cancel(t *testing.T) {
	started := make(chan struct{})
	g := mustGraph(t,
		graph.Step{ID: "long", Body: body(func(ctx context.Context, _ *runctx.StepContext) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})},
		graph.Step{ID: "next", Upstream: []string{"long"}, Body: ok(nil)},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := newExecutor().Run(ctx, g, runctx.New("run-cancel"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != types.RunStatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}
	for _, id := range []string{"long", "next"} {
		r := final(t, res, id)
		if r.Status != types.StepStatusSkipped || r.Reason != types.SkipReasonCancelled {
			t.Errorf("%s: expected skipped(cancelled), got %s(%s)", id, r.Status, r.Reason)
		}
	}
	if res.Attempts("long") != 0 {
		t.Error("discarded in-flight attempt must not count as run")
	}
}

func TestExecutor_ContextConflict(t *testing.T) {
	writer := func(value string) graph.Body {
		return body(func(_ context.Context, sc *runctx.StepContext) (interface{}, error) {
			if err := sc.Set("table", value); err != nil {
				return nil, err
			}
			return value, nil
		})
	}
	blocked := body(func(ctx context.Context, _ *runctx.StepContext) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	g := mustGraph(t,
		graph.Step{ID: "first", Body: writer("raw_invoices")},
		graph.Step{ID: "second", Upstream: []string{"first"}, Body: writer("dim_customer")},
		graph.Step{ID: "third", Upstream: []string{"second"}, Body: ok(nil)},
		graph.Step{ID: "bystander", Body: blocked},
	)

	res, err := newExecutor(WithConcurrency(2)).Run(context.Background(), g, runctx.New("run-conflict"))
	var conflict *runctx.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Key != "table" || conflict.Writer != "second" || conflict.CurrentWriter != "first" {
		t.Errorf("unexpected conflict %+v", conflict)
	}
	if res.Status != types.RunStatusFailed {
		t.Errorf("expected failed, got %s", res.Status)
	}

	if final(t, res, "first").Status != types.StepStatusSucceeded {
		t.Error("first should have succeeded")
	}
	second := final(t, res, "second")
	if second.Status != types.StepStatusFailed || second.Error.Kind != types.ErrorKindContextConflict {
		t.Errorf("expected second failed(context_conflict), got %+v", second)
	}
	for _, id := range []string{"third", "bystander"} {
		r := final(t, res, id)
		if r.Status != types.StepStatusSkipped || r.Reason != types.SkipReasonAborted {
			t.Errorf("%s: expected skipped(aborted), got %s(%s)", id, r.Status, r.Reason)
		}
	}
}

func TestExecutor_StoreAndObserver(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	runID, err := store.CreateRun(ctx, &runstore.CreateRunRequest{Pipeline: "retail", Steps: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	var mu sync.Mutex
	var seen []Transition
	exec := newExecutor(
		WithStore(store),
		WithObserver(func(tr Transition) {
			mu.Lock()
			seen = append(seen, tr)
			mu.Unlock()
		}),
	)

	g := mustGraph(t,
		graph.Step{ID: "a", Body: ok(1)},
		graph.Step{ID: "b", Upstream: []string{"a"}, Body: fail("bad")},
	)
	res, err := exec.Run(ctx, g, runctx.New(runID))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	meta, _ := store.GetRunMeta(ctx, runID)
	if meta.Status != types.RunStatusFailed || meta.FinishedAt == nil {
		t.Errorf("unexpected stored meta %+v", meta)
	}
	saved, err := store.GetResult(ctx, runID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if saved.Pipeline != "retail" || saved.Status != res.Status {
		t.Errorf("unexpected saved result %+v", saved)
	}
	history, _ := store.GetHistory(ctx, runID)
	if len(history["a"]) != 1 || len(history["b"]) != 1 {
		t.Errorf("unexpected stored history %+v", history)
	}

	events, _ := store.GetEventsSince(ctx, runID, "")
	var stepEvents, runEvents int
	for _, evt := range events {
		switch evt.Type {
		case types.EventTypeStepStatus:
			stepEvents++
		case types.EventTypeRunStatus:
			runEvents++
		}
	}
	if stepEvents != 4 || runEvents != 2 {
		t.Errorf("expected 4 step and 2 run events, got %d and %d", stepEvents, runEvents)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(seen))
	}
	if seen[0].StepID != "a" || seen[0].Status != types.StepStatusRunning || seen[3].Status != types.StepStatusFailed {
		t.Errorf("unexpected transitions %+v", seen)
	}
}

func TestExecutor_CreatesMissingRun(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	g := mustGraph(t, graph.Step{ID: "only", Body: ok(nil)})

	if _, err := newExecutor(WithStore(store)).Run(ctx, g, runctx.New("cli-run")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	run, err := store.GetRun(ctx, "cli-run")
	if err != nil {
		t.Fatalf("run not created: %v", err)
	}
	if run.Status != types.RunStatusSucceeded || len(run.Steps) != 1 {
		t.Errorf("unexpected run %+v", run)
	}
}

func TestExecutor_EmptyGraph(t *testing.T) {
	res, err := newExecutor().Run(context.Background(), mustGraph(t), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != types.RunStatusSucceeded || len(res.History) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := newExecutor().Run(context.Background(), nil, nil); err == nil {
		t.Error("expected error for nil graph")
	}
}
