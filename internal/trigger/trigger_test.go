package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/taskflow/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidate(t *testing.T) {
	valid := []string{"@daily", "@hourly", "0 6 * * *", "*/15 * * * 1-5", "@every 1h"}
	for _, expr := range valid {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v", expr, err)
		}
	}
	invalid := []string{"", "* * *", "0 25 * * *", "@sometimes", "0 0 0 * * *"}
	for _, expr := range invalid {
		if err := Validate(expr); err == nil {
			t.Errorf("Validate(%q) should fail", expr)
		}
	}
}

func TestNext(t *testing.T) {
	from := time.Date(2024, 1, 1, 5, 30, 0, 0, time.UTC)
	next, err := Next("0 6 * * *", from)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if want := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}

	next, _ = Next("@daily", from)
	if want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("Next(@daily) = %v, want %v", next, want)
	}
}

func TestTrigger_Sync(t *testing.T) {
	tr := New(func(ctx context.Context, id string) (string, error) { return "", nil }, quietLogger())

	if err := tr.Sync(&types.PipelineSpec{ID: "retail", Schedule: "@daily"}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := tr.Sync(&types.PipelineSpec{ID: "adhoc"}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := tr.Sync(&types.PipelineSpec{ID: "bad", Schedule: "whenever"}); err == nil {
		t.Error("expected invalid schedule error")
	}

	entries := tr.Entries()
	if len(entries) != 1 || entries[0].PipelineID != "retail" || entries[0].Schedule != "@daily" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	// Changing the schedule replaces the entry.
	if err := tr.Sync(&types.PipelineSpec{ID: "retail", Schedule: "0 6 * * *"}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	entries = tr.Entries()
	if len(entries) != 1 || entries[0].Schedule != "0 6 * * *" {
		t.Fatalf("unexpected entries after update %+v", entries)
	}
	if len(tr.cron.Entries()) != 1 {
		t.Errorf("expected one cron entry, got %d", len(tr.cron.Entries()))
	}

	// Clearing the schedule removes it.
	if err := tr.Sync(&types.PipelineSpec{ID: "retail"}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(tr.Entries()) != 0 || len(tr.cron.Entries()) != 0 {
		t.Error("expected no entries")
	}
}

func TestTrigger_Fire(t *testing.T) {
	type ctxKey struct{}

	var mu sync.Mutex
	var started []string
	var sawCtx bool
	tr := New(func(ctx context.Context, id string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		started = append(started, id)
		sawCtx = ctx.Value(ctxKey{}) == "engine"
		if id == "broken" {
			return "", errors.New("pipeline not found")
		}
		return "run-1", nil
	}, quietLogger())

	ctx := context.WithValue(context.Background(), ctxKey{}, "engine")
	tr.Start(ctx)
	defer tr.Stop()

	tr.fire("retail")
	tr.fire("broken")

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 2 || started[0] != "retail" || started[1] != "broken" {
		t.Errorf("unexpected starts %v", started)
	}
	if !sawCtx {
		t.Error("start func did not receive the trigger context")
	}
}

func TestTrigger_EntriesHaveNextWhenRunning(t *testing.T) {
	tr := New(func(ctx context.Context, id string) (string, error) { return "", nil }, quietLogger())
	if err := tr.Sync(&types.PipelineSpec{ID: "retail", Schedule: "@hourly"}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	tr.Start(context.Background())
	defer tr.Stop()

	entries := tr.Entries()
	if len(entries) != 1 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Next.IsZero() || entries[0].Next.Before(time.Now().Add(-time.Second)) {
		t.Errorf("expected a future activation, got %v", entries[0].Next)
	}
}
