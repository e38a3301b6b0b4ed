package pipelinestore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/taskflow/pkg/types"
)

func testSpec(id string, tags ...string) *types.PipelineSpec {
	return &types.PipelineSpec{
		ID:   id,
		Name: "Pipeline " + id,
		Tags: tags,
		Steps: []types.StepSpec{
			{ID: "upload", Operator: "storage.upload"},
		},
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStoreWithClient(client),
	}
}

func TestStore_CRUD(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer store.Close()

			created, err := store.Create(ctx, testSpec("retail", "daily"))
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if created.CreatedAt.IsZero() {
				t.Error("expected CreatedAt to be set")
			}
			if _, err := store.Create(ctx, testSpec("retail")); !errors.Is(err, ErrPipelineExists) {
				t.Errorf("expected ErrPipelineExists, got %v", err)
			}

			got, err := store.Get(ctx, "retail")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Name != "Pipeline retail" || len(got.Steps) != 1 {
				t.Errorf("unexpected pipeline %+v", got)
			}

			upd := testSpec("ignored")
			upd.Name = "Retail v2"
			updated, err := store.Update(ctx, "retail", upd)
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if updated.ID != "retail" || updated.Name != "Retail v2" {
				t.Errorf("unexpected update result %+v", updated)
			}
			if !updated.CreatedAt.Equal(created.CreatedAt) {
				t.Errorf("CreatedAt changed: %v -> %v", created.CreatedAt, updated.CreatedAt)
			}
			if _, err := store.Update(ctx, "missing", testSpec("missing")); !errors.Is(err, ErrPipelineNotFound) {
				t.Errorf("expected ErrPipelineNotFound, got %v", err)
			}

			if err := store.Delete(ctx, "retail"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := store.Get(ctx, "retail"); !errors.Is(err, ErrPipelineNotFound) {
				t.Errorf("expected ErrPipelineNotFound after delete, got %v", err)
			}
			if err := store.Delete(ctx, "retail"); !errors.Is(err, ErrPipelineNotFound) {
				t.Errorf("expected ErrPipelineNotFound on second delete, got %v", err)
			}
		})
	}
}

func TestStore_Validation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Create(ctx, nil); err == nil {
		t.Error("expected error for nil pipeline")
	}
	if _, err := store.Create(ctx, &types.PipelineSpec{ID: "empty"}); err == nil {
		t.Error("expected error for pipeline without steps")
	}

	created, err := store.Create(ctx, testSpec(""))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Error("expected generated ID")
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer store.Close()

			for _, spec := range []*types.PipelineSpec{
				testSpec("c", "daily"),
				testSpec("a", "daily"),
				testSpec("b", "adhoc"),
			} {
				if _, err := store.Create(ctx, spec); err != nil {
					t.Fatalf("Create failed: %v", err)
				}
			}

			all, err := store.List(ctx, nil)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
				t.Errorf("expected sorted a,b,c, got %d items", len(all))
			}

			daily, _ := store.List(ctx, &ListOptions{Tag: "daily"})
			if len(daily) != 2 {
				t.Errorf("expected 2 daily pipelines, got %d", len(daily))
			}

			paged, _ := store.List(ctx, &ListOptions{Offset: 1, Limit: 1})
			if len(paged) != 1 || paged[0].ID != "b" {
				t.Errorf("expected page [b], got %+v", paged)
			}

			beyond, _ := store.List(ctx, &ListOptions{Offset: 10})
			if len(beyond) != 0 {
				t.Errorf("expected empty page, got %d", len(beyond))
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, testSpec("retail"))
	created.Name = "mutated"

	got, _ := store.Get(ctx, "retail")
	if got.Name == "mutated" {
		t.Error("store returned shared state")
	}
}
