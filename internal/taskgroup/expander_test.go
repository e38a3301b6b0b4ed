package taskgroup

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/pkg/types"
)

func op(id string, upstream ...string) graph.Step {
	return graph.Step{ID: id, Upstream: upstream, Kind: types.StepKindOperator}
}

func group(id, selector string, upstream ...string) graph.Step {
	return graph.Step{
		ID:       id,
		Upstream: upstream,
		Kind:     types.StepKindTaskGroup,
		Group:    &graph.GroupRef{GroupID: id, Resolver: "static", Selector: selector},
	}
}

// stg -> {orders, customers} -> report
func transformResolver() *StaticResolver {
	r := NewStaticResolver()
	r.Register("path:models/transform", Subgraph{Steps: []graph.Step{
		op("stg"),
		op("orders", "stg"),
		op("customers", "stg"),
		op("report", "orders", "customers"),
	}})
	return r
}

func upstreamOf(steps []graph.Step) map[string][]string {
	out := make(map[string][]string)
	for _, s := range steps {
		ups := append([]string(nil), s.Upstream...)
		sort.Strings(ups)
		out[s.ID] = ups
	}
	return out
}

func TestExpand_NamespacesAndBoundaries(t *testing.T) {
	ref := graph.GroupRef{GroupID: "transform", Selector: "path:models/transform"}
	exp, err := Expand(context.Background(), ref, []string{"check_load"}, map[string]bool{"check_load": true}, transformResolver())
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if !reflect.DeepEqual(exp.EntryIDs, []string{"transform.stg"}) {
		t.Errorf("expected entry [transform.stg], got %v", exp.EntryIDs)
	}
	if !reflect.DeepEqual(exp.ExitIDs, []string{"transform.report"}) {
		t.Errorf("expected exit [transform.report], got %v", exp.ExitIDs)
	}

	ups := upstreamOf(exp.Steps)
	if !reflect.DeepEqual(ups["transform.stg"], []string{"check_load"}) {
		t.Errorf("entry should absorb group upstream, got %v", ups["transform.stg"])
	}
	if !reflect.DeepEqual(ups["transform.report"], []string{"transform.customers", "transform.orders"}) {
		t.Errorf("internal edges should be namespaced, got %v", ups["transform.report"])
	}
}

func TestExpandAll_RewiresEdges(t *testing.T) {
	steps := []graph.Step{
		op("check_load"),
		group("transform", "path:models/transform", "check_load"),
		op("check_transform", "transform"),
	}
	resolvers := map[string]Resolver{"static": transformResolver()}

	flat, err := ExpandAll(context.Background(), steps, resolvers)
	if err != nil {
		t.Fatalf("ExpandAll failed: %v", err)
	}
	for _, s := range flat {
		if s.IsGroup() {
			t.Fatalf("group %s survived expansion", s.ID)
		}
		if s.ID == "transform" {
			t.Fatal("composite node must be removed")
		}
	}

	ups := upstreamOf(flat)
	if !reflect.DeepEqual(ups["check_transform"], []string{"transform.report"}) {
		t.Errorf("downstream should depend on exit steps, got %v", ups["check_transform"])
	}

	g, err := graph.Build(flat)
	if err != nil {
		t.Fatalf("expanded steps should build: %v", err)
	}
	if g.Len() != 6 {
		t.Errorf("expected 6 steps, got %d", g.Len())
	}
}

func TestExpandAll_Idempotent(t *testing.T) {
	steps := []graph.Step{
		op("check_load"),
		group("transform", "path:models/transform", "check_load"),
		op("check_transform", "transform"),
		group("report", "path:models/transform", "check_transform"),
		op("check_report", "report"),
	}
	resolvers := map[string]Resolver{"static": transformResolver()}

	first, err := ExpandAll(context.Background(), steps, resolvers)
	if err != nil {
		t.Fatalf("first ExpandAll failed: %v", err)
	}
	second, err := ExpandAll(context.Background(), steps, resolvers)
	if err != nil {
		t.Fatalf("second ExpandAll failed: %v", err)
	}
	if !reflect.DeepEqual(upstreamOf(first), upstreamOf(second)) {
		t.Error("expanding the same input twice must yield the same graph")
	}

	again, err := ExpandAll(context.Background(), first, resolvers)
	if err != nil {
		t.Fatalf("re-expanding flat steps failed: %v", err)
	}
	if len(again) != len(first) {
		t.Errorf("re-expansion duplicated nodes: %d vs %d", len(again), len(first))
	}
	if !reflect.DeepEqual(upstreamOf(first), upstreamOf(again)) {
		t.Error("re-expansion must be a no-op")
	}

	// Original input is not modified.
	if steps[1].ID != "transform" || !steps[1].IsGroup() {
		t.Error("ExpandAll must not mutate its input")
	}
}

func TestExpandAll_AdjacentAndNestedGroups(t *testing.T) {
	r := NewStaticResolver()
	r.Register("pair", Subgraph{Steps: []graph.Step{op("x"), op("y", "x")}})
	r.Register("outer", Subgraph{Steps: []graph.Step{
		op("start"),
		{ID: "inner", Upstream: []string{"start"}, Kind: types.StepKindTaskGroup, Group: &graph.GroupRef{Resolver: "static", Selector: "pair"}},
	}})

	steps := []graph.Step{
		group("g1", "pair"),
		group("g2", "pair", "g1"),
		group("outer", "outer", "g2"),
		op("end", "outer"),
	}
	flat, err := ExpandAll(context.Background(), steps, map[string]Resolver{"static": r})
	if err != nil {
		t.Fatalf("ExpandAll failed: %v", err)
	}

	ups := upstreamOf(flat)
	want := map[string][]string{
		"g1.x":          nil,
		"g1.y":          {"g1.x"},
		"g2.x":          {"g1.y"},
		"g2.y":          {"g2.x"},
		"outer.start":   {"g2.y"},
		"outer.inner.x": {"outer.start"},
		"outer.inner.y": {"outer.inner.x"},
		"end":           {"outer.inner.y"},
	}
	for id, w := range want {
		got, ok := ups[id]
		if !ok {
			t.Errorf("missing step %s", id)
			continue
		}
		if len(got) != len(w) || (len(w) > 0 && !reflect.DeepEqual(got, w)) {
			t.Errorf("step %s: expected upstream %v, got %v", id, w, got)
		}
	}
	if len(flat) != len(want) {
		t.Errorf("expected %d steps, got %d", len(want), len(flat))
	}
}

func TestExpand_Errors(t *testing.T) {
	empty := ResolverFunc(func(context.Context, string, string) (*Subgraph, error) {
		return &Subgraph{}, nil
	})
	failing := ResolverFunc(func(context.Context, string, string) (*Subgraph, error) {
		return nil, errors.New("dbt not installed")
	})
	dup := ResolverFunc(func(context.Context, string, string) (*Subgraph, error) {
		return &Subgraph{Steps: []graph.Step{op("a"), op("a")}}, nil
	})
	dangling := ResolverFunc(func(context.Context, string, string) (*Subgraph, error) {
		return &Subgraph{Steps: []graph.Step{op("a", "ghost")}}, nil
	})
	single := ResolverFunc(func(context.Context, string, string) (*Subgraph, error) {
		return &Subgraph{Steps: []graph.Step{op("a")}}, nil
	})

	tests := []struct {
		name     string
		resolver Resolver
		existing map[string]bool
	}{
		{"empty subgraph", empty, nil},
		{"resolver failure", failing, nil},
		{"duplicate local id", dup, nil},
		{"dangling internal edge", dangling, nil},
		{"collision with existing", single, map[string]bool{"grp.a": true}},
		{"nil resolver", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Expand(context.Background(), graph.GroupRef{GroupID: "grp"}, nil, tt.existing, tt.resolver)
			var ee *ExpansionError
			if !errors.As(err, &ee) {
				t.Fatalf("expected ExpansionError, got %v", err)
			}
			if ee.GroupID != "grp" {
				t.Errorf("expected group id grp, got %q", ee.GroupID)
			}
		})
	}
}

func TestExpandAll_UnknownResolver(t *testing.T) {
	steps := []graph.Step{group("g", "sel")}
	_, err := ExpandAll(context.Background(), steps, map[string]Resolver{})
	var ee *ExpansionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExpansionError, got %v", err)
	}
}
