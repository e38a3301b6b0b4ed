package taskgroup

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/flexinfer/taskflow/internal/graph"
)

const lsOutput = `Running with dbt=1.7.4
{"unique_id": "model.retail.dim_customer", "name": "dim_customer", "resource_type": "model", "depends_on": {"nodes": ["source.retail.retail.raw_invoices"]}}
{"unique_id": "model.retail.dim_product", "name": "dim_product", "resource_type": "model", "depends_on": {"nodes": ["source.retail.retail.raw_invoices"]}}
{"unique_id": "model.retail.fct_invoices", "name": "fct_invoices", "resource_type": "model", "depends_on": {"nodes": ["model.retail.dim_customer", "model.retail.dim_product"]}}
{"unique_id": "test.retail.not_null_dim_customer_id", "name": "not_null_dim_customer_id", "resource_type": "test", "depends_on": {"nodes": ["model.retail.dim_customer"]}}
`

func fakeDbt(out string, calls *[][]string) commandFunc {
	return func(_ context.Context, _ string, _ []string, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, append([]string{name}, args...))
		return []byte(out), nil
	}
}

func TestDbtResolver_AfterEach(t *testing.T) {
	var calls [][]string
	r := NewDbtResolver(DbtConfig{ProjectDir: "/dbt", ProfilesDir: "/dbt/profiles"})
	r.run = fakeDbt(lsOutput, &calls)

	sub, err := r.Resolve(context.Background(), "path:models/transform", "dbt_ls")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected one dbt ls call, got %d", len(calls))
	}
	cmd := strings.Join(calls[0], " ")
	if !strings.Contains(cmd, "ls --select path:models/transform") {
		t.Errorf("unexpected ls invocation %q", cmd)
	}
	if !strings.Contains(cmd, "--resource-type test") {
		t.Errorf("after_each must list tests, got %q", cmd)
	}

	ups := upstreamOf(sub.Steps)
	want := map[string][]string{
		"dim_customer":      nil,
		"dim_customer_test": {"dim_customer"},
		"dim_product":       nil,
		"fct_invoices":      {"dim_customer_test", "dim_product"},
	}
	if len(ups) != len(want) {
		t.Fatalf("expected %d steps, got %v", len(want), ups)
	}
	for id, w := range want {
		if len(w) == 0 && len(ups[id]) == 0 {
			continue
		}
		if !reflect.DeepEqual(ups[id], w) {
			t.Errorf("step %s: expected upstream %v, got %v", id, w, ups[id])
		}
	}

	for _, s := range sub.Steps {
		if s.Isolation != "process" {
			t.Errorf("step %s should be process isolated", s.ID)
		}
		if s.ID == "dim_customer_test" && s.Command[1] != "test" {
			t.Errorf("test step should run dbt test, got %v", s.Command)
		}
		if s.ID == "fct_invoices" {
			want := []string{"dbt", "run", "--select", "fct_invoices", "--project-dir", "/dbt", "--profiles-dir", "/dbt/profiles"}
			if !reflect.DeepEqual(s.Command, want) {
				t.Errorf("expected command %v, got %v", want, s.Command)
			}
		}
	}
}

func TestDbtResolver_RenderModes(t *testing.T) {
	tests := []struct {
		mode    string
		steps   int
		verb    string
		testAll bool
	}{
		{mode: RenderRunOnly, steps: 3, verb: "run"},
		{mode: RenderBuild, steps: 3, verb: "build"},
		{mode: RenderAfterAll, steps: 4, verb: "run", testAll: true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			var calls [][]string
			r := NewDbtResolver(DbtConfig{})
			r.run = fakeDbt(lsOutput, &calls)

			sub, err := r.Resolve(context.Background(), "path:models/transform", tt.mode)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if len(sub.Steps) != tt.steps {
				t.Fatalf("expected %d steps, got %d", tt.steps, len(sub.Steps))
			}
			if sub.Steps[0].Command[1] != tt.verb {
				t.Errorf("expected verb %s, got %v", tt.verb, sub.Steps[0].Command)
			}
			if tt.testAll {
				last := sub.Steps[len(sub.Steps)-1]
				if last.ID != "test" {
					t.Fatalf("expected trailing test step, got %s", last.ID)
				}
				if !reflect.DeepEqual(last.Upstream, []string{"fct_invoices"}) {
					t.Errorf("expected test after leaves, got %v", last.Upstream)
				}
			}
		})
	}
}

func TestDbtResolver_Errors(t *testing.T) {
	r := NewDbtResolver(DbtConfig{})
	if _, err := r.Resolve(context.Background(), "x", "bogus"); err == nil {
		t.Error("expected error for unknown render mode")
	}

	r.run = func(context.Context, string, []string, string, ...string) ([]byte, error) {
		return nil, errors.New("exec: \"dbt\": executable file not found in $PATH")
	}
	if _, err := r.Resolve(context.Background(), "x", ""); err == nil {
		t.Error("expected error when dbt cannot run")
	}

	r.run = func(context.Context, string, []string, string, ...string) ([]byte, error) {
		return []byte("{not json"), nil
	}
	if _, err := r.Resolve(context.Background(), "x", ""); err == nil {
		t.Error("expected parse error")
	}
}

func TestDbtResolver_EmptySelectionFailsExpansion(t *testing.T) {
	var calls [][]string
	r := NewDbtResolver(DbtConfig{})
	r.run = fakeDbt("No nodes selected!\n", &calls)

	steps := []graph.Step{group("transform", "path:models/none")}
	steps[0].Group.Resolver = DefaultResolver
	_, err := ExpandAll(context.Background(), steps, map[string]Resolver{DefaultResolver: r})
	var ee *ExpansionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExpansionError, got %v", err)
	}
}

const collidingLs = `{"unique_id": "model.shop.orders", "name": "orders", "resource_type": "model", "depends_on": {"nodes": []}}
{"unique_id": "model.shop.orders_test", "name": "orders_test", "resource_type": "model", "depends_on": {"nodes": ["model.shop.orders"]}}
{"unique_id": "model.shop.test", "name": "test", "resource_type": "model", "depends_on": {"nodes": ["model.shop.orders_test"]}}
{"unique_id": "test.shop.unique_orders_id", "name": "unique_orders_id", "resource_type": "test", "depends_on": {"nodes": ["model.shop.orders"]}}
`

func TestDbtResolver_TestStepIDsDoNotShadowModels(t *testing.T) {
	t.Run("after_each", func(t *testing.T) {
		var calls [][]string
		r := NewDbtResolver(DbtConfig{})
		r.run = fakeDbt(collidingLs, &calls)

		sub, err := r.Resolve(context.Background(), "tag:shop", RenderAfterEach)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if _, err := graph.Build(sub.Steps); err != nil {
			t.Fatalf("expanded steps do not form a graph: %v", err)
		}

		ups := upstreamOf(sub.Steps)
		want := map[string][]string{
			"orders":        {},
			"orders_test_2": {"orders"},
			"orders_test":   {"orders_test_2"},
			"test":          {"orders_test"},
		}
		if len(ups) != len(want) {
			t.Fatalf("expected %d steps, got %v", len(want), ups)
		}
		for id, w := range want {
			if len(ups[id]) != len(w) || (len(w) > 0 && !reflect.DeepEqual(ups[id], w)) {
				t.Errorf("step %s: expected upstream %v, got %v", id, w, ups[id])
			}
		}
		for _, s := range sub.Steps {
			switch s.ID {
			case "orders_test_2":
				if s.Command[1] != "test" || s.Command[3] != "orders" {
					t.Errorf("expected dbt test for orders, got %v", s.Command)
				}
			case "orders_test", "test":
				if s.Command[1] != "run" || s.Command[3] != s.ID {
					t.Errorf("model %s should run itself, got %v", s.ID, s.Command)
				}
			}
		}
	})

	t.Run("after_all", func(t *testing.T) {
		var calls [][]string
		r := NewDbtResolver(DbtConfig{})
		r.run = fakeDbt(collidingLs, &calls)

		sub, err := r.Resolve(context.Background(), "tag:shop", RenderAfterAll)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if _, err := graph.Build(sub.Steps); err != nil {
			t.Fatalf("expanded steps do not form a graph: %v", err)
		}
		last := sub.Steps[len(sub.Steps)-1]
		if last.ID != "test_2" || last.Command[1] != "test" {
			t.Fatalf("expected trailing test step test_2, got %s %v", last.ID, last.Command)
		}
		if !reflect.DeepEqual(last.Upstream, []string{"test"}) {
			t.Errorf("expected test step after the leaf model, got %v", last.Upstream)
		}
	})
}
