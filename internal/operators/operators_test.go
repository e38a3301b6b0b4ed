package operators

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flexinfer/taskflow/internal/dataflow"
	"github.com/flexinfer/taskflow/internal/registry"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/internal/warehouse"
)

type fakeWarehouse struct {
	datasets []string
	loads    []*warehouse.LoadRequest
	data     []string
}

func (f *fakeWarehouse) CreateDataset(ctx context.Context, dataset string) error {
	f.datasets = append(f.datasets, dataset)
	return nil
}

func (f *fakeWarehouse) LoadCSV(ctx context.Context, req *warehouse.LoadRequest) (*warehouse.LoadResult, error) {
	f.loads = append(f.loads, req)
	for _, src := range req.Sources {
		b, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		f.data = append(f.data, string(b))
	}
	return &warehouse.LoadResult{Table: req.Dataset + "." + req.Table, Rows: int64(len(req.Sources))}, nil
}

func setup(t *testing.T, deps Deps) *registry.MemoryRegistry {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	if err := Register(context.Background(), reg, deps); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return reg
}

func stepCtx() *runctx.StepContext {
	return runctx.New("run-1").ForStep("step", 1)
}

func TestRegister(t *testing.T) {
	reg := setup(t, Deps{})
	ops, _ := reg.List(context.Background(), nil)
	if len(ops) != 4 {
		t.Fatalf("expected 4 operators, got %d", len(ops))
	}
	if err := Register(context.Background(), reg, Deps{}); !errors.Is(err, registry.ErrOperatorExists) {
		t.Errorf("expected ErrOperatorExists on second register, got %v", err)
	}
}

func TestNoop(t *testing.T) {
	reg := setup(t, Deps{})
	body, err := reg.Bind(context.Background(), TypeNoop, map[string]interface{}{"output": "done"})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	out, err := body.Execute(context.Background(), stepCtx())
	if err != nil || out != "done" {
		t.Errorf("Execute = %v, %v", out, err)
	}
}

func TestStorageUpload(t *testing.T) {
	ctx := context.Background()
	storage := dataflow.NewWithBackend(dataflow.NewMemoryBackend("default"))
	reg := setup(t, Deps{Storage: storage})

	src := filepath.Join(t.TempDir(), "online_retail.csv")
	if err := os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	body, err := reg.Bind(ctx, TypeStorageUpload, map[string]interface{}{
		"src":       src,
		"dst":       "raw/online_retail.csv",
		"bucket":    "retail",
		"mime_type": "text/csv",
	})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	out, err := body.Execute(ctx, stepCtx())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	obj, ok := out.(*dataflow.Object)
	if !ok || obj.Key != "raw/online_retail.csv" || obj.Bucket != "retail" {
		t.Errorf("unexpected output %#v", out)
	}

	t.Run("missing src", func(t *testing.T) {
		if _, err := reg.Bind(ctx, TypeStorageUpload, map[string]interface{}{"dst": "x"}); !errors.Is(err, registry.ErrInvalidParams) {
			t.Errorf("expected ErrInvalidParams, got %v", err)
		}
	})

	t.Run("no storage configured", func(t *testing.T) {
		bare := setup(t, Deps{})
		_, err := bare.Bind(ctx, TypeStorageUpload, map[string]interface{}{"src": src})
		if !errors.Is(err, registry.ErrInvalidParams) || !strings.Contains(err.Error(), ErrNotConfigured.Error()) {
			t.Errorf("expected not configured error, got %v", err)
		}
	})
}

func TestCreateDataset(t *testing.T) {
	ctx := context.Background()
	wh := &fakeWarehouse{}
	reg := setup(t, Deps{Warehouse: wh})

	body, err := reg.Bind(ctx, TypeCreateDataset, map[string]interface{}{"dataset": "retail"})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := body.Execute(ctx, stepCtx()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(wh.datasets) != 1 || wh.datasets[0] != "retail" {
		t.Errorf("unexpected datasets %v", wh.datasets)
	}
}

func TestLoadObject(t *testing.T) {
	ctx := context.Background()
	backend := dataflow.NewMemoryBackend("default")
	storage := dataflow.NewWithBackend(backend)
	wh := &fakeWarehouse{}
	reg := setup(t, Deps{Storage: storage, Warehouse: wh})

	_, _ = backend.Put(ctx, "retail", "raw/part-1.csv", strings.NewReader("h\n1\n"), "text/csv")
	_, _ = backend.Put(ctx, "retail", "raw/part-2.csv", strings.NewReader("h\n2\n"), "text/csv")

	body, err := reg.Bind(ctx, TypeLoadObject, map[string]interface{}{
		"bucket":             "retail",
		"source_objects":     []interface{}{"raw/*"},
		"table":              "retail.raw_invoices",
		"skip_leading_rows":  1,
		"write_disposition":  "WRITE_TRUNCATE",
		"create_disposition": "CREATE_IF_NEEDED",
		"schema_fields": []interface{}{
			map[string]interface{}{"name": "h", "type": "INTEGER", "mode": "NULLABLE"},
		},
	})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	out, err := body.Execute(ctx, stepCtx())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	res := out.(*warehouse.LoadResult)
	if res.Table != "retail.raw_invoices" || res.Rows != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	req := wh.loads[0]
	if req.Dataset != "retail" || req.Table != "raw_invoices" || req.SkipLeadingRows != 1 || req.Schema[0].Type != "INTEGER" {
		t.Errorf("unexpected load request %+v", req)
	}
	if len(wh.data) != 2 || wh.data[0] != "h\n1\n" {
		t.Errorf("unexpected loaded data %q", wh.data)
	}

	t.Run("invalid params", func(t *testing.T) {
		tests := []struct {
			name   string
			params map[string]interface{}
		}{
			{"no sources", map[string]interface{}{"table": "retail.raw"}},
			{"table without dataset", map[string]interface{}{"source_objects": []interface{}{"a"}, "table": "raw"}},
			{"bad disposition", map[string]interface{}{"source_objects": []interface{}{"a"}, "table": "retail.raw", "write_disposition": "WRITE_ALL"}},
			{"unknown field", map[string]interface{}{"source_objects": []interface{}{"a"}, "table": "retail.raw", "autodetect": true}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := reg.Bind(ctx, TypeLoadObject, tt.params); !errors.Is(err, registry.ErrInvalidParams) {
					t.Errorf("expected ErrInvalidParams, got %v", err)
				}
			})
		}
	})

	t.Run("missing objects fail at run time", func(t *testing.T) {
		body, err := reg.Bind(ctx, TypeLoadObject, map[string]interface{}{
			"bucket":         "retail",
			"source_objects": []interface{}{"missing/*"},
			"table":          "raw",
			"dataset":        "retail",
		})
		if err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		if _, err := body.Execute(ctx, stepCtx()); !errors.Is(err, dataflow.ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound, got %v", err)
		}
	})
}

func TestSplitTable(t *testing.T) {
	ds, tbl, err := splitTable("retail.raw_invoices", "")
	if err != nil || ds != "retail" || tbl != "raw_invoices" {
		t.Errorf("splitTable = %q %q %v", ds, tbl, err)
	}
	ds, tbl, err = splitTable("raw", "retail")
	if err != nil || ds != "retail" || tbl != "raw" {
		t.Errorf("splitTable = %q %q %v", ds, tbl, err)
	}
}
