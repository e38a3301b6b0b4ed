package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/runctx"
)

func echoFactory(params map[string]interface{}) (graph.Body, error) {
	return graph.BodyFunc(func(ctx context.Context, sc *runctx.StepContext) (interface{}, error) {
		return params["message"], nil
	}), nil
}

func TestMemoryRegistry_Register(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()
	ctx := context.Background()

	t.Run("registers new operator", func(t *testing.T) {
		err := reg.Register(ctx, &Operator{
			Type:        "test.echo",
			Description: "Echoes a message",
			Tags:        []string{"test"},
			Factory:     echoFactory,
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		op, err := reg.Get(ctx, "test.echo")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if op.RegisteredAt.IsZero() {
			t.Error("RegisteredAt should be set")
		}
	})

	t.Run("returns error for duplicate type", func(t *testing.T) {
		err := reg.Register(ctx, &Operator{Type: "test.echo", Factory: echoFactory})
		if !errors.Is(err, ErrOperatorExists) {
			t.Errorf("expected ErrOperatorExists, got %v", err)
		}
	})

	t.Run("validates required fields", func(t *testing.T) {
		tests := []struct {
			name string
			op   *Operator
		}{
			{"nil operator", nil},
			{"missing type", &Operator{Factory: echoFactory}},
			{"bad type", &Operator{Type: "Test Echo", Factory: echoFactory}},
			{"missing factory", &Operator{Type: "test.nofactory"}},
			{"bad schema", &Operator{Type: "test.badschema", Factory: echoFactory, ParamsSchema: []byte(`{"type": 5}`)}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := reg.Register(ctx, tt.op); err == nil {
					t.Error("expected validation error")
				}
			})
		}
	})
}

func TestMemoryRegistry_Bind(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	err := reg.Register(ctx, &Operator{
		Type:         "test.echo",
		Factory:      echoFactory,
		ParamsSchema: []byte(`{"type":"object","required":["message"],"properties":{"message":{"type":"string"}}}`),
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("binds valid params", func(t *testing.T) {
		body, err := reg.Bind(ctx, "test.echo", map[string]interface{}{"message": "hi"})
		if err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		out, err := body.Execute(ctx, runctx.New("run-1").ForStep("s", 1))
		if err != nil || out != "hi" {
			t.Errorf("Execute = %v, %v", out, err)
		}
	})

	t.Run("rejects invalid params", func(t *testing.T) {
		_, err := reg.Bind(ctx, "test.echo", map[string]interface{}{"message": 3})
		if !errors.Is(err, ErrInvalidParams) {
			t.Errorf("expected ErrInvalidParams, got %v", err)
		}
	})

	t.Run("rejects nil params when required", func(t *testing.T) {
		if _, err := reg.Bind(ctx, "test.echo", nil); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("expected ErrInvalidParams, got %v", err)
		}
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, err := reg.Bind(ctx, "test.missing", nil)
		if !errors.Is(err, ErrOperatorNotFound) {
			t.Errorf("expected ErrOperatorNotFound, got %v", err)
		}
	})

	t.Run("factory error", func(t *testing.T) {
		_ = reg.Register(ctx, &Operator{
			Type: "test.broken",
			Factory: func(map[string]interface{}) (graph.Body, error) {
				return nil, errors.New("missing bucket")
			},
		})
		if _, err := reg.Bind(ctx, "test.broken", nil); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("expected ErrInvalidParams, got %v", err)
		}
	})
}

func TestMemoryRegistry_Unregister(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	_ = reg.Register(ctx, &Operator{Type: "test.echo", Factory: echoFactory})

	if err := reg.Unregister(ctx, "test.echo"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if exists, _ := reg.Exists(ctx, "test.echo"); exists {
		t.Error("operator should be removed")
	}
	if err := reg.Unregister(ctx, "test.echo"); !errors.Is(err, ErrOperatorNotFound) {
		t.Errorf("expected ErrOperatorNotFound, got %v", err)
	}
}

func TestMemoryRegistry_List(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	for _, op := range []*Operator{
		{Type: "storage.upload", Tags: []string{"storage", "io"}, Factory: echoFactory},
		{Type: "warehouse.load_object", Tags: []string{"warehouse", "io"}, Factory: echoFactory},
		{Type: "noop", Factory: echoFactory},
	} {
		if err := reg.Register(ctx, op); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	t.Run("lists all sorted", func(t *testing.T) {
		list, _ := reg.List(ctx, nil)
		if len(list) != 3 || list[0].Type != "noop" || list[2].Type != "warehouse.load_object" {
			t.Errorf("unexpected list order")
		}
	})

	t.Run("filters by tags", func(t *testing.T) {
		list, _ := reg.List(ctx, &ListOptions{Tags: []string{"io"}})
		if len(list) != 2 {
			t.Errorf("expected 2 io operators, got %d", len(list))
		}
		list, _ = reg.List(ctx, &ListOptions{Tags: []string{"io", "storage"}})
		if len(list) != 1 || list[0].Type != "storage.upload" {
			t.Errorf("expected storage.upload only, got %d", len(list))
		}
	})

	t.Run("applies offset and limit", func(t *testing.T) {
		list, _ := reg.List(ctx, &ListOptions{Offset: 1, Limit: 1})
		if len(list) != 1 || list[0].Type != "storage.upload" {
			t.Errorf("unexpected page")
		}
		list, _ = reg.List(ctx, &ListOptions{Offset: 5})
		if len(list) != 0 {
			t.Errorf("expected empty page, got %d", len(list))
		}
	})
}
