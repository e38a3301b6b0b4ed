package operators

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/internal/warehouse"
)

func stepLogger(base *slog.Logger, sc *runctx.StepContext, op string) *slog.Logger {
	return base.With(
		slog.String("run_id", sc.RunID()),
		slog.String("step_id", sc.StepID()),
		slog.String("operator", op),
	)
}

func noopFactory(params map[string]interface{}) (graph.Body, error) {
	out := params["output"]
	return graph.BodyFunc(func(ctx context.Context, sc *runctx.StepContext) (interface{}, error) {
		return out, ctx.Err()
	}), nil
}

type uploadParams struct {
	Src      string `json:"src" validate:"required"`
	Dst      string `json:"dst"`
	Bucket   string `json:"bucket"`
	MimeType string `json:"mime_type"`
}

const uploadSchema = `{
  "type": "object",
  "required": ["src"],
  "properties": {
    "src": {"type": "string", "minLength": 1},
    "dst": {"type": "string"},
    "bucket": {"type": "string"},
    "mime_type": {"type": "string"}
  },
  "additionalProperties": false
}`

func uploadFactory(deps Deps) func(map[string]interface{}) (graph.Body, error) {
	return func(params map[string]interface{}) (graph.Body, error) {
		var p uploadParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if deps.Storage == nil {
			return nil, fmt.Errorf("storage: %w", ErrNotConfigured)
		}

		return graph.BodyFunc(func(ctx context.Context, sc *runctx.StepContext) (interface{}, error) {
			logger := stepLogger(deps.Logger, sc, TypeStorageUpload)
			obj, err := deps.Storage.UploadFile(ctx, p.Src, p.Bucket, p.Dst, p.MimeType)
			if err != nil {
				return nil, fmt.Errorf("upload %s: %w", p.Src, err)
			}
			logger.Info("object uploaded",
				slog.String("uri", obj.URI),
				slog.Int64("size", obj.Size),
			)
			return obj, nil
		}), nil
	}
}

type createDatasetParams struct {
	Dataset string `json:"dataset" validate:"required"`
}

const createDatasetSchema = `{
  "type": "object",
  "required": ["dataset"],
  "properties": {
    "dataset": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

func createDatasetFactory(deps Deps) func(map[string]interface{}) (graph.Body, error) {
	return func(params map[string]interface{}) (graph.Body, error) {
		var p createDatasetParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if deps.Warehouse == nil {
			return nil, fmt.Errorf("warehouse: %w", ErrNotConfigured)
		}

		return graph.BodyFunc(func(ctx context.Context, sc *runctx.StepContext) (interface{}, error) {
			if err := deps.Warehouse.CreateDataset(ctx, p.Dataset); err != nil {
				return nil, err
			}
			return map[string]interface{}{"dataset": p.Dataset}, nil
		}), nil
	}
}

type schemaField struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type" validate:"required"`
	Mode string `json:"mode" validate:"omitempty,oneof=NULLABLE REQUIRED"`
}

type loadObjectParams struct {
	Bucket            string        `json:"bucket"`
	SourceObjects     []string      `json:"source_objects" validate:"required,min=1,dive,required"`
	Table             string        `json:"table" validate:"required"`
	Dataset           string        `json:"dataset"`
	SchemaFields      []schemaField `json:"schema_fields" validate:"dive"`
	SkipLeadingRows   int           `json:"skip_leading_rows" validate:"min=0"`
	CreateDisposition string        `json:"create_disposition" validate:"omitempty,oneof=CREATE_IF_NEEDED CREATE_NEVER"`
	WriteDisposition  string        `json:"write_disposition" validate:"omitempty,oneof=WRITE_TRUNCATE WRITE_APPEND WRITE_EMPTY"`
	FieldDelimiter    string        `json:"field_delimiter" validate:"omitempty,len=1"`
}

const loadObjectSchema = `{
  "type": "object",
  "required": ["source_objects", "table"],
  "properties": {
    "bucket": {"type": "string"},
    "source_objects": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "table": {"type": "string", "minLength": 1},
    "dataset": {"type": "string"},
    "schema_fields": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "mode": {"type": "string"}
        }
      }
    },
    "skip_leading_rows": {"type": "integer", "minimum": 0},
    "create_disposition": {"type": "string"},
    "write_disposition": {"type": "string"},
    "field_delimiter": {"type": "string"}
  },
  "additionalProperties": false
}`

// splitTable accepts "dataset.table" or a bare table with a separate dataset.
func splitTable(table, dataset string) (string, string, error) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:], nil
	}
	if dataset == "" {
		return "", "", fmt.Errorf("table %q needs a dataset", table)
	}
	return dataset, table, nil
}

func loadObjectFactory(deps Deps) func(map[string]interface{}) (graph.Body, error) {
	return func(params map[string]interface{}) (graph.Body, error) {
		var p loadObjectParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		dataset, table, err := splitTable(p.Table, p.Dataset)
		if err != nil {
			return nil, err
		}
		if deps.Storage == nil {
			return nil, fmt.Errorf("storage: %w", ErrNotConfigured)
		}
		if deps.Warehouse == nil {
			return nil, fmt.Errorf("warehouse: %w", ErrNotConfigured)
		}

		schema := make([]warehouse.Field, len(p.SchemaFields))
		for i, f := range p.SchemaFields {
			schema[i] = warehouse.Field{Name: f.Name, Type: f.Type, Mode: f.Mode}
		}

		return graph.BodyFunc(func(ctx context.Context, sc *runctx.StepContext) (interface{}, error) {
			logger := stepLogger(deps.Logger, sc, TypeLoadObject)

			keys, err := deps.Storage.Resolve(ctx, p.Bucket, p.SourceObjects)
			if err != nil {
				return nil, err
			}

			sources := make([]io.Reader, 0, len(keys))
			for _, key := range keys {
				rc, err := deps.Storage.Open(ctx, p.Bucket, key)
				if err != nil {
					return nil, fmt.Errorf("open %s: %w", key, err)
				}
				defer rc.Close()
				sources = append(sources, rc)
			}

			res, err := deps.Warehouse.LoadCSV(ctx, &warehouse.LoadRequest{
				Dataset:           dataset,
				Table:             table,
				Schema:            schema,
				SkipLeadingRows:   p.SkipLeadingRows,
				FieldDelimiter:    p.FieldDelimiter,
				CreateDisposition: p.CreateDisposition,
				WriteDisposition:  p.WriteDisposition,
				Sources:           sources,
			})
			if err != nil {
				return nil, err
			}
			logger.Info("objects loaded",
				slog.Int("objects", len(keys)),
				slog.String("table", res.Table),
				slog.Int64("rows", res.Rows),
			)
			return res, nil
		}), nil
	}
}
