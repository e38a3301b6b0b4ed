// Package operators provides the in-process step bodies pipelines bind by
// type name: object uploads, warehouse datasets and loads, and no-op joins.
package operators

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/flexinfer/taskflow/internal/dataflow"
	"github.com/flexinfer/taskflow/internal/registry"
	"github.com/flexinfer/taskflow/internal/warehouse"
)

// Operator type names.
const (
	TypeNoop          = "noop"
	TypeStorageUpload = "storage.upload"
	TypeCreateDataset = "warehouse.create_dataset"
	TypeLoadObject    = "warehouse.load_object"
)

// ErrNotConfigured is returned when an operator's backend is missing.
var ErrNotConfigured = errors.New("backend not configured")

// Warehouse is the subset of the warehouse the operators need.
type Warehouse interface {
	CreateDataset(ctx context.Context, dataset string) error
	LoadCSV(ctx context.Context, req *warehouse.LoadRequest) (*warehouse.LoadResult, error)
}

// Deps are the backends operators act on. Nil backends leave the matching
// operators registered but unbindable.
type Deps struct {
	Storage   *dataflow.Service
	Warehouse Warehouse
	Logger    *slog.Logger
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Register adds every built-in operator to reg.
func Register(ctx context.Context, reg registry.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ops := []*registry.Operator{
		{
			Type:        TypeNoop,
			Description: "Does nothing; returns params.output when set",
			Tags:        []string{"control"},
			Factory:     noopFactory,
		},
		{
			Type:         TypeStorageUpload,
			Description:  "Uploads a local file to object storage",
			Tags:         []string{"storage"},
			ParamsSchema: json.RawMessage(uploadSchema),
			Factory:      uploadFactory(deps),
		},
		{
			Type:         TypeCreateDataset,
			Description:  "Creates a warehouse dataset if it does not exist",
			Tags:         []string{"warehouse"},
			ParamsSchema: json.RawMessage(createDatasetSchema),
			Factory:      createDatasetFactory(deps),
		},
		{
			Type:         TypeLoadObject,
			Description:  "Loads CSV objects from storage into a warehouse table",
			Tags:         []string{"storage", "warehouse"},
			ParamsSchema: json.RawMessage(loadObjectSchema),
			Factory:      loadObjectFactory(deps),
		},
	}

	for _, op := range ops {
		if err := reg.Register(ctx, op); err != nil {
			return fmt.Errorf("register %s: %w", op.Type, err)
		}
	}
	return nil
}

// decode maps loosely typed params onto a struct and validates its tags.
func decode(params map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
