package warehouse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Create dispositions.
const (
	CreateIfNeeded = "CREATE_IF_NEEDED"
	CreateNever    = "CREATE_NEVER"
)

// Write dispositions.
const (
	WriteTruncate = "WRITE_TRUNCATE"
	WriteAppend   = "WRITE_APPEND"
	WriteEmpty    = "WRITE_EMPTY"
)

// Field is a column of a load schema. Types use warehouse-neutral names
// (STRING, INTEGER, FLOAT, NUMERIC, BOOLEAN, TIMESTAMP, DATE).
type Field struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"` // NULLABLE or REQUIRED
}

func (f Field) required() bool {
	return strings.EqualFold(f.Mode, "REQUIRED")
}

// LoadRequest describes a CSV load into dataset.table.
type LoadRequest struct {
	Dataset           string
	Table             string
	Schema            []Field
	SkipLeadingRows   int
	FieldDelimiter    string
	CreateDisposition string
	WriteDisposition  string

	// Sources are read in order. Each source honors SkipLeadingRows.
	Sources []io.Reader
}

// LoadResult reports what a load wrote.
type LoadResult struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

func (r *LoadRequest) normalize() error {
	if r.Dataset == "" || r.Table == "" {
		return errors.New("dataset and table are required")
	}
	if len(r.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	if r.CreateDisposition == "" {
		r.CreateDisposition = CreateIfNeeded
	}
	if r.WriteDisposition == "" {
		r.WriteDisposition = WriteEmpty
	}
	switch r.CreateDisposition {
	case CreateIfNeeded, CreateNever:
	default:
		return fmt.Errorf("unknown create disposition %q", r.CreateDisposition)
	}
	switch r.WriteDisposition {
	case WriteTruncate, WriteAppend, WriteEmpty:
	default:
		return fmt.Errorf("unknown write disposition %q", r.WriteDisposition)
	}
	if r.SkipLeadingRows < 0 {
		return errors.New("skip_leading_rows must not be negative")
	}
	if r.FieldDelimiter == "" {
		r.FieldDelimiter = ","
	}
	if len([]rune(r.FieldDelimiter)) != 1 {
		return fmt.Errorf("field delimiter must be a single character, got %q", r.FieldDelimiter)
	}
	for _, f := range r.Schema {
		if _, err := columnType(f.Type); err != nil {
			return err
		}
	}
	return nil
}

// LoadCSV parses the sources and copies their rows into dataset.table in a
// single transaction, applying the create and write dispositions.
func (w *Warehouse) LoadCSV(ctx context.Context, req *LoadRequest) (*LoadResult, error) {
	if req == nil {
		return nil, errors.New("load request is required")
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}

	rows, schema, err := parseSources(req)
	if err != nil {
		return nil, err
	}

	ident := pgx.Identifier{req.Dataset, req.Table}
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := prepareTable(ctx, tx, req, schema); err != nil {
		return nil, err
	}

	columns := make([]string, len(schema))
	for i, f := range schema {
		columns[i] = f.Name
	}
	n, err := tx.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return nil, fmt.Errorf("copy into %s: %w", ident.Sanitize(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit load: %w", err)
	}

	w.logger.Info("table loaded",
		slog.String("table", ident.Sanitize()),
		slog.Int64("rows", n),
		slog.String("write_disposition", req.WriteDisposition),
	)
	return &LoadResult{Table: req.Dataset + "." + req.Table, Rows: n}, nil
}

func prepareTable(ctx context.Context, tx pgx.Tx, req *LoadRequest, schema []Field) error {
	ident := pgx.Identifier{req.Dataset, req.Table}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", ident.Sanitize()).Scan(&exists); err != nil {
		return fmt.Errorf("check table: %w", err)
	}

	if !exists {
		if req.CreateDisposition == CreateNever {
			return fmt.Errorf("%w: %s", ErrTableNotFound, ident.Sanitize())
		}
		ddl, err := createTableSQL(req.Dataset, req.Table, schema)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
		return nil
	}

	switch req.WriteDisposition {
	case WriteTruncate:
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+ident.Sanitize()); err != nil {
			return fmt.Errorf("truncate table: %w", err)
		}
	case WriteEmpty:
		var nonEmpty bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+ident.Sanitize()+")").Scan(&nonEmpty); err != nil {
			return fmt.Errorf("check table empty: %w", err)
		}
		if nonEmpty {
			return fmt.Errorf("%w: %s", ErrTableNotEmpty, ident.Sanitize())
		}
	}
	return nil
}

// createTableSQL renders the DDL for a load schema.
func createTableSQL(dataset, table string, schema []Field) (string, error) {
	if len(schema) == 0 {
		return "", errors.New("schema is required to create a table")
	}
	cols := make([]string, 0, len(schema))
	for _, f := range schema {
		typ, err := columnType(f.Type)
		if err != nil {
			return "", err
		}
		col := pgx.Identifier{f.Name}.Sanitize() + " " + typ
		if f.required() {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgx.Identifier{dataset, table}.Sanitize(), strings.Join(cols, ", ")), nil
}

func columnType(t string) (string, error) {
	switch strings.ToUpper(t) {
	case "", "STRING":
		return "text", nil
	case "INTEGER", "INT64":
		return "bigint", nil
	case "FLOAT", "FLOAT64":
		return "double precision", nil
	case "NUMERIC", "BIGNUMERIC":
		return "numeric", nil
	case "BOOLEAN", "BOOL":
		return "boolean", nil
	case "TIMESTAMP", "DATETIME":
		return "timestamptz", nil
	case "DATE":
		return "date", nil
	default:
		return "", fmt.Errorf("unsupported field type %q", t)
	}
}

// parseSources reads every source into typed rows. Without an explicit
// schema the header row names STRING columns.
func parseSources(req *LoadRequest) ([][]interface{}, []Field, error) {
	schema := req.Schema
	var rows [][]interface{}

	for i, src := range req.Sources {
		r := csv.NewReader(src)
		r.Comma = []rune(req.FieldDelimiter)[0]
		r.FieldsPerRecord = -1

		line := 0
		for {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, nil, fmt.Errorf("source %d: %w", i, err)
			}
			line++

			if line <= req.SkipLeadingRows {
				if len(schema) == 0 && line == 1 {
					schema = headerSchema(record)
				}
				continue
			}
			if len(schema) == 0 {
				return nil, nil, errors.New("schema is required when there is no header row")
			}

			row, err := convertRecord(record, schema)
			if err != nil {
				return nil, nil, fmt.Errorf("source %d line %d: %w", i, line, err)
			}
			rows = append(rows, row)
		}
	}
	if len(schema) == 0 {
		return nil, nil, errors.New("schema is required when sources are empty")
	}
	return rows, schema, nil
}

func headerSchema(header []string) []Field {
	fields := make([]Field, len(header))
	for i, h := range header {
		fields[i] = Field{Name: strings.TrimSpace(h), Type: "STRING"}
	}
	return fields
}

func convertRecord(record []string, schema []Field) ([]interface{}, error) {
	if len(record) != len(schema) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(schema), len(record))
	}
	row := make([]interface{}, len(schema))
	for i, f := range schema {
		v, err := convertValue(record[i], f)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"1/2/2006 15:04",
	"1/2/06 15:04",
}

func convertValue(raw string, f Field) (interface{}, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		if f.required() {
			return nil, errors.New("missing required value")
		}
		return nil, nil
	}

	switch strings.ToUpper(f.Type) {
	case "", "STRING":
		return raw, nil
	case "INTEGER", "INT64":
		return strconv.ParseInt(s, 10, 64)
	case "FLOAT", "FLOAT64", "NUMERIC", "BIGNUMERIC":
		return strconv.ParseFloat(s, 64)
	case "BOOLEAN", "BOOL":
		return strconv.ParseBool(s)
	case "TIMESTAMP", "DATETIME":
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("invalid timestamp %q", s)
	case "DATE":
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q", s)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported field type %q", f.Type)
	}
}
