// Package checks evaluates data-quality checks declared in YAML files
// against the warehouse.
package checks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/flexinfer/taskflow/internal/warehouse"
)

// Check types.
const (
	TypeRowCount       = "row_count"
	TypeMissingCount   = "missing_count"
	TypeDuplicateCount = "duplicate_count"
	TypeSchema         = "schema"
	TypeMetric         = "metric"
)

// ErrNoChecks is returned when a scan finds no check files.
var ErrNoChecks = errors.New("no checks found")

// Check is a single assertion about a table.
type Check struct {
	Name    string   `yaml:"name" json:"name"`
	Type    string   `yaml:"type" json:"type"`
	Dataset string   `yaml:"dataset,omitempty" json:"dataset,omitempty"`
	Table   string   `yaml:"table,omitempty" json:"table,omitempty"`
	Column  string   `yaml:"column,omitempty" json:"column,omitempty"`
	Columns []string `yaml:"columns,omitempty" json:"columns,omitempty"`

	// Schema lists the expected columns of a schema check. An empty type
	// only asserts presence.
	Schema []warehouse.Column `yaml:"schema,omitempty" json:"schema,omitempty"`

	// Query is the SQL of a metric check. It must return one integer.
	Query string `yaml:"query,omitempty" json:"query,omitempty"`

	// Bounds on the measured value. Count checks default to max 0 and
	// row_count defaults to min 1.
	Min *int64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *int64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Expect is a boolean expression over `value`, e.g. "value % 2 == 0".
	// It replaces Min and Max.
	Expect string `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// File is the document format of a checks file. Dataset and Table are
// defaults for every check in the file.
type File struct {
	Dataset string  `yaml:"dataset,omitempty"`
	Table   string  `yaml:"table,omitempty"`
	Checks  []Check `yaml:"checks"`
}

func (c *Check) validate() error {
	if c.Type == TypeMetric {
		if c.Query == "" {
			return fmt.Errorf("check %q: query is required", c.Name)
		}
	} else if c.Dataset == "" || c.Table == "" {
		return fmt.Errorf("check %q: dataset and table are required", c.Name)
	}
	switch c.Type {
	case TypeMetric:
		if c.Expect == "" && c.Min == nil && c.Max == nil {
			return fmt.Errorf("check %q: expect, min or max is required", c.Name)
		}
	case TypeRowCount:
	case TypeMissingCount:
		if c.Column == "" {
			return fmt.Errorf("check %q: column is required", c.Name)
		}
	case TypeDuplicateCount:
		if c.Column == "" && len(c.Columns) == 0 {
			return fmt.Errorf("check %q: column or columns is required", c.Name)
		}
	case TypeSchema:
		if len(c.Schema) == 0 {
			return fmt.Errorf("check %q: schema is required", c.Name)
		}
	default:
		return fmt.Errorf("check %q: unknown type %q", c.Name, c.Type)
	}
	if c.Expect != "" {
		if c.Type == TypeSchema {
			return fmt.Errorf("check %q: expect does not apply to schema checks", c.Name)
		}
		if _, err := expects.compile(c.Expect); err != nil {
			return fmt.Errorf("check %q: %w", c.Name, err)
		}
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("check %q: min is greater than max", c.Name)
	}
	return nil
}

// Parse decodes a checks document, applying file defaults and names.
func Parse(data []byte) ([]Check, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse checks: %w", err)
	}

	out := make([]Check, 0, len(f.Checks))
	for i, c := range f.Checks {
		if c.Dataset == "" {
			c.Dataset = f.Dataset
		}
		if c.Table == "" {
			c.Table = f.Table
		}
		if c.Name == "" {
			c.Name = fmt.Sprintf("%s_%d", c.Type, i+1)
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Load reads every *.yml and *.yaml file in dir, in name order.
func Load(dir string) ([]Check, error) {
	var files []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	var all []Check
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		checks, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		all = append(all, checks...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChecks, dir)
	}
	return all, nil
}
