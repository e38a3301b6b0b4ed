package checks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flexinfer/taskflow/internal/metrics"
	"github.com/flexinfer/taskflow/internal/warehouse"
)

// Result is the outcome of one check.
type Result struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Table   string `json:"table"`
	Value   *int64 `json:"value,omitempty"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the outcome of a scan.
type Report struct {
	Scan      string        `json:"scan"`
	Passed    bool          `json:"passed"`
	Total     int           `json:"total"`
	Failed    int           `json:"failed"`
	Checks    []Result      `json:"checks"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Runner evaluates check files found under a root directory.
type Runner struct {
	root    string
	querier warehouse.Querier
	logger  *slog.Logger
}

// NewRunner creates a runner reading checks from root.
func NewRunner(root string, q warehouse.Querier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{root: root, querier: q, logger: logger}
}

// Scan evaluates every check under root/subpath. A check that cannot be
// evaluated counts as failed; only loading errors are returned.
func (r *Runner) Scan(ctx context.Context, scanName, subpath string) (*Report, error) {
	dir := filepath.Join(r.root, filepath.Clean("/" + subpath))
	checks, err := Load(dir)
	if err != nil {
		metrics.ChecksTotal.WithLabelValues(scanName, "error").Inc()
		return nil, err
	}

	report := &Report{Scan: scanName, StartedAt: time.Now().UTC(), Passed: true}
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := r.evaluate(ctx, c)
		if !res.Passed {
			report.Passed = false
			report.Failed++
		}
		report.Checks = append(report.Checks, res)

		r.logger.Info("check evaluated",
			slog.String("scan", scanName),
			slog.String("check", c.Name),
			slog.Bool("passed", res.Passed),
		)
	}
	report.Total = len(report.Checks)
	report.Duration = time.Since(report.StartedAt)

	result := "passed"
	if !report.Passed {
		result = "failed"
	}
	metrics.ChecksTotal.WithLabelValues(scanName, result).Inc()
	return report, nil
}

func (r *Runner) evaluate(ctx context.Context, c Check) Result {
	res := Result{Name: c.Name, Type: c.Type}
	if c.Table != "" {
		res.Table = c.Dataset + "." + c.Table
	}

	if c.Type == TypeSchema {
		cols, err := r.querier.Columns(ctx, c.Dataset, c.Table)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		missing := compareSchema(c.Schema, cols)
		res.Passed = len(missing) == 0
		if !res.Passed {
			res.Message = "schema mismatch: " + strings.Join(missing, ", ")
		}
		return res
	}

	query := countQuery(c)
	n, err := r.querier.Count(ctx, query)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Value = &n

	if c.Expect != "" {
		ok, err := expects.holds(c.Expect, n)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Passed = ok
		if !ok {
			res.Message = fmt.Sprintf("value %d does not satisfy %s", n, c.Expect)
		}
		return res
	}

	lo, hi := bounds(c)
	res.Passed = (lo == nil || n >= *lo) && (hi == nil || n <= *hi)
	if !res.Passed {
		res.Message = fmt.Sprintf("value %d outside %s", n, describeBounds(lo, hi))
	}
	return res
}

// countQuery renders the measurement query of a count check. Metric
// checks bring their own.
func countQuery(c Check) string {
	if c.Type == TypeMetric {
		return c.Query
	}
	table := pgx.Identifier{c.Dataset, c.Table}.Sanitize()
	switch c.Type {
	case TypeMissingCount:
		return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s IS NULL", table, pgx.Identifier{c.Column}.Sanitize())
	case TypeDuplicateCount:
		cols := c.Columns
		if len(cols) == 0 {
			cols = []string{c.Column}
		}
		quoted := make([]string, len(cols))
		for i, col := range cols {
			quoted[i] = pgx.Identifier{col}.Sanitize()
		}
		list := strings.Join(quoted, ", ")
		return fmt.Sprintf("SELECT count(*) FROM (SELECT %s FROM %s GROUP BY %s HAVING count(*) > 1) dup", list, table, list)
	default:
		return fmt.Sprintf("SELECT count(*) FROM %s", table)
	}
}

func bounds(c Check) (*int64, *int64) {
	if c.Min != nil || c.Max != nil {
		return c.Min, c.Max
	}
	if c.Type == TypeRowCount {
		one := int64(1)
		return &one, nil
	}
	zero := int64(0)
	return nil, &zero
}

func describeBounds(lo, hi *int64) string {
	switch {
	case lo != nil && hi != nil:
		return fmt.Sprintf("[%d, %d]", *lo, *hi)
	case lo != nil:
		return fmt.Sprintf(">= %d", *lo)
	default:
		return fmt.Sprintf("<= %d", *hi)
	}
}

// compareSchema lists expected columns that are missing or mistyped.
func compareSchema(expected, actual []warehouse.Column) []string {
	byName := make(map[string]warehouse.Column, len(actual))
	for _, c := range actual {
		byName[strings.ToLower(c.Name)] = c
	}

	var problems []string
	for _, want := range expected {
		got, ok := byName[strings.ToLower(want.Name)]
		if !ok {
			problems = append(problems, want.Name+" missing")
			continue
		}
		if want.Type != "" && !strings.EqualFold(want.Type, got.Type) {
			problems = append(problems, fmt.Sprintf("%s is %s, want %s", want.Name, got.Type, want.Type))
		}
	}
	return problems
}
