package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/flexinfer/taskflow/internal/checks"
	"github.com/flexinfer/taskflow/pkg/types"
)

type fakeScanner struct {
	report  *checks.Report
	err     error
	scan    string
	subpath string
}

func (f *fakeScanner) Scan(ctx context.Context, scanName, subpath string) (*checks.Report, error) {
	f.scan, f.subpath = scanName, subpath
	return f.report, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lastLine(t *testing.T, out string) types.ResultLine {
	t.Helper()
	var last string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		last = sc.Text()
	}
	var res types.ResultLine
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		t.Fatalf("last line is not JSON: %q", last)
	}
	return res
}

func TestRun(t *testing.T) {
	payload := `{"run_id":"r1","step_id":"check_load","attempt":1,"params":{"scan_name":"check_load","checks_subpath":"sources"}}`

	t.Run("passed", func(t *testing.T) {
		s := &fakeScanner{report: &checks.Report{Scan: "check_load", Passed: true, Total: 2}}
		var out bytes.Buffer

		if err := run(context.Background(), strings.NewReader(payload), &out, s, options{}, quietLogger()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.scan != "check_load" || s.subpath != "sources" {
			t.Errorf("payload params not used: %q %q", s.scan, s.subpath)
		}
		res := lastLine(t, out.String())
		if res.Type != types.EventTypeResult || res.Passed == nil || !*res.Passed {
			t.Errorf("unexpected result line %+v", res)
		}
		var report checks.Report
		if err := json.Unmarshal(res.Output, &report); err != nil || report.Total != 2 {
			t.Errorf("unexpected output %s", res.Output)
		}
	})

	t.Run("failed", func(t *testing.T) {
		s := &fakeScanner{report: &checks.Report{Scan: "check_load", Passed: false, Failed: 1, Total: 2}}
		var out bytes.Buffer

		err := run(context.Background(), strings.NewReader(payload), &out, s, options{}, quietLogger())
		if !errors.Is(err, errChecksFailed) {
			t.Fatalf("expected errChecksFailed, got %v", err)
		}
		res := lastLine(t, out.String())
		if res.Passed == nil || *res.Passed {
			t.Errorf("expected passed=false, got %+v", res)
		}
	})

	t.Run("scan error", func(t *testing.T) {
		s := &fakeScanner{err: checks.ErrNoChecks}
		var out bytes.Buffer

		err := run(context.Background(), strings.NewReader(payload), &out, s, options{}, quietLogger())
		if !errors.Is(err, checks.ErrNoChecks) {
			t.Fatalf("expected ErrNoChecks, got %v", err)
		}
		if strings.Contains(out.String(), `"type":"result"`) {
			t.Error("no result line expected on error")
		}
	})

	t.Run("flags when stdin empty", func(t *testing.T) {
		s := &fakeScanner{report: &checks.Report{Passed: true}}
		opts := options{scanName: "manual", subpath: "transform"}

		if err := run(context.Background(), strings.NewReader(""), io.Discard, s, opts, quietLogger()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.scan != "manual" || s.subpath != "transform" {
			t.Errorf("flags not used: %q %q", s.scan, s.subpath)
		}
	})

	t.Run("missing params", func(t *testing.T) {
		s := &fakeScanner{}
		if err := run(context.Background(), strings.NewReader("{}"), io.Discard, s, options{}, quietLogger()); err == nil {
			t.Error("expected error for missing params")
		}
	})

	t.Run("bad payload", func(t *testing.T) {
		s := &fakeScanner{}
		if err := run(context.Background(), strings.NewReader("{"), io.Discard, s, options{}, quietLogger()); err == nil {
			t.Error("expected decode error")
		}
	})
}
