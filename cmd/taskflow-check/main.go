// taskflow-check runs a data-quality scan against the warehouse and reports
// the verdict on stdout using the step result protocol.
//
// Usage:
//
//	taskflow-check [--root DIR] [--warehouse-url URL] [--scan NAME] [--subpath PATH] < payload.json
//
// The step payload on stdin may carry scan_name and checks_subpath params,
// which take precedence over the flags. Exit status is 0 when every check
// passed, 1 when a check failed and 2 when the scan could not run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flexinfer/taskflow/internal/checks"
	"github.com/flexinfer/taskflow/internal/config"
	"github.com/flexinfer/taskflow/internal/driver"
	"github.com/flexinfer/taskflow/internal/warehouse"
	"github.com/flexinfer/taskflow/pkg/types"
)

var version = "dev"

const (
	exitPassed = 0
	exitFailed = 1
	exitError  = 2
)

// errChecksFailed marks a scan that ran but did not pass.
var errChecksFailed = errors.New("checks failed")

// scanner is the part of checks.Runner the command needs.
type scanner interface {
	Scan(ctx context.Context, scanName, subpath string) (*checks.Report, error)
}

type options struct {
	root         string
	warehouseURL string
	scanName     string
	subpath      string
}

func main() {
	cfg := config.Load()
	// stdout carries the result protocol, so logs go to stderr.
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	opts := options{root: cfg.ChecksRoot, warehouseURL: cfg.WarehouseURL}

	rootCmd := &cobra.Command{
		Use:           "taskflow-check",
		Short:         "Run a data-quality scan",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			whCfg := warehouse.DefaultConfig()
			if opts.warehouseURL != "" {
				whCfg.URL = opts.warehouseURL
			}
			wh, err := warehouse.Open(ctx, whCfg, logger)
			if err != nil {
				return err
			}
			defer wh.Close()

			runner := checks.NewRunner(opts.root, wh, logger)
			return run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), runner, opts, logger)
		},
	}

	rootCmd.Flags().StringVar(&opts.root, "root", opts.root, "Directory holding check files (CHECKS_ROOT)")
	rootCmd.Flags().StringVar(&opts.warehouseURL, "warehouse-url", opts.warehouseURL, "Warehouse connection URL (WAREHOUSE_URL)")
	rootCmd.Flags().StringVar(&opts.scanName, "scan", "", "Scan name when not given in the payload")
	rootCmd.Flags().StringVar(&opts.subpath, "subpath", "", "Checks subpath when not given in the payload")

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errChecksFailed) {
			os.Exit(exitFailed)
		}
		logger.Error("scan failed", slog.String("error", err.Error()))
		os.Exit(exitError)
	}
	os.Exit(exitPassed)
}

// run reads the step payload, performs the scan and writes the log and
// result lines.
func run(ctx context.Context, in io.Reader, out io.Writer, s scanner, opts options, logger *slog.Logger) error {
	payload, err := readPayload(in)
	if err != nil {
		return err
	}
	scanName := paramString(payload.Params, "scan_name", opts.scanName)
	subpath := paramString(payload.Params, "checks_subpath", opts.subpath)
	if scanName == "" || subpath == "" {
		return errors.New("scan_name and checks_subpath are required")
	}

	logger.Info("starting scan",
		slog.String("run_id", payload.RunID),
		slog.String("step_id", payload.StepID),
		slog.String("scan", scanName),
		slog.String("subpath", subpath),
	)

	enc := json.NewEncoder(out)
	if err := enc.Encode(types.EventInput{
		Type: types.EventTypeLog,
		Data: types.LogEvent{Level: types.LogLevelInfo, Message: fmt.Sprintf("scanning %s (%s)", scanName, subpath)},
	}); err != nil {
		return fmt.Errorf("write log line: %w", err)
	}

	report, err := s.Scan(ctx, scanName, subpath)
	if err != nil {
		return fmt.Errorf("scan %s: %w", scanName, err)
	}

	output, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	passed := report.Passed
	if err := enc.Encode(types.ResultLine{Type: types.EventTypeResult, Passed: &passed, Output: output}); err != nil {
		return fmt.Errorf("write result line: %w", err)
	}

	logger.Info("scan finished",
		slog.String("scan", scanName),
		slog.Bool("passed", report.Passed),
		slog.Int("failed", report.Failed),
		slog.Int("total", report.Total),
	)
	if !report.Passed {
		return errChecksFailed
	}
	return nil
}

// readPayload decodes the step payload. An empty stdin yields an empty
// payload so the command can also be run by hand with flags.
func readPayload(in io.Reader) (*driver.Payload, error) {
	var p driver.Payload
	if err := json.NewDecoder(in).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}

func paramString(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
