// taskflow runs pipelines of dependent steps.
//
// Usage:
//
//	taskflow serve                 start the HTTP API and the cron trigger
//	taskflow run <pipeline-file>   plan and execute a pipeline in the foreground
//	taskflow plan <pipeline-file>  print the expanded execution plan
//	taskflow validate <file>...    check pipeline files without running them
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flexinfer/taskflow/internal/api"
	"github.com/flexinfer/taskflow/internal/config"
	"github.com/flexinfer/taskflow/internal/planner"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/internal/tracing"
	"github.com/flexinfer/taskflow/internal/trigger"
	"github.com/flexinfer/taskflow/pkg/types"
)

var version = "dev"

// errRunFailed is returned by the run command when the pipeline did not
// succeed.
var errRunFailed = errors.New("run did not succeed")

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "taskflow",
		Short:         "Minimal workflow orchestration engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Validate()
		},
	}
	rootCmd.AddCommand(
		newServeCmd(cfg, logger),
		newRunCmd(cfg, logger),
		newPlanCmd(cfg, logger),
		newValidateCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newServeCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the cron trigger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting taskflow",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "taskflow",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
		SampleRate:     cfg.OTelSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	trig := trigger.New(a.engine.Trigger, logger)
	if cfg.PipelinesDir != "" {
		ids, err := a.loadPipelines(ctx, cfg.PipelinesDir)
		if err != nil {
			return err
		}
		logger.Info("pipelines loaded",
			slog.String("dir", cfg.PipelinesDir),
			slog.Int("count", len(ids)),
		)
	}
	stored, err := a.pipelines.List(ctx, nil)
	if err != nil {
		return err
	}
	for _, spec := range stored {
		if err := trig.Sync(spec); err != nil {
			logger.Error("failed to schedule pipeline",
				slog.String("pipeline", spec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	// Runs started by the trigger must not die with the signal context.
	trig.Start(context.WithoutCancel(ctx))

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	handlers := api.NewHandlers(api.Deps{
		Engine:    a.engine,
		Pipelines: a.pipelines,
		Runs:      a.runs,
		Registry:  a.registry,
		Planner:   a.planner,
		Schedules: trig,
		Config:    cfg,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewServer(handlers, limiter).Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	trig.Stop()
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", slog.String("error", err.Error()))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
	return nil
}

func newRunCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var (
		runID   string
		ctxFile string
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Plan and execute a pipeline in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			spec, err := planner.LoadFile(args[0])
			if err != nil {
				return err
			}
			values, err := readContext(ctxFile)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			g, err := a.planner.Plan(ctx, spec)
			if err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.New().String()
			}
			res, err := a.engine.Execute(ctx, spec, g, runctx.New(runID, runctx.WithValues(values)))
			if res != nil {
				if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if res.Status != types.RunStatusSucceeded {
				return fmt.Errorf("%w: %s", errRunFailed, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: random UUID)")
	cmd.Flags().StringVar(&ctxFile, "context", "", "JSON file with initial context values")
	return cmd
}

func newPlanCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <pipeline-file>",
		Short: "Print the expanded execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			spec, err := planner.LoadFile(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			g, err := a.planner.Plan(ctx, spec)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), planner.Describe(spec.ID, g))
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-file>...",
		Short: "Check pipeline files against the schema and the cron syntax",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFiles(cmd.OutOrStdout(), args)
		},
	}
}

// validateFiles checks each file's schema and schedule without binding
// operators, so it needs no backends.
func validateFiles(w io.Writer, paths []string) error {
	p, err := planner.New(nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	failed := 0
	for _, path := range paths {
		spec, err := planner.LoadFile(path)
		if err == nil {
			err = p.Validate(spec).Err()
		}
		if err == nil && spec.Schedule != "" {
			err = trigger.Validate(spec.Schedule)
		}
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(w, "%s: ok (%d steps)\n", path, len(spec.Steps))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pipelines invalid", failed, len(paths))
	}
	return nil
}

func readContext(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return values, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
