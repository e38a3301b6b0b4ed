package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/k8s"
	"github.com/flexinfer/taskflow/internal/metrics"
	"github.com/flexinfer/taskflow/internal/runctx"
	"github.com/flexinfer/taskflow/pkg/types"
)

// KubernetesConfig holds configuration for the Kubernetes runner.
type KubernetesConfig struct {
	// K8s client configuration
	K8sConfig *k8s.Config

	// Job configuration
	JobConfig *k8s.JobConfig

	// DefaultImage is used for steps that do not name an image.
	DefaultImage string
}

// Kubernetes runs each step attempt as a Kubernetes Job. The payload is
// passed in TASKFLOW_PAYLOAD and the pod log is read as NDJSON.
type Kubernetes struct {
	client       *k8s.Client
	jobBuilder   *k8s.JobBuilder
	emitter      EventEmitter
	defaultImage string
}

// NewKubernetes creates a Kubernetes runner.
func NewKubernetes(emitter EventEmitter, cfg *KubernetesConfig) (*Kubernetes, error) {
	if cfg == nil {
		cfg = &KubernetesConfig{}
	}
	client, err := k8s.NewClient(cfg.K8sConfig)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}
	return NewKubernetesWithClient(emitter, client, cfg), nil
}

// NewKubernetesWithClient creates a runner around an existing client.
func NewKubernetesWithClient(emitter EventEmitter, client *k8s.Client, cfg *KubernetesConfig) *Kubernetes {
	if cfg == nil {
		cfg = &KubernetesConfig{}
	}
	jobCfg := cfg.JobConfig
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()

	return &Kubernetes{
		client:       client,
		jobBuilder:   k8s.NewJobBuilder(jobCfg),
		emitter:      emitter,
		defaultImage: cfg.DefaultImage,
	}
}

// Run creates the Job and waits for it to finish.
func (d *Kubernetes) Run(ctx context.Context, step *graph.Step, sc *runctx.StepContext) (interface{}, error) {
	image := step.Image
	if image == "" {
		image = d.defaultImage
	}
	payload, err := NewPayload(step, sc).Encode()
	if err != nil {
		return nil, err
	}

	runID := sc.RunID()
	req := &k8s.JobRequest{
		RunID:   runID,
		StepID:  step.ID,
		Attempt: sc.Attempt(),
		Image:   image,
		Command: step.Command,
		Env:     step.Env,
		Payload: string(payload),
		Timeout: step.Timeout,
	}
	job, err := d.jobBuilder.BuildJob(req)
	if err != nil {
		return nil, &IsolationError{StepID: step.ID, Err: fmt.Errorf("build job: %w", err)}
	}
	created, err := d.client.CreateJob(ctx, job)
	if err != nil {
		return nil, &IsolationError{StepID: step.ID, Err: fmt.Errorf("create job: %w", err)}
	}
	jobName := created.Name
	start := time.Now()
	logger().Info("created k8s job",
		slog.String("job", jobName),
		slog.String("run_id", runID),
		slog.String("step_id", step.ID),
	)

	var mu sync.Mutex
	var result *types.ResultLine
	watcher := k8s.NewJobWatcher(d.client, jobName, &k8s.WatchConfig{
		OnLog: func(line string) {
			if res, ok := parseResultLine([]byte(line)); ok {
				mu.Lock()
				result = res
				mu.Unlock()
				return
			}
			forwardLine(ctx, d.emitter, runID, step.ID, []byte(line), types.LogLevelInfo)
		},
	})

	status, err := watcher.Wait(ctx)
	if ctx.Err() != nil {
		metrics.K8sJobsTotal.WithLabelValues("cancelled").Inc()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if derr := d.client.DeleteJob(cleanupCtx, jobName); derr != nil {
			logger().Warn("failed to delete job", slog.String("job", jobName), slog.Any("error", derr))
		}
		return nil, fmt.Errorf("step %s: %w", step.ID, ctx.Err())
	}
	if err != nil {
		metrics.K8sJobsTotal.WithLabelValues("error").Inc()
		return nil, &IsolationError{StepID: step.ID, Err: fmt.Errorf("watch job: %w", err)}
	}
	metrics.K8sJobsTotal.WithLabelValues(status.Phase).Inc()
	metrics.K8sJobDuration.WithLabelValues(status.Phase).Observe(time.Since(start).Seconds())

	mu.Lock()
	res := result
	mu.Unlock()
	output, err := decodeOutput(res)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	exitCode := 0
	if status.Phase == "failed" {
		exitCode = 1
		if code, ok := d.client.ExitCode(ctx, jobName); ok {
			exitCode = code
		}
	}
	if res != nil && res.Passed != nil && !*res.Passed {
		return nil, &CheckFailedError{StepID: step.ID, ExitCode: exitCode, Report: output, Stderr: status.Reason}
	}
	if status.Phase == "failed" {
		return nil, &ExitError{StepID: step.ID, Code: exitCode, Stderr: status.Reason}
	}
	return output, nil
}

// Ping checks the API server and returns its version.
func (d *Kubernetes) Ping(ctx context.Context) (string, error) {
	return d.client.Ping(ctx)
}

var _ Runner = (*Kubernetes)(nil)
