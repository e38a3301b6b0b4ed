package k8s

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// logDrainTimeout bounds how long Wait lingers for trailing log lines after
// the job finished.
const logDrainTimeout = 5 * time.Second

// JobWatcher follows a Job until it finishes and streams its pod logs.
type JobWatcher struct {
	client  *Client
	jobName string
	onLog   func(line string)
	logger  *slog.Logger
}

// WatchConfig holds configuration for job watching.
type WatchConfig struct {
	// OnLog is called for each log line
	OnLog func(line string)

	// Logger for watch errors (defaults to slog.Default())
	Logger *slog.Logger
}

// NewJobWatcher creates a new watcher for a job.
func NewJobWatcher(client *Client, jobName string, cfg *WatchConfig) *JobWatcher {
	w := &JobWatcher{client: client, jobName: jobName, logger: slog.Default()}
	if cfg != nil {
		w.onLog = cfg.OnLog
		if cfg.Logger != nil {
			w.logger = cfg.Logger
		}
	}
	return w
}

// Wait blocks until the job succeeds or fails, or ctx is done.
func (w *JobWatcher) Wait(ctx context.Context) (*JobStatus, error) {
	logCtx, stopLogs := context.WithCancel(ctx)
	defer stopLogs()

	var wg sync.WaitGroup
	if w.onLog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.streamLogs(logCtx)
		}()
	}

	status, err := w.watchJob(ctx)
	if err != nil {
		stopLogs()
		wg.Wait()
		return nil, err
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(logDrainTimeout):
		stopLogs()
		<-drained
	}
	return status, nil
}

func (w *JobWatcher) watchJob(ctx context.Context) (*JobStatus, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// The job may have finished before the watch was established.
		if job, err := w.client.Job(ctx, w.jobName); err == nil {
			if status := GetJobStatus(job); status.Done() {
				return status, nil
			}
		}

		watcher, err := w.client.clientset.BatchV1().Jobs(w.client.namespace).Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", w.jobName),
		})
		if err != nil {
			w.logger.Warn("watch job failed", slog.String("job", w.jobName), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		status, done := w.consume(ctx, watcher)
		watcher.Stop()
		if done {
			return status, nil
		}
	}
}

func (w *JobWatcher) consume(ctx context.Context, watcher watch.Interface) (*JobStatus, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return nil, false
			}
			if event.Type == watch.Error {
				continue
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok || job.Name != w.jobName {
				continue
			}
			if status := GetJobStatus(job); status.Done() {
				return status, true
			}
		}
	}
}

func (w *JobWatcher) streamLogs(ctx context.Context) {
	podName, err := w.waitForPod(ctx)
	if err != nil {
		return
	}
	if err := w.waitForContainer(ctx, podName); err != nil {
		return
	}
	if err := w.followPodLogs(ctx, podName); err != nil && ctx.Err() == nil {
		w.logger.Warn("follow pod logs failed", slog.String("pod", podName), slog.Any("error", err))
	}
}

func (w *JobWatcher) waitForPod(ctx context.Context) (string, error) {
	for {
		pods, err := w.client.JobPods(ctx, w.jobName)
		if err == nil && len(pods) > 0 {
			return pods[0].Name, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (w *JobWatcher) waitForContainer(ctx context.Context, podName string) error {
	for {
		pod, err := w.client.Pod(ctx, podName)
		if err == nil {
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Name == ContainerName && (cs.State.Running != nil || cs.State.Terminated != nil) {
					return nil
				}
			}
			if pod.Status.Phase == corev1.PodRunning ||
				pod.Status.Phase == corev1.PodSucceeded ||
				pod.Status.Phase == corev1.PodFailed {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (w *JobWatcher) followPodLogs(ctx context.Context, podName string) error {
	stream, err := w.client.FollowLogs(ctx, podName)
	if err != nil {
		return fmt.Errorf("get log stream: %w", err)
	}
	defer stream.Close()

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			w.onLog(line)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// ExitCode returns the exit code of the job's step container, if it has
// terminated.
func (c *Client) ExitCode(ctx context.Context, jobName string) (int, bool) {
	pods, err := c.JobPods(ctx, jobName)
	if err != nil {
		return 0, false
	}
	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == ContainerName && cs.State.Terminated != nil {
				return int(cs.State.Terminated.ExitCode), true
			}
		}
	}
	return 0, false
}
