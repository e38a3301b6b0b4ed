package k8s

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ContainerName is the name of the step container in every Job.
const ContainerName = "step"

// PayloadEnv carries the JSON step payload into the container.
const PayloadEnv = "TASKFLOW_PAYLOAD"

// Label keys set on every Job and pod.
const (
	LabelRunID   = "taskflow.io/run-id"
	LabelStepID  = "taskflow.io/step-id"
	LabelAttempt = "taskflow.io/attempt"
)

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	// Namespace for the job
	Namespace string

	// ServiceAccountName for the pod
	ServiceAccountName string

	// ImagePullSecrets for private registries
	ImagePullSecrets []string

	// Default resource limits
	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	// ActiveDeadlineSeconds for job timeout
	ActiveDeadlineSeconds *int64

	// TTLSecondsAfterFinished for cleanup
	TTLSecondsAfterFinished *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	deadline := int64(3600)

	return &JobConfig{
		Namespace:               DefaultNamespace,
		ServiceAccountName:      "default",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
	}
}

// JobRequest describes one step attempt to run as a Job.
type JobRequest struct {
	RunID   string
	StepID  string
	Attempt int
	Image   string
	Command []string
	Env     map[string]string
	Payload string
	Timeout time.Duration
}

// JobBuilder creates Kubernetes Jobs for step attempts.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// JobName returns the deterministic Job name of a step attempt.
func JobName(runID, stepID string, attempt int) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	// keep the attempt suffix when the step id is truncated
	suffix := fmt.Sprintf("-a%d", attempt)
	base := sanitizeK8sName(fmt.Sprintf("tf-%s-%s", short, stepID))
	if len(base)+len(suffix) > 63 {
		base = strings.TrimRight(base[:63-len(suffix)], "-")
	}
	return base + suffix
}

// BuildJob creates a Job from a request. Kubernetes never retries the pod;
// retries belong to the scheduler.
func (b *JobBuilder) BuildJob(req *JobRequest) (*batchv1.Job, error) {
	if req.Image == "" {
		return nil, fmt.Errorf("step %s has no image specified", req.StepID)
	}

	labels := map[string]string{
		"app.kubernetes.io/name":       "taskflow-step",
		"app.kubernetes.io/component":  "step",
		"app.kubernetes.io/managed-by": "taskflow",
		LabelRunID:                     sanitizeK8sLabel(req.RunID),
		LabelStepID:                    sanitizeK8sLabel(req.StepID),
		LabelAttempt:                   strconv.Itoa(req.Attempt),
	}

	envVars := []corev1.EnvVar{
		{Name: "TASKFLOW_RUN_ID", Value: req.RunID},
		{Name: "TASKFLOW_STEP_ID", Value: req.StepID},
		{Name: "TASKFLOW_ATTEMPT", Value: strconv.Itoa(req.Attempt)},
		{Name: PayloadEnv, Value: req.Payload},
	}
	for key, value := range req.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	var command, args []string
	if len(req.Command) > 0 {
		command = []string{req.Command[0]}
		args = req.Command[1:]
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
		},
	}

	container := corev1.Container{
		Name:            ContainerName,
		Image:           req.Image,
		Command:         command,
		Args:            args,
		Env:             envVars,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			ReadOnlyRootFilesystem:   boolPtr(true),
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: boolPtr(true),
			RunAsUser:    int64Ptr(1000),
			FSGroup:      int64Ptr(1000),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(req.RunID, req.StepID, req.Attempt),
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			BackoffLimit:            int32Ptr(0),
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}
	if req.Timeout > 0 {
		deadline := int64(req.Timeout.Seconds())
		if deadline < 1 {
			deadline = 1
		}
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

// JobStatus extracts status from a Job.
type JobStatus struct {
	Phase     string
	StartTime *metav1.Time
	EndTime   *metav1.Time
	Succeeded int32
	Failed    int32
	Active    int32
	Reason    string
}

// Done reports whether the job reached a terminal phase.
func (s *JobStatus) Done() bool {
	return s.Phase == "succeeded" || s.Phase == "failed"
}

// GetJobStatus extracts status from a Job object.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		StartTime: job.Status.StartTime,
		EndTime:   job.Status.CompletionTime,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
		Active:    job.Status.Active,
	}

	switch {
	case job.Status.Succeeded > 0:
		status.Phase = "succeeded"
	case job.Status.Failed > 0:
		status.Phase = "failed"
	case job.Status.Active > 0:
		status.Phase = "running"
	default:
		status.Phase = "pending"
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			status.Phase = "succeeded"
		case batchv1.JobFailed:
			status.Phase = "failed"
			status.Reason = cond.Reason
		}
	}
	return status
}

func sanitizeK8sName(name string) string {
	// lowercase alphanumerics and '-', max 63 chars
	name = strings.ToLower(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := strings.Trim(result.String(), "-")
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}

func boolPtr(b bool) *bool    { return &b }
func int32Ptr(i int32) *int32 { return &i }
func int64Ptr(i int64) *int64 { return &i }
