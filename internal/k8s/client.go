// Package k8s provides Kubernetes integration for running steps as Jobs.
package k8s

import (
	"context"
	"fmt"
	"io"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	typedbatchv1 "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "taskflow"

// Config holds K8s client configuration.
type Config struct {
	// InCluster uses the pod's service account.
	InCluster bool

	// Kubeconfig is an explicit kubeconfig path. Empty falls back to
	// KUBECONFIG and then ~/.kube/config.
	Kubeconfig string

	// Namespace for step Jobs
	Namespace string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Namespace: DefaultNamespace}
}

// Client talks to the Jobs and Pods of one namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// NewClient creates a client from cfg.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	restConfig, err := restConfigFor(cfg)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewClientWithInterface(clientset, cfg.Namespace), nil
}

func restConfigFor(cfg *Config) (*rest.Config, error) {
	if cfg.InCluster {
		rc, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		return rc, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	rc, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("kubeconfig: %w", err)
	}
	return rc, nil
}

// NewClientWithInterface wraps an existing clientset, such as the fake
// clientset in tests.
func NewClientWithInterface(cs kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Client{clientset: cs, namespace: namespace}
}

// Namespace returns the configured namespace.
func (c *Client) Namespace() string {
	return c.namespace
}

// Ping returns the API server version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	v, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		return "", fmt.Errorf("kubernetes api: %w", err)
	}
	return v.GitVersion, nil
}

func (c *Client) jobs() typedbatchv1.JobInterface {
	return c.clientset.BatchV1().Jobs(c.namespace)
}

// CreateJob submits a step Job.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return c.jobs().Create(ctx, job, metav1.CreateOptions{})
}

// Job fetches a Job by name.
func (c *Client) Job(ctx context.Context, name string) (*batchv1.Job, error) {
	return c.jobs().Get(ctx, name, metav1.GetOptions{})
}

// DeleteJob removes a Job together with its pods.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	return c.jobs().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
}

// JobPods lists the pods created for a Job.
func (c *Client) JobPods(ctx context.Context, jobName string) ([]corev1.Pod, error) {
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, err
	}
	return pods.Items, nil
}

// Pod fetches a pod by name.
func (c *Client) Pod(ctx context.Context, name string) (*corev1.Pod, error) {
	return c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
}

// FollowLogs streams the step container's output until it exits.
func (c *Client) FollowLogs(ctx context.Context, podName string) (io.ReadCloser, error) {
	return c.clientset.CoreV1().Pods(c.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: ContainerName,
		Follow:    true,
	}).Stream(ctx)
}
