package types

import "time"

// StepKind distinguishes the three kinds of pipeline step.
type StepKind string

const (
	StepKindOperator      StepKind = "operator"
	StepKindTaskGroup     StepKind = "task_group"
	StepKindExternalCheck StepKind = "external_check"
)

// Isolation selects where a step body executes.
type Isolation string

const (
	IsolationInProcess  Isolation = "in_process"
	IsolationProcess    Isolation = "process"
	IsolationKubernetes Isolation = "kubernetes"
)

// PipelineSpec is the declarative description of a pipeline, loaded from
// JSON or YAML and compiled into a graph by the planner.
type PipelineSpec struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Chain makes every step without an explicit upstream depend on the
	// step declared before it.
	Chain bool `json:"chain,omitempty" yaml:"chain,omitempty"`

	// Schedule is an optional cron expression ("@daily", "0 6 * * *").
	// Without one the pipeline only runs when triggered.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	Defaults StepDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Steps    []StepSpec   `json:"steps" yaml:"steps"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// StepDefaults apply to every step that does not override them.
type StepDefaults struct {
	Retry          RetrySpec         `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Isolation      Isolation         `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// StepSpec describes one step of a pipeline.
type StepSpec struct {
	ID       string   `json:"id" yaml:"id"`
	Kind     StepKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Upstream []string `json:"upstream,omitempty" yaml:"upstream,omitempty"`

	// Operator steps
	Operator string                 `json:"operator,omitempty" yaml:"operator,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`

	// Task group steps
	Group *GroupSpec `json:"group,omitempty" yaml:"group,omitempty"`

	// External check steps
	Check *CheckSpec `json:"check,omitempty" yaml:"check,omitempty"`

	// Execution
	Isolation   Isolation         `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	Command     []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Image       string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ContextKeys []string          `json:"context_keys,omitempty" yaml:"context_keys,omitempty"`

	// Lifecycle
	Retry          *RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutSeconds float64    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// GroupSpec configures a task group expansion.
type GroupSpec struct {
	// Resolver names the resolver used for expansion ("dbt" by default).
	Resolver   string `json:"resolver,omitempty" yaml:"resolver,omitempty"`
	Selector   string `json:"selector" yaml:"selector"`
	RenderMode string `json:"render_mode,omitempty" yaml:"render_mode,omitempty"`

	// Steps is an inline subgraph, used by the "static" resolver.
	Steps []StepSpec `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// CheckSpec configures an external data-quality check.
type CheckSpec struct {
	ScanName      string `json:"scan_name" yaml:"scan_name"`
	ChecksSubpath string `json:"checks_subpath" yaml:"checks_subpath"`
}

// RetrySpec is the retry policy of a step.
type RetrySpec struct {
	MaxAttempts       int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffSeconds    float64 `json:"backoff_seconds,omitempty" yaml:"backoff_seconds,omitempty"`
	Factor            float64 `json:"factor,omitempty" yaml:"factor,omitempty"`
	MaxBackoffSeconds float64 `json:"max_backoff_seconds,omitempty" yaml:"max_backoff_seconds,omitempty"`
}

// PipelineMeta is a lightweight representation of a pipeline for listing.
type PipelineMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Steps     int       `json:"steps"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Meta returns the listing form of the pipeline.
func (p *PipelineSpec) Meta() PipelineMeta {
	return PipelineMeta{
		ID:        p.ID,
		Name:      p.Name,
		Tags:      p.Tags,
		Steps:     len(p.Steps),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// RunRequest is the request body for starting a pipeline run.
type RunRequest struct {
	RunID    string                 `json:"run_id,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// RunResponse is returned after a run has been accepted.
type RunResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	EventsURL string    `json:"events_url"`
	ResultURL string    `json:"result_url"`
}
