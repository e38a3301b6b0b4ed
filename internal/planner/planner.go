// Package planner compiles pipeline descriptions into executable graphs:
// it validates the description, binds operator bodies from the registry,
// expands task groups and builds the dependency graph.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/internal/registry"
	"github.com/flexinfer/taskflow/internal/taskgroup"
	"github.com/flexinfer/taskflow/internal/trigger"
	"github.com/flexinfer/taskflow/internal/validator"
	"github.com/flexinfer/taskflow/pkg/types"
)

// StaticResolverName is the resolver serving inline group steps.
const StaticResolverName = "static"

// ErrInvalidStep is wrapped by errors about a step that cannot be compiled.
var ErrInvalidStep = errors.New("invalid step")

// Config holds planner configuration.
type Config struct {
	// CheckCommand runs external checks. The step payload carries the
	// scan_name and checks_subpath params.
	CheckCommand []string

	// CheckEnv is added to the environment of check steps.
	CheckEnv map[string]string

	// DefaultIsolation applies to steps that neither set isolation nor
	// name an operator.
	DefaultIsolation types.Isolation
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CheckCommand:     []string{"taskflow-check"},
		DefaultIsolation: types.IsolationInProcess,
	}
}

// Planner turns pipeline specs into graphs.
type Planner struct {
	cfg       *Config
	registry  registry.Registry
	validator *validator.Validator
	resolvers map[string]taskgroup.Resolver
	logger    *slog.Logger
}

// New creates a planner. resolvers maps resolver names to group resolvers;
// the static resolver for inline groups is added per plan.
func New(reg registry.Registry, resolvers map[string]taskgroup.Resolver, cfg *Config, logger *slog.Logger) (*Planner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	v, err := validator.New()
	if err != nil {
		return nil, err
	}
	return &Planner{
		cfg:       cfg,
		registry:  reg,
		validator: v,
		resolvers: resolvers,
		logger:    logger,
	}, nil
}

// Validate checks a spec against the pipeline schema.
func (p *Planner) Validate(spec *types.PipelineSpec) *validator.ValidationResult {
	return p.validator.ValidateSpec(spec)
}

// Plan validates spec and compiles it into a graph with every task group
// expanded. Errors are returned before anything runs.
func (p *Planner) Plan(ctx context.Context, spec *types.PipelineSpec) (*graph.Graph, error) {
	steps, err := p.Steps(ctx, spec)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(steps)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("pipeline planned",
		slog.String("pipeline", spec.ID),
		slog.Int("steps", g.Len()),
	)
	return g, nil
}

// Steps compiles spec into a flat list of expanded steps.
func (p *Planner) Steps(ctx context.Context, spec *types.PipelineSpec) ([]graph.Step, error) {
	if spec == nil {
		return nil, errors.New("pipeline spec is nil")
	}
	if err := p.Validate(spec).Err(); err != nil {
		return nil, err
	}
	if spec.Schedule != "" {
		if err := trigger.Validate(spec.Schedule); err != nil {
			return nil, err
		}
	}

	c := &compilation{
		planner: p,
		spec:    spec,
		static:  taskgroup.NewStaticResolver(),
	}
	steps, err := c.compileList(ctx, spec.Steps, spec.Chain)
	if err != nil {
		return nil, err
	}

	resolvers := make(map[string]taskgroup.Resolver, len(p.resolvers)+1)
	for name, r := range p.resolvers {
		resolvers[name] = r
	}
	resolvers[StaticResolverName] = c.static

	return taskgroup.ExpandAll(ctx, steps, resolvers)
}

// compilation carries the state of one Plan call.
type compilation struct {
	planner *Planner
	spec    *types.PipelineSpec
	static  *taskgroup.StaticResolver
	inline  int
}

func (c *compilation) compileList(ctx context.Context, specs []types.StepSpec, chain bool) ([]graph.Step, error) {
	steps := make([]graph.Step, 0, len(specs))
	for i := range specs {
		s, err := c.compile(ctx, &specs[i])
		if err != nil {
			return nil, err
		}
		if chain && i > 0 && len(specs[i].Upstream) == 0 {
			s.Upstream = []string{specs[i-1].ID}
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func (c *compilation) compile(ctx context.Context, ss *types.StepSpec) (graph.Step, error) {
	d := c.spec.Defaults
	s := graph.Step{
		ID:          ss.ID,
		Kind:        Kind(ss),
		Upstream:    append([]string(nil), ss.Upstream...),
		Command:     append([]string(nil), ss.Command...),
		Image:       ss.Image,
		Env:         mergeEnv(d.Env, ss.Env),
		Params:      copyParams(ss.Params),
		ContextKeys: append([]string(nil), ss.ContextKeys...),
		Timeout:     seconds(firstNonZero(ss.TimeoutSeconds, d.TimeoutSeconds)),
	}
	retry := d.Retry
	if ss.Retry != nil {
		retry = *ss.Retry
	}
	s.MaxAttempts = retry.MaxAttempts
	s.Backoff = seconds(retry.BackoffSeconds)
	s.BackoffFactor = retry.Factor
	s.MaxBackoff = seconds(retry.MaxBackoffSeconds)

	var err error
	switch s.Kind {
	case types.StepKindOperator:
		err = c.operator(ctx, ss, &s)
	case types.StepKindExternalCheck:
		err = c.check(ss, &s)
	case types.StepKindTaskGroup:
		err = c.group(ctx, ss, &s)
	default:
		err = fmt.Errorf("unknown kind %q", s.Kind)
	}
	if err != nil {
		return graph.Step{}, fmt.Errorf("%w %q: %w", ErrInvalidStep, ss.ID, err)
	}
	return s, nil
}

// Kind returns the declared kind of a step, inferring it from the step's
// fields when unset.
func Kind(ss *types.StepSpec) types.StepKind {
	switch {
	case ss.Kind != "":
		return ss.Kind
	case ss.Group != nil:
		return types.StepKindTaskGroup
	case ss.Check != nil:
		return types.StepKindExternalCheck
	default:
		return types.StepKindOperator
	}
}

func (c *compilation) operator(ctx context.Context, ss *types.StepSpec, s *graph.Step) error {
	if ss.Operator != "" {
		if ss.Isolation != "" && ss.Isolation != types.IsolationInProcess {
			return fmt.Errorf("operator %s runs in process, not %s", ss.Operator, ss.Isolation)
		}
		if c.planner.registry == nil {
			return fmt.Errorf("%w: %s", registry.ErrOperatorNotFound, ss.Operator)
		}
		body, err := c.planner.registry.Bind(ctx, ss.Operator, ss.Params)
		if err != nil {
			return err
		}
		s.Body = body
		s.Isolation = types.IsolationInProcess
		return nil
	}

	s.Isolation = c.isolation(ss.Isolation)
	switch s.Isolation {
	case types.IsolationInProcess:
		return errors.New("in_process steps need an operator")
	case types.IsolationProcess:
		if len(s.Command) == 0 {
			return errors.New("process steps need a command")
		}
	case types.IsolationKubernetes:
		if s.Image == "" {
			return errors.New("kubernetes steps need an image")
		}
	}
	return nil
}

func (c *compilation) check(ss *types.StepSpec, s *graph.Step) error {
	if ss.Check == nil {
		return errors.New("external_check steps need a check")
	}
	if s.Params == nil {
		s.Params = make(map[string]interface{}, 2)
	}
	s.Params["scan_name"] = ss.Check.ScanName
	s.Params["checks_subpath"] = ss.Check.ChecksSubpath

	s.Isolation = ss.Isolation
	if s.Isolation == "" {
		s.Isolation = types.IsolationProcess
	}
	switch s.Isolation {
	case types.IsolationProcess:
		if len(s.Command) == 0 {
			s.Command = append([]string(nil), c.planner.cfg.CheckCommand...)
		}
		if len(s.Command) == 0 {
			return errors.New("no check command configured")
		}
	case types.IsolationKubernetes:
		if s.Image == "" {
			return errors.New("kubernetes checks need an image")
		}
	default:
		return fmt.Errorf("checks cannot run %s", s.Isolation)
	}
	s.Env = mergeEnv(c.planner.cfg.CheckEnv, s.Env)
	return nil
}

func (c *compilation) group(ctx context.Context, ss *types.StepSpec, s *graph.Step) error {
	if ss.Group == nil {
		return errors.New("task_group steps need a group")
	}
	ref := &graph.GroupRef{
		GroupID:    ss.ID,
		Resolver:   ss.Group.Resolver,
		Selector:   ss.Group.Selector,
		RenderMode: ss.Group.RenderMode,
	}

	if len(ss.Group.Steps) > 0 {
		if ref.Resolver != "" && ref.Resolver != StaticResolverName {
			return fmt.Errorf("inline steps cannot use resolver %q", ref.Resolver)
		}
		inner, err := c.compileList(ctx, ss.Group.Steps, false)
		if err != nil {
			return err
		}
		c.inline++
		ref.Resolver = StaticResolverName
		ref.Selector = fmt.Sprintf("%s#%d", ss.ID, c.inline)
		c.static.Register(ref.Selector, taskgroup.Subgraph{Steps: inner})
	} else if ref.Selector == "" {
		return errors.New("group selector is required")
	}

	s.Kind = types.StepKindTaskGroup
	s.Group = ref
	return nil
}

func (c *compilation) isolation(declared types.Isolation) types.Isolation {
	switch {
	case declared != "":
		return declared
	case c.spec.Defaults.Isolation != "":
		return c.spec.Defaults.Isolation
	case c.planner.cfg.DefaultIsolation != "":
		return c.planner.cfg.DefaultIsolation
	default:
		return types.IsolationInProcess
	}
}

func mergeEnv(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func copyParams(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func firstNonZero(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
