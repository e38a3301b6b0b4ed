package taskgroup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/pkg/types"
)

// Render modes understood by DbtResolver.
const (
	RenderAfterEach = "after_each"
	RenderAfterAll  = "after_all"
	RenderRunOnly   = "none"
	RenderBuild     = "build"
)

// DbtConfig configures how dbt is invoked.
type DbtConfig struct {
	// Executable is the dbt binary. Defaults to "dbt".
	Executable string

	// ProjectDir is the dbt project directory (contains dbt_project.yml).
	ProjectDir string

	// ProfilesDir overrides the profiles.yml location.
	ProfilesDir string

	// Target selects the profile target.
	Target string

	// Env is added to the environment of ls and of generated steps.
	Env map[string]string
}

// commandFunc runs a command and returns its stdout.
type commandFunc func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

// DbtResolver resolves selectors by listing the dbt project with `dbt ls`
// and turning each selected model into a process-isolated step.
type DbtResolver struct {
	cfg DbtConfig
	run commandFunc
}

// NewDbtResolver creates a resolver for the given project.
func NewDbtResolver(cfg DbtConfig) *DbtResolver {
	if cfg.Executable == "" {
		cfg.Executable = "dbt"
	}
	return &DbtResolver{cfg: cfg, run: runCommand}
}

func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// dbtNode is one line of `dbt ls --output json`.
type dbtNode struct {
	UniqueID     string `json:"unique_id"`
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
	DependsOn    struct {
		Nodes []string `json:"nodes"`
	} `json:"depends_on"`
}

// Resolve lists the nodes matching selector and builds the subgraph.
func (r *DbtResolver) Resolve(ctx context.Context, selector, renderMode string) (*Subgraph, error) {
	mode, err := normalizeRenderMode(renderMode)
	if err != nil {
		return nil, err
	}

	args := []string{"ls", "--select", selector, "--resource-type", "model"}
	if mode == RenderAfterEach || mode == RenderAfterAll {
		args = append(args, "--resource-type", "test")
	}
	args = append(args, "--output", "json", "--output-keys", "unique_id name resource_type depends_on")
	args = append(args, r.commonArgs()...)

	out, err := r.run(ctx, r.cfg.ProjectDir, r.env(), r.cfg.Executable, args...)
	if err != nil {
		return nil, fmt.Errorf("dbt ls: %w", err)
	}
	nodes, err := parseDbtLs(out)
	if err != nil {
		return nil, err
	}
	return r.build(selector, mode, nodes), nil
}

func normalizeRenderMode(mode string) (string, error) {
	switch mode {
	case "", "dbt_ls", RenderAfterEach:
		return RenderAfterEach, nil
	case RenderAfterAll, RenderRunOnly, RenderBuild:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown render mode %q", mode)
	}
}

func parseDbtLs(out []byte) ([]dbtNode, error) {
	var nodes []dbtNode
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		// dbt interleaves plain log lines with the JSON listing
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var n dbtNode
		if err := json.Unmarshal(line, &n); err != nil {
			return nil, fmt.Errorf("parse dbt ls output: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dbt ls output: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UniqueID < nodes[j].UniqueID })
	return nodes, nil
}

func (r *DbtResolver) build(selector, mode string, nodes []dbtNode) *Subgraph {
	models := make(map[string]string) // unique_id -> name
	tested := make(map[string]bool)   // model unique_id -> has tests
	hasTests := false
	for _, n := range nodes {
		if n.ResourceType == "model" {
			models[n.UniqueID] = n.Name
		}
	}
	for _, n := range nodes {
		if n.ResourceType != "test" {
			continue
		}
		for _, dep := range n.DependsOn.Nodes {
			if _, ok := models[dep]; ok {
				tested[dep] = true
				hasTests = true
			}
		}
	}

	// Test step ids must not shadow a model, so a model literally named
	// "<name>_test" or "test" pushes the generated id to a numbered suffix.
	taken := make(map[string]bool, len(models))
	for _, name := range models {
		taken[name] = true
	}
	claim := func(base string) string {
		id := base
		for i := 2; taken[id]; i++ {
			id = fmt.Sprintf("%s_%d", base, i)
		}
		taken[id] = true
		return id
	}
	testIDs := make(map[string]string, len(tested))
	if mode == RenderAfterEach {
		for _, n := range nodes {
			if n.ResourceType == "model" && tested[n.UniqueID] {
				testIDs[n.UniqueID] = claim(n.Name + "_test")
			}
		}
	}

	// tail is the step downstream models attach to.
	tail := func(uid string) string {
		if id, ok := testIDs[uid]; ok {
			return id
		}
		return models[uid]
	}

	sub := &Subgraph{}
	for _, n := range nodes {
		if n.ResourceType != "model" {
			continue
		}
		var ups []string
		for _, dep := range n.DependsOn.Nodes {
			if _, ok := models[dep]; ok {
				ups = append(ups, tail(dep))
			}
		}
		verb := "run"
		if mode == RenderBuild {
			verb = "build"
		}
		sub.Steps = append(sub.Steps, r.step(n.Name, ups, verb, n.Name))
		if id, ok := testIDs[n.UniqueID]; ok {
			sub.Steps = append(sub.Steps, r.step(id, []string{n.Name}, "test", n.Name))
		}
	}

	if mode == RenderAfterAll && hasTests && len(sub.Steps) > 0 {
		var leaves []string
		downstream := make(map[string]bool)
		for _, s := range sub.Steps {
			for _, up := range s.Upstream {
				downstream[up] = true
			}
		}
		for _, s := range sub.Steps {
			if !downstream[s.ID] {
				leaves = append(leaves, s.ID)
			}
		}
		sub.Steps = append(sub.Steps, r.step(claim("test"), leaves, "test", selector))
	}
	return sub
}

func (r *DbtResolver) step(id string, upstream []string, verb, selector string) graph.Step {
	cmd := append([]string{r.cfg.Executable, verb, "--select", selector}, r.commonArgs()...)
	env := make(map[string]string, len(r.cfg.Env))
	for k, v := range r.cfg.Env {
		env[k] = v
	}
	return graph.Step{
		ID:        id,
		Upstream:  upstream,
		Kind:      types.StepKindOperator,
		Isolation: types.IsolationProcess,
		Command:   cmd,
		Env:       env,
		Params: map[string]interface{}{
			"dbt_command": verb,
			"select":      selector,
		},
	}
}

func (r *DbtResolver) commonArgs() []string {
	var args []string
	if r.cfg.ProjectDir != "" {
		args = append(args, "--project-dir", r.cfg.ProjectDir)
	}
	if r.cfg.ProfilesDir != "" {
		args = append(args, "--profiles-dir", r.cfg.ProfilesDir)
	}
	if r.cfg.Target != "" {
		args = append(args, "--target", r.cfg.Target)
	}
	return args
}

func (r *DbtResolver) env() []string {
	out := make([]string, 0, len(r.cfg.Env))
	for k, v := range r.cfg.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var _ Resolver = (*DbtResolver)(nil)
