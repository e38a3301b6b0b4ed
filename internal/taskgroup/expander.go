// Package taskgroup expands composite task group steps into namespaced
// subgraphs before a graph is built.
package taskgroup

import (
	"context"
	"fmt"

	"github.com/flexinfer/taskflow/internal/graph"
)

// DefaultResolver is used when a group does not name one.
const DefaultResolver = "dbt"

// maxDepth bounds nested group expansion.
const maxDepth = 8

// Subgraph is what a resolver returns for a selector. Step ids and upstream
// references are local to the subgraph. Entry and Exit default to the
// subgraph's roots and leaves.
type Subgraph struct {
	Steps []graph.Step
	Entry []string
	Exit  []string
}

// Resolver turns a selector into a subgraph.
type Resolver interface {
	Resolve(ctx context.Context, selector, renderMode string) (*Subgraph, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, selector, renderMode string) (*Subgraph, error)

// Resolve calls f(ctx, selector, renderMode).
func (f ResolverFunc) Resolve(ctx context.Context, selector, renderMode string) (*Subgraph, error) {
	return f(ctx, selector, renderMode)
}

// ExpansionError reports a group that could not be expanded.
type ExpansionError struct {
	GroupID string
	Reason  string
	Err     error
}

func (e *ExpansionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("expand task group %q: %s: %v", e.GroupID, e.Reason, e.Err)
	}
	return fmt.Sprintf("expand task group %q: %s", e.GroupID, e.Reason)
}

func (e *ExpansionError) Unwrap() error { return e.Err }

// Expansion is the result of expanding one group.
type Expansion struct {
	EntryIDs []string
	ExitIDs  []string
	Steps    []graph.Step
}

// Expand resolves ref and returns its namespaced steps. Entry steps inherit
// upstream; existing holds ids already present in the enclosing graph.
func Expand(ctx context.Context, ref graph.GroupRef, upstream []string, existing map[string]bool, resolver Resolver) (*Expansion, error) {
	if resolver == nil {
		return nil, &ExpansionError{GroupID: ref.GroupID, Reason: "no resolver"}
	}
	sub, err := resolver.Resolve(ctx, ref.Selector, ref.RenderMode)
	if err != nil {
		return nil, &ExpansionError{GroupID: ref.GroupID, Reason: "resolver failed", Err: err}
	}
	if sub == nil || len(sub.Steps) == 0 {
		return nil, &ExpansionError{GroupID: ref.GroupID, Reason: fmt.Sprintf("selector %q resolved to an empty subgraph", ref.Selector)}
	}

	prefix := ref.GroupID + "."
	local := make(map[string]bool, len(sub.Steps))
	hasDownstream := make(map[string]bool)
	for _, s := range sub.Steps {
		if s.ID == "" {
			return nil, &ExpansionError{GroupID: ref.GroupID, Reason: "subgraph step without id"}
		}
		if local[s.ID] {
			return nil, &ExpansionError{GroupID: ref.GroupID, Reason: fmt.Sprintf("duplicate subgraph step %q", s.ID)}
		}
		local[s.ID] = true
		if existing[prefix+s.ID] {
			return nil, &ExpansionError{GroupID: ref.GroupID, Reason: fmt.Sprintf("step id %q collides with an existing step", prefix+s.ID)}
		}
	}
	for _, s := range sub.Steps {
		for _, up := range s.Upstream {
			if !local[up] {
				return nil, &ExpansionError{GroupID: ref.GroupID, Reason: fmt.Sprintf("subgraph step %q depends on unknown step %q", s.ID, up)}
			}
			hasDownstream[up] = true
		}
	}

	entry, err := pick(ref.GroupID, sub.Entry, local, func(s graph.Step) bool { return len(s.Upstream) == 0 }, sub.Steps)
	if err != nil {
		return nil, err
	}
	exit, err := pick(ref.GroupID, sub.Exit, local, func(s graph.Step) bool { return !hasDownstream[s.ID] }, sub.Steps)
	if err != nil {
		return nil, err
	}
	isEntry := make(map[string]bool, len(entry))
	for _, id := range entry {
		isEntry[id] = true
	}

	out := &Expansion{Steps: make([]graph.Step, 0, len(sub.Steps))}
	for _, s := range sub.Steps {
		ns := s.Clone()
		ns.ID = prefix + s.ID
		ups := make([]string, 0, len(s.Upstream)+len(upstream))
		for _, up := range s.Upstream {
			ups = append(ups, prefix+up)
		}
		if isEntry[s.ID] {
			ups = append(ups, upstream...)
		}
		ns.Upstream = ups
		if ns.Group != nil {
			ns.Group.GroupID = ns.ID
		}
		out.Steps = append(out.Steps, ns)
	}
	for _, id := range entry {
		out.EntryIDs = append(out.EntryIDs, prefix+id)
	}
	for _, id := range exit {
		out.ExitIDs = append(out.ExitIDs, prefix+id)
	}
	return out, nil
}

func pick(groupID string, explicit []string, local map[string]bool, def func(graph.Step) bool, steps []graph.Step) ([]string, error) {
	if len(explicit) > 0 {
		for _, id := range explicit {
			if !local[id] {
				return nil, &ExpansionError{GroupID: groupID, Reason: fmt.Sprintf("boundary step %q is not in the subgraph", id)}
			}
		}
		return explicit, nil
	}
	var out []string
	for _, s := range steps {
		if def(s) {
			out = append(out, s.ID)
		}
	}
	return out, nil
}

// ExpandAll replaces every task group in steps with its resolved subgraph
// and rewires edges into and out of the group. The result contains no group
// steps. Expanding an already flat list returns an equal copy.
func ExpandAll(ctx context.Context, steps []graph.Step, resolvers map[string]Resolver) ([]graph.Step, error) {
	cur := make([]graph.Step, len(steps))
	for i := range steps {
		cur[i] = steps[i].Clone()
	}

	for depth := 0; ; depth++ {
		if !hasGroups(cur) {
			return cur, nil
		}
		if depth >= maxDepth {
			return nil, &ExpansionError{GroupID: firstGroup(cur), Reason: "task groups nested too deeply"}
		}
		next, err := expandLevel(ctx, cur, resolvers)
		if err != nil {
			return nil, err
		}
		cur = next
	}
}

func expandLevel(ctx context.Context, steps []graph.Step, resolvers map[string]Resolver) ([]graph.Step, error) {
	existing := make(map[string]bool, len(steps))
	for _, s := range steps {
		existing[s.ID] = true
	}

	exits := make(map[string][]string)
	out := make([]graph.Step, 0, len(steps))
	for _, s := range steps {
		if !s.IsGroup() {
			out = append(out, s)
			continue
		}
		ref := groupRef(s)
		name := ref.Resolver
		if name == "" {
			name = DefaultResolver
		}
		resolver, ok := resolvers[name]
		if !ok {
			return nil, &ExpansionError{GroupID: ref.GroupID, Reason: fmt.Sprintf("unknown resolver %q", name)}
		}
		exp, err := Expand(ctx, ref, s.Upstream, existing, resolver)
		if err != nil {
			return nil, err
		}
		for _, ns := range exp.Steps {
			existing[ns.ID] = true
		}
		exits[s.ID] = exp.ExitIDs
		out = append(out, exp.Steps...)
	}

	// X -> group becomes X -> entries (done in Expand); group -> Y becomes
	// exits -> Y here.
	for i := range out {
		var ups []string
		for _, up := range out[i].Upstream {
			if ex, ok := exits[up]; ok {
				ups = append(ups, ex...)
				continue
			}
			ups = append(ups, up)
		}
		out[i].Upstream = ups
	}
	return out, nil
}

func groupRef(s graph.Step) graph.GroupRef {
	ref := graph.GroupRef{GroupID: s.ID}
	if s.Group != nil {
		ref = *s.Group
	}
	ref.GroupID = s.ID
	return ref
}

func hasGroups(steps []graph.Step) bool {
	for i := range steps {
		if steps[i].IsGroup() {
			return true
		}
	}
	return false
}

func firstGroup(steps []graph.Step) string {
	for i := range steps {
		if steps[i].IsGroup() {
			return steps[i].ID
		}
	}
	return ""
}
