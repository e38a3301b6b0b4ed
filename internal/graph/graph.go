package graph

import "fmt"

// Graph is a validated, immutable DAG of steps.
type Graph struct {
	steps      map[string]*Step
	ids        []string // declaration order
	index      map[string]int
	upstream   map[string][]string
	downstream map[string][]string
	order      []string
}

// Build validates steps and returns the graph. It fails with
// DuplicateStepError, DanglingDependencyError, CycleError or
// ErrUnexpandedGroup. Steps are copied; the caller's slice is not retained.
func Build(steps []Step) (*Graph, error) {
	g := &Graph{
		steps:      make(map[string]*Step, len(steps)),
		ids:        make([]string, 0, len(steps)),
		index:      make(map[string]int, len(steps)),
		upstream:   make(map[string][]string, len(steps)),
		downstream: make(map[string][]string, len(steps)),
	}

	for i := range steps {
		s := steps[i].Clone()
		if s.ID == "" {
			return nil, ErrEmptyStepID
		}
		if s.IsGroup() {
			return nil, fmt.Errorf("step %q: %w", s.ID, ErrUnexpandedGroup)
		}
		if _, exists := g.steps[s.ID]; exists {
			return nil, &DuplicateStepError{StepID: s.ID}
		}
		g.index[s.ID] = len(g.ids)
		g.ids = append(g.ids, s.ID)
		g.steps[s.ID] = &s
	}

	for _, id := range g.ids {
		seen := make(map[string]bool)
		var ups []string
		for _, up := range g.steps[id].Upstream {
			if _, ok := g.steps[up]; !ok {
				return nil, &DanglingDependencyError{StepID: id, Missing: up}
			}
			if seen[up] {
				continue
			}
			seen[up] = true
			ups = append(ups, up)
			g.downstream[up] = append(g.downstream[up], id)
		}
		g.upstream[id] = ups
		g.steps[id].Upstream = ups
	}

	if path := g.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}
	g.order = g.topoOrder()
	return g, nil
}

// findCycle runs a three-color DFS in declaration order and returns the
// first cycle found, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.ids))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range g.downstream[id] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				// back-edge id -> next closes the cycle
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						break
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// topoOrder is Kahn's algorithm with ties broken by declaration order.
func (g *Graph) topoOrder() []string {
	indeg := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		indeg[id] = len(g.upstream[id])
	}
	var queue, out []string
	for _, id := range g.ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, next := range g.downstream[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.ids) }

// IDs returns step ids in declaration order.
func (g *Graph) IDs() []string { return append([]string(nil), g.ids...) }

// Order returns a topological order. It is a scheduling hint only.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Step returns the step with the given id.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Upstream returns the direct dependencies of a step.
func (g *Graph) Upstream(id string) []string { return g.upstream[id] }

// Downstream returns the direct dependents of a step.
func (g *Graph) Downstream(id string) []string { return g.downstream[id] }

// Roots returns steps with no upstream, in declaration order.
func (g *Graph) Roots() []string {
	var out []string
	for _, id := range g.ids {
		if len(g.upstream[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns steps with no downstream, in declaration order.
func (g *Graph) Leaves() []string {
	var out []string
	for _, id := range g.ids {
		if len(g.downstream[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// ReadySuccessors returns the direct dependents of id whose whole upstream
// set is in completed and which are not yet dispatched.
func (g *Graph) ReadySuccessors(id string, completed, dispatched map[string]bool) []string {
	var out []string
	for _, next := range g.downstream[id] {
		if dispatched[next] {
			continue
		}
		if g.upstreamDone(next, completed) {
			out = append(out, next)
		}
	}
	return out
}

func (g *Graph) upstreamDone(id string, completed map[string]bool) bool {
	for _, up := range g.upstream[id] {
		if !completed[up] {
			return false
		}
	}
	return true
}

// Descendants returns every step transitively downstream of id, in
// topological order.
func (g *Graph) Descendants(id string) []string {
	return g.reach(id, g.downstream)
}

// Ancestors returns every step transitively upstream of id, in topological
// order.
func (g *Graph) Ancestors(id string) []string {
	return g.reach(id, g.upstream)
}

func (g *Graph) reach(id string, edges map[string][]string) []string {
	seen := map[string]bool{}
	queue := append([]string(nil), edges[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, edges[cur]...)
	}
	out := make([]string, 0, len(seen))
	for _, s := range g.order {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}
