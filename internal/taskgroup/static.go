package taskgroup

import (
	"context"
	"fmt"
	"sync"

	"github.com/flexinfer/taskflow/internal/graph"
)

// StaticResolver serves fixed subgraphs keyed by selector. It backs inline
// groups declared in pipeline files.
type StaticResolver struct {
	mu        sync.RWMutex
	subgraphs map[string]Subgraph
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{subgraphs: make(map[string]Subgraph)}
}

// Register stores the subgraph returned for selector.
func (r *StaticResolver) Register(selector string, sub Subgraph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subgraphs[selector] = sub
}

// Resolve returns a copy of the registered subgraph. Render mode is ignored.
func (r *StaticResolver) Resolve(_ context.Context, selector, _ string) (*Subgraph, error) {
	r.mu.RLock()
	sub, ok := r.subgraphs[selector]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no subgraph registered for selector %q", selector)
	}

	out := &Subgraph{
		Steps: make([]graph.Step, len(sub.Steps)),
		Entry: append([]string(nil), sub.Entry...),
		Exit:  append([]string(nil), sub.Exit...),
	}
	for i := range sub.Steps {
		out.Steps[i] = sub.Steps[i].Clone()
	}
	return out, nil
}

var _ Resolver = (*StaticResolver)(nil)
