package planner

import (
	"github.com/flexinfer/taskflow/internal/graph"
	"github.com/flexinfer/taskflow/pkg/types"
)

// StepView is the printable form of a planned step.
type StepView struct {
	ID          string          `json:"id"`
	Kind        types.StepKind  `json:"kind"`
	Isolation   types.Isolation `json:"isolation"`
	Upstream    []string        `json:"upstream,omitempty"`
	Command     []string        `json:"command,omitempty"`
	Image       string          `json:"image,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	TimeoutSecs float64         `json:"timeout_seconds,omitempty"`
}

// PlanView describes a planned graph in execution order.
type PlanView struct {
	Pipeline string     `json:"pipeline"`
	Roots    []string   `json:"roots"`
	Leaves   []string   `json:"leaves"`
	Steps    []StepView `json:"steps"`
}

// Describe renders g for display.
func Describe(pipelineID string, g *graph.Graph) *PlanView {
	view := &PlanView{
		Pipeline: pipelineID,
		Roots:    g.Roots(),
		Leaves:   g.Leaves(),
		Steps:    make([]StepView, 0, g.Len()),
	}
	for _, id := range g.Order() {
		s, _ := g.Step(id)
		view.Steps = append(view.Steps, StepView{
			ID:          s.ID,
			Kind:        s.Kind,
			Isolation:   s.Isolation,
			Upstream:    g.Upstream(id),
			Command:     s.Command,
			Image:       s.Image,
			MaxAttempts: s.Attempts(),
			TimeoutSecs: s.Timeout.Seconds(),
		})
	}
	return view
}
