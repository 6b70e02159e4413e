package validation

import (
	"encoding/json"
	"sort"

	"github.com/tessen/flowcore/pkg/schema"
)

// GraphValidator walks the step graph from the entry step and reports
// unreachable steps and cycles. Both are warnings: disabled or staged
// steps are legitimately unreachable, and cycles are legal at runtime
// because the iteration guard bounds them.
type GraphValidator struct{}

// NewGraphValidator builds a graph validator.
func NewGraphValidator() *GraphValidator {
	return &GraphValidator{}
}

// Validate runs reachability and cycle analysis on wf.
func (v *GraphValidator) Validate(wf *schema.Workflow) *Result {
	result := &Result{}
	entry, err := wf.EntryStep()
	if err != nil {
		result.AddError("steps", "%v", err)
		return result
	}

	edges := buildEdges(wf)
	reachable := map[string]bool{entry.ID: true}
	queue := []string{entry.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range edges[id] {
			if wf.FindStep(next) == nil || reachable[next] {
				continue
			}
			reachable[next] = true
			queue = append(queue, next)
		}
	}

	var unreachable []string
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if !reachable[step.ID] && step.Enabled() {
			unreachable = append(unreachable, step.ID)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		result.AddWarning("steps", "step %q is unreachable from the entry step", id)
	}

	if onCycle := findCycle(entry.ID, edges); len(onCycle) > 0 {
		result.AddWarning("steps", "cycle detected through step %q; execution is bounded by max_iterations", onCycle[0])
	}
	return result
}

// buildEdges collects every jump target a step can route to: next
// targets, condition branches, switch cases, and error fallbacks.
func buildEdges(wf *schema.Workflow) map[string][]string {
	edges := make(map[string][]string, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		targets := step.Next.Targets()

		switch step.Kind {
		case schema.StepCondition:
			var cfg schema.ConditionConfig
			if json.Unmarshal(step.Config, &cfg) == nil {
				targets = appendTarget(targets, cfg.OnTrue)
				targets = appendTarget(targets, cfg.OnFalse)
			}
		case schema.StepSwitch:
			var cfg schema.SwitchConfig
			if json.Unmarshal(step.Config, &cfg) == nil {
				for _, c := range cfg.Cases {
					targets = appendTarget(targets, c.To)
				}
				targets = appendTarget(targets, cfg.Default)
			}
		}
		if step.OnError != nil {
			targets = appendTarget(targets, step.OnError.FallbackStepID)
		}
		edges[step.ID] = targets
	}
	return edges
}

func appendTarget(targets []string, id string) []string {
	if id == "" {
		return targets
	}
	return append(targets, id)
}

// findCycle runs a colored DFS from the entry and returns the steps on
// the first back edge found, or nil when the graph is acyclic.
func findCycle(entry string, edges map[string][]string) []string {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(edges))

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		for _, next := range edges[id] {
			if _, known := edges[next]; !known {
				continue
			}
			switch color[next] {
			case gray:
				return []string{next, id}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		color[id] = black
		return nil
	}
	return visit(entry)
}
