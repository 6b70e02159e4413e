package diagram

import (
	"encoding/json"
	"strconv"

	"github.com/tessen/flowcore/pkg/schema"
)

// Build constructs a diagram model from a workflow definition. exec may
// be nil; when present each step is overlaid with its runtime status.
func Build(wf *schema.Workflow, exec *schema.Execution) (*Model, error) {
	entry, err := wf.EntryStep()
	if err != nil {
		return nil, err
	}

	nodes := make([]*Node, 0, len(wf.Steps)+2)
	start := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	nodes = append(nodes, start)

	var edges []Edge
	edges = append(edges, Edge{From: start.ID, To: entry.ID})

	terminal := make([]string, 0, 1)
	for i := range wf.Steps {
		step := &wf.Steps[i]
		node := stepNode(step)
		overlayStatus(node, exec)
		buildChildren(node, step, exec)
		nodes = append(nodes, node)

		out := stepEdges(step)
		if len(out) == 0 {
			terminal = append(terminal, step.ID)
		}
		edges = append(edges, out...)
	}

	end := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	nodes = append(nodes, end)
	for _, id := range terminal {
		edges = append(edges, Edge{From: id, To: end.ID})
	}

	return &Model{
		Title:  wf.Name,
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(nodes, edges, start.ID),
	}, nil
}

func stepNode(step *schema.Step) *Node {
	label := step.Name
	if label == "" {
		label = step.ID
	}
	return &Node{ID: step.ID, Label: label, Kind: kindOf(step.Kind)}
}

func kindOf(k schema.StepKind) NodeKind {
	switch k {
	case schema.StepCondition:
		return NodeKindCondition
	case schema.StepScript, schema.StepDataTransform:
		return NodeKindScript
	case schema.StepLoop:
		return NodeKindLoop
	case schema.StepSwitch:
		return NodeKindSwitch
	case schema.StepWait:
		return NodeKindWait
	case schema.StepParallel:
		return NodeKindParallel
	case schema.StepApproval:
		return NodeKindApproval
	default:
		return NodeKindAction
	}
}

// stepEdges collects every labelled routing edge a step can take.
func stepEdges(step *schema.Step) []Edge {
	var out []Edge
	if step.Next != nil {
		for _, to := range step.Next.IDs {
			out = append(out, Edge{From: step.ID, To: to})
		}
		for _, c := range step.Next.Cases {
			out = append(out, Edge{From: step.ID, To: c.To, Label: c.When})
		}
		if step.Next.Default != "" {
			out = append(out, Edge{From: step.ID, To: step.Next.Default, Label: "default"})
		}
	}

	switch step.Kind {
	case schema.StepCondition:
		var cfg schema.ConditionConfig
		if json.Unmarshal(step.Config, &cfg) == nil {
			if cfg.OnTrue != "" {
				out = append(out, Edge{From: step.ID, To: cfg.OnTrue, Label: "true"})
			}
			if cfg.OnFalse != "" {
				out = append(out, Edge{From: step.ID, To: cfg.OnFalse, Label: "false"})
			}
		}
	case schema.StepSwitch:
		var cfg schema.SwitchConfig
		if json.Unmarshal(step.Config, &cfg) == nil {
			for _, c := range cfg.Cases {
				out = append(out, Edge{From: step.ID, To: c.To, Label: c.When})
			}
			if cfg.Default != "" {
				out = append(out, Edge{From: step.ID, To: cfg.Default, Label: "default"})
			}
		}
	}
	if step.OnError != nil && step.OnError.FallbackStepID != "" {
		out = append(out, Edge{From: step.ID, To: step.OnError.FallbackStepID, Label: "on error"})
	}
	return out
}

// buildChildren attaches loop bodies and parallel branches as subgraphs.
func buildChildren(node *Node, step *schema.Step, exec *schema.Execution) {
	switch step.Kind {
	case schema.StepLoop:
		var cfg schema.LoopConfig
		if json.Unmarshal(step.Config, &cfg) == nil && len(cfg.Body) > 0 {
			node.Children = append(node.Children, subGraph("body", cfg.Body, exec))
		}
	case schema.StepParallel:
		var cfg schema.ParallelConfig
		if json.Unmarshal(step.Config, &cfg) == nil {
			for bi, branch := range cfg.Branches {
				label := "branch " + strconv.Itoa(bi+1)
				node.Children = append(node.Children, subGraph(label, branch, exec))
			}
		}
	}
}

func subGraph(label string, steps []schema.Step, exec *schema.Execution) *SubGraph {
	sg := &SubGraph{Label: label}
	for i := range steps {
		n := stepNode(&steps[i])
		overlayStatus(n, exec)
		sg.Nodes = append(sg.Nodes, n)
	}
	return sg
}

func overlayStatus(node *Node, exec *schema.Execution) {
	if exec == nil {
		return
	}
	switch {
	case contains(exec.CompletedStepIDs, node.ID):
		node.Status = &StatusOverlay{Status: "completed"}
	case exec.CurrentStepID == node.ID:
		status := "running"
		if exec.Status == schema.ExecutionStatusWaiting {
			status = "waiting"
		}
		node.Status = &StatusOverlay{Status: status}
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// buildLevels layers nodes breadth-first from the start node; anything
// unreachable lands on a final layer so it still renders.
func buildLevels(nodes []*Node, edges []Edge, startID string) [][]string {
	adjacent := make(map[string][]string)
	for _, e := range edges {
		adjacent[e.From] = append(adjacent[e.From], e.To)
	}
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}

	depth := map[string]int{startID: 0}
	queue := []string{startID}
	maxDepth := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[id] {
			if !known[next] {
				continue
			}
			if _, seen := depth[next]; seen {
				continue
			}
			depth[next] = depth[id] + 1
			if depth[next] > maxDepth {
				maxDepth = depth[next]
			}
			queue = append(queue, next)
		}
	}

	levels := make([][]string, maxDepth+1)
	var orphans []string
	for _, n := range nodes {
		d, ok := depth[n.ID]
		if !ok {
			orphans = append(orphans, n.ID)
			continue
		}
		levels[d] = append(levels[d], n.ID)
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return levels
}
