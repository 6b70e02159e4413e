// Package diagram renders workflow definitions as Mermaid flowcharts
// or ASCII art, optionally overlaying execution status per step.
package diagram

// NodeKind classifies a diagram node by its workflow step kind.
type NodeKind string

const (
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindScript    NodeKind = "script"
	NodeKindLoop      NodeKind = "loop"
	NodeKindSwitch    NodeKind = "switch"
	NodeKindWait      NodeKind = "wait"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindApproval  NodeKind = "approval"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // breadth-first layers for the ASCII layout
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // loop bodies and parallel branches
}

// SubGraph holds nested steps for flow-control nodes.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status string // completed | running | waiting | skipped
}

// Edge represents a routing link between two steps.
type Edge struct {
	From  string
	To    string
	Label string
}
