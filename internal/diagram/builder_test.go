package diagram

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/pkg/schema"
)

func branchingWorkflow(t *testing.T) *schema.Workflow {
	t.Helper()
	condCfg, err := json.Marshal(schema.ConditionConfig{
		Expression: "input.total > 100", OnTrue: "notify", OnFalse: "archive",
	})
	require.NoError(t, err)
	loopCfg, err := json.Marshal(schema.LoopConfig{
		Mode: "for_each", Over: "input.items",
		Body: []schema.Step{
			{ID: "tally", Kind: schema.StepScript, Config: json.RawMessage(`{"source":"1"}`)},
		},
	})
	require.NoError(t, err)

	return &schema.Workflow{
		ID:   "wf-orders",
		Name: "order review",
		Steps: []schema.Step{
			{ID: "check", Kind: schema.StepCondition, Config: condCfg},
			{ID: "notify", Kind: schema.StepNotification, Name: "Notify ops",
				Config: json.RawMessage(`{"channel":"email"}`),
				Next:   &schema.NextSteps{IDs: []string{"sum"}}},
			{ID: "archive", Kind: schema.StepCRUDCreate, Config: json.RawMessage(`{"collection":"archive"}`)},
			{ID: "sum", Kind: schema.StepLoop, Config: loopCfg},
		},
	}
}

func TestBuildLaysOutGraph(t *testing.T) {
	model, err := Build(branchingWorkflow(t), nil)
	require.NoError(t, err)

	assert.Equal(t, "order review", model.Title)
	// start + 4 steps + end
	require.Len(t, model.Nodes, 6)
	assert.Equal(t, "__start__", model.Nodes[0].ID)
	assert.Equal(t, "__end__", model.Nodes[len(model.Nodes)-1].ID)

	// condition edges carry branch labels
	var labels []string
	for _, e := range model.Edges {
		if e.From == "check" {
			labels = append(labels, e.Label)
		}
	}
	assert.ElementsMatch(t, []string{"true", "false"}, labels)

	// terminal steps route to the end node
	assert.Contains(t, model.Edges, Edge{From: "archive", To: "__end__"})
	assert.Contains(t, model.Edges, Edge{From: "sum", To: "__end__"})

	// transforms share the script shape
	assert.Equal(t, NodeKindScript, kindOf(schema.StepDataTransform))
	assert.Equal(t, NodeKindScript, kindOf(schema.StepScript))

	// loop body becomes a subgraph
	sum := findNode(model.Nodes, "sum")
	require.NotNil(t, sum)
	require.Len(t, sum.Children, 1)
	assert.Equal(t, "body", sum.Children[0].Label)
	assert.Equal(t, "tally", sum.Children[0].Nodes[0].ID)

	// BFS layers: start, check, {notify, archive}, {sum, end}
	require.Len(t, model.Levels, 4)
	assert.Equal(t, []string{"__start__"}, model.Levels[0])
	assert.ElementsMatch(t, []string{"notify", "archive"}, model.Levels[2])
	assert.ElementsMatch(t, []string{"sum", "__end__"}, model.Levels[3])
}

func TestBuildOverlaysExecutionStatus(t *testing.T) {
	exec := &schema.Execution{
		Status:           schema.ExecutionStatusRunning,
		CurrentStepID:    "notify",
		CompletedStepIDs: []string{"check"},
	}
	model, err := Build(branchingWorkflow(t), exec)
	require.NoError(t, err)

	check := findNode(model.Nodes, "check")
	require.NotNil(t, check.Status)
	assert.Equal(t, "completed", check.Status.Status)

	notify := findNode(model.Nodes, "notify")
	require.NotNil(t, notify.Status)
	assert.Equal(t, "running", notify.Status.Status)

	assert.Nil(t, findNode(model.Nodes, "archive").Status)
}

func TestBuildRequiresEnabledSteps(t *testing.T) {
	_, err := Build(&schema.Workflow{ID: "empty", Name: "empty"}, nil)
	require.Error(t, err)
}

func TestRenderMermaid(t *testing.T) {
	model, err := Build(branchingWorkflow(t), &schema.Execution{
		CompletedStepIDs: []string{"check"},
	})
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, `check{"check"}`)
	assert.Contains(t, out, `notify["Notify ops"]`)
	assert.Contains(t, out, "check -->|true| notify")
	assert.Contains(t, out, "check -->|false| archive")
	assert.Contains(t, out, "subgraph sum_body")
	assert.Contains(t, out, "class check completed")
}

func TestRenderASCII(t *testing.T) {
	model, err := Build(branchingWorkflow(t), &schema.Execution{
		Status:        schema.ExecutionStatusWaiting,
		CurrentStepID: "sum",
	})
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== order review ===")
	assert.Contains(t, out, "Notify ops")
	assert.Contains(t, out, "[WAIT]")
	assert.Contains(t, out, "--- sum sub-steps ---")
	assert.Contains(t, out, "tally")
}
