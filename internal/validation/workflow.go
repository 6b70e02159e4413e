package validation

import (
	"github.com/tessen/flowcore/pkg/schema"
)

// WorkflowValidator runs the full validation pipeline.
type WorkflowValidator struct {
	structural *StructuralValidator
	semantic   *SemanticValidator
	graph      *GraphValidator
}

// NewWorkflowValidator builds the pipeline. actions may be nil to skip
// action-name checks.
func NewWorkflowValidator(actions ActionLookup) (*WorkflowValidator, error) {
	structural, err := NewStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		structural: structural,
		semantic:   NewSemanticValidator(actions),
		graph:      NewGraphValidator(),
	}, nil
}

// Validate runs all stages and returns the collected issues.
func (v *WorkflowValidator) Validate(wf *schema.Workflow) *Result {
	result := v.structural.Validate(wf)
	if !result.Valid() {
		return result
	}
	result.Merge(v.semantic.Validate(wf))
	result.Merge(v.graph.Validate(wf))
	return result
}

// ValidateWorkflow adapts Validate to the error-returning shape the
// engine expects before saving or dry-running a definition.
func (v *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return v.Validate(wf).ToError()
}
