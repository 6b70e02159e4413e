// Package validation checks workflow definitions before they are saved
// or executed. Three stages run in order: structural (JSON Schema),
// semantic (per-kind config and reference checks) and graph
// (reachability from the entry step). Structural failures short-circuit
// the later stages.
package validation

import (
	"fmt"

	"github.com/tessen/flowcore/pkg/schema"
)

// Issue is a single finding at a location in the definition.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// Result aggregates findings from the validation stages. Warnings do
// not make a definition invalid.
type Result struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// AddError records a fatal finding.
func (r *Result) AddError(path, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// AddWarning records a non-fatal finding.
func (r *Result) AddWarning(path, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Valid reports whether no errors were recorded.
func (r *Result) Valid() bool { return len(r.Errors) == 0 }

// Merge appends other's findings.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result into a single EngineError, or nil when
// valid. Warnings ride along in the details.
func (r *Result) ToError() error {
	if r.Valid() {
		return nil
	}
	violations := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		violations[i] = issue.String()
	}
	details := map[string]any{"violations": violations}
	if len(r.Warnings) > 0 {
		warnings := make([]string, len(r.Warnings))
		for i, issue := range r.Warnings {
			warnings[i] = issue.String()
		}
		details["warnings"] = warnings
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("workflow validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).WithDetails(details)
}
