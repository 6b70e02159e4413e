package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ExecutionContext is the mutable variable tree threaded through an
// execution. Paths are dot-separated; numeric segments index arrays
// ("order.items.0.sku").
type ExecutionContext struct {
	Variables     map[string]any `json:"variables"`
	Decisions     []Decision     `json:"decisions,omitempty"`
	SideEffects   []SideEffect   `json:"side_effects,omitempty"` // populated in dry runs
	StartedAtUnix int64          `json:"started_at_unix,omitempty"`
}

// SideEffect is a captured external call from a dry run.
type SideEffect struct {
	StepID string         `json:"step_id"`
	Kind   string         `json:"kind"` // apiCall | crud | notification | subworkflow
	Detail map[string]any `json:"detail,omitempty"`
}

// NewExecutionContext seeds a context from workflow variables and caller input.
// Input keys win over workflow defaults.
func NewExecutionContext(variables, input map[string]any) *ExecutionContext {
	vars := make(map[string]any, len(variables)+len(input))
	for k, v := range variables {
		vars[k] = v
	}
	for k, v := range input {
		vars[k] = v
	}
	return &ExecutionContext{
		Variables:     vars,
		StartedAtUnix: time.Now().UnixMilli(),
	}
}

// GetPath resolves a dot path in the variable tree. The second return is
// false when any segment is missing.
func (c *ExecutionContext) GetPath(path string) (any, bool) {
	if path == "" {
		return c.Variables, true
	}
	var cur any = c.Variables
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at a dot path, creating intermediate maps as
// needed. Indexing into an existing array requires the index to be in
// range; paths cannot grow arrays.
func (c *ExecutionContext) SetPath(path string, value any) error {
	if path == "" {
		return NewError(ErrCodeValidation, "empty context path")
	}
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	segs := strings.Split(path, ".")
	var cur any = c.Variables
	for i, seg := range segs[:len(segs)-1] {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				m := make(map[string]any)
				node[seg] = m
				cur = m
				continue
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return NewErrorf(ErrCodeValidation, "context path %q: bad array index %q", path, seg)
			}
			cur = node[idx]
		default:
			return NewErrorf(ErrCodeValidation, "context path %q: segment %q is not traversable", path, strings.Join(segs[:i+1], "."))
		}
	}
	last := segs[len(segs)-1]
	switch node := cur.(type) {
	case map[string]any:
		node[last] = value
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return NewErrorf(ErrCodeValidation, "context path %q: bad array index %q", path, last)
		}
		node[idx] = value
	default:
		return NewErrorf(ErrCodeValidation, "context path %q: parent is not traversable", path)
	}
	return nil
}

// Clone deep-copies the context via JSON round-trip. Values in the tree
// are JSON-shaped by construction.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out ExecutionContext
	if err := json.Unmarshal(raw, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}

// RecordDecision appends an approval resolution.
func (c *ExecutionContext) RecordDecision(d Decision) {
	c.Decisions = append(c.Decisions, d)
}

// DecisionFor returns the recorded decision for a step, or nil.
func (c *ExecutionContext) DecisionFor(stepID string) *Decision {
	for i := range c.Decisions {
		if c.Decisions[i].StepID == stepID {
			return &c.Decisions[i]
		}
	}
	return nil
}

// RecordSideEffect captures an external call during a dry run.
func (c *ExecutionContext) RecordSideEffect(stepID, kind string, detail map[string]any) {
	c.SideEffects = append(c.SideEffects, SideEffect{StepID: stepID, Kind: kind, Detail: detail})
}
