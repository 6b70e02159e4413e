package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Workflow is the JSON-serializable workflow definition. Each saved edit
// bumps Version; executions pin the version current at start time.
type Workflow struct {
	ID        string         `json:"id"`
	Version   int            `json:"version"`
	Name      string         `json:"name"`
	Status    WorkflowStatus `json:"status"`
	Trigger   TriggerKind    `json:"trigger"`
	Steps     []Step         `json:"steps"`
	Variables map[string]any `json:"variables,omitempty"` // initial context seed
	Settings  Settings       `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// Settings bounds a single execution of the workflow.
type Settings struct {
	MaxIterations      int `json:"max_iterations,omitempty"`        // step visits, default 1000
	MaxExecutionTimeMs int `json:"max_execution_time_ms,omitempty"` // wall clock, default 15m
}

const (
	DefaultMaxIterations      = 1000
	DefaultMaxExecutionTimeMs = 15 * 60 * 1000
)

// MaxIterationsOrDefault returns the configured iteration guard or the default.
func (s Settings) MaxIterationsOrDefault() int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return DefaultMaxIterations
}

// MaxExecutionTimeOrDefault returns the configured wall-clock guard or the default.
func (s Settings) MaxExecutionTimeOrDefault() time.Duration {
	if s.MaxExecutionTimeMs > 0 {
		return time.Duration(s.MaxExecutionTimeMs) * time.Millisecond
	}
	return time.Duration(DefaultMaxExecutionTimeMs) * time.Millisecond
}

// EntryStep returns the first enabled step, the graph's entry point.
func (w *Workflow) EntryStep() (*Step, error) {
	for i := range w.Steps {
		if w.Steps[i].Enabled() {
			return &w.Steps[i], nil
		}
	}
	return nil, NewErrorf(ErrCodeValidation, "workflow %s has no enabled steps", w.ID)
}

// FindStep returns the step with the given id, or nil.
func (w *Workflow) FindStep(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// Step describes a single node in the workflow graph.
type Step struct {
	ID        string            `json:"id"`
	Kind      StepKind          `json:"kind"`
	Name      string            `json:"name,omitempty"`
	Disabled  bool              `json:"disabled,omitempty"`
	Config    json.RawMessage   `json:"config,omitempty"` // kind-specific configuration
	Next      *NextSteps        `json:"next,omitempty"`   // absent means workflow end
	OnError   *ErrorHandler     `json:"on_error,omitempty"`
	Retry     *RetryPolicy      `json:"retry,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"` // context path -> output expression
}

// Enabled reports whether the interpreter should execute this step.
func (s *Step) Enabled() bool { return !s.Disabled }

// Timeout returns the step timeout, or zero when unbounded.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepTrigger       StepKind = "trigger"
	StepAction        StepKind = "action"
	StepCondition     StepKind = "condition"
	StepScript        StepKind = "script"
	StepDataTransform StepKind = "dataTransform"
	StepAPICall       StepKind = "apiCall"
	StepLoop          StepKind = "loop"
	StepSwitch        StepKind = "switch"
	StepWait          StepKind = "wait"
	StepParallel      StepKind = "parallel"
	StepSubworkflow   StepKind = "subworkflow"
	StepApproval      StepKind = "approval"
	StepNotification  StepKind = "notification"
	StepCRUDQuery     StepKind = "crud.query"
	StepCRUDCreate    StepKind = "crud.create"
	StepCRUDUpdate    StepKind = "crud.update"
	StepCRUDDelete    StepKind = "crud.delete"
)

// KnownStepKinds lists every kind the executor can dispatch.
var KnownStepKinds = []StepKind{
	StepTrigger, StepAction, StepCondition, StepScript, StepDataTransform,
	StepAPICall, StepLoop, StepSwitch, StepWait, StepParallel,
	StepSubworkflow, StepApproval, StepNotification,
	StepCRUDQuery, StepCRUDCreate, StepCRUDUpdate, StepCRUDDelete,
}

// IsKnownStepKind reports whether k is a dispatchable kind.
func IsKnownStepKind(k StepKind) bool {
	for _, known := range KnownStepKinds {
		if k == known {
			return true
		}
	}
	return false
}

// NextSteps routes control after a step: a single successor, a fan-out
// list, or conditional cases. JSON accepts a string, an array of strings,
// or an object with "cases"/"default".
type NextSteps struct {
	IDs     []string   `json:"-"`
	Cases   []NextCase `json:"cases,omitempty"`
	Default string     `json:"default,omitempty"`
}

// NextCase routes to To when the CEL predicate When holds.
type NextCase struct {
	When string `json:"when"`
	To   string `json:"to"`
}

// Conditional reports whether routing requires predicate evaluation.
func (n *NextSteps) Conditional() bool { return len(n.Cases) > 0 }

// Targets returns every step id the routing can reach.
func (n *NextSteps) Targets() []string {
	if n == nil {
		return nil
	}
	out := append([]string(nil), n.IDs...)
	for _, c := range n.Cases {
		out = append(out, c.To)
	}
	if n.Default != "" {
		out = append(out, n.Default)
	}
	return out
}

func (n *NextSteps) UnmarshalJSON(data []byte) error {
	switch {
	case len(data) == 0:
		return nil
	case data[0] == '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		n.IDs = []string{id}
		return nil
	case data[0] == '[':
		return json.Unmarshal(data, &n.IDs)
	}
	type alias NextSteps
	return json.Unmarshal(data, (*alias)(n))
}

func (n NextSteps) MarshalJSON() ([]byte, error) {
	if len(n.Cases) == 0 && n.Default == "" {
		if len(n.IDs) == 1 {
			return json.Marshal(n.IDs[0])
		}
		return json.Marshal(n.IDs)
	}
	type alias NextSteps
	return json.Marshal(alias(n))
}

// ErrorHandler controls how the interpreter reacts to a failed step.
type ErrorHandler struct {
	Strategy       ErrorStrategy `json:"strategy"`
	FallbackStepID string        `json:"fallback_step_id,omitempty"`
	Retry          *RetryPolicy  `json:"retry,omitempty"`
}

// ErrorStrategy enumerates failure reactions.
type ErrorStrategy string

const (
	StrategyRetry    ErrorStrategy = "retry"
	StrategySkip     ErrorStrategy = "skip"
	StrategyFail     ErrorStrategy = "fail"
	StrategyFallback ErrorStrategy = "fallback"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int      `json:"max_attempts"`
	BackoffMs    int      `json:"backoff_ms,omitempty"`
	Multiplier   float64  `json:"multiplier,omitempty"`
	MaxBackoffMs int      `json:"max_backoff_ms,omitempty"`
	Jitter       bool     `json:"jitter,omitempty"`
	RetryOn      []string `json:"retry_on,omitempty"` // error codes; empty means any retryable
}

// ActionConfig is the config block for action steps.
type ActionConfig struct {
	Action string         `json:"action"`           // registered action name
	Params map[string]any `json:"params,omitempty"` // interpolated
	Into   string         `json:"into,omitempty"`   // context path for the result
}

// ConditionConfig is the config block for condition steps.
type ConditionConfig struct {
	Expression string `json:"expression"`         // CEL predicate
	OnTrue     string `json:"on_true,omitempty"`  // step id
	OnFalse    string `json:"on_false,omitempty"` // step id
}

// ScriptConfig is the config block for script steps.
type ScriptConfig struct {
	Source string         `json:"source"`         // expr-lang program
	Args   map[string]any `json:"args,omitempty"` // extra scope, interpolated
	Into   string         `json:"into,omitempty"` // context path for the result
}

// TransformConfig is the config block for dataTransform steps.
type TransformConfig struct {
	Query string `json:"query"`           // gojq program
	Input string `json:"input,omitempty"` // context path, default whole context
	Into  string `json:"into,omitempty"`  // context path for the result
}

// APICallConfig is the config block for apiCall steps.
type APICallConfig struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
	Into       string            `json:"into,omitempty"`
	Idempotent bool              `json:"idempotent,omitempty"` // eligible for retry on 5xx
}

// LoopConfig is the config block for loop steps.
type LoopConfig struct {
	Mode      string `json:"mode"`                // for_each | while
	Over      string `json:"over,omitempty"`      // expression producing a collection
	Condition string `json:"condition,omitempty"` // CEL predicate for while mode
	Body      []Step `json:"body"`
	MaxIter   int    `json:"max_iter,omitempty"`
}

// SwitchConfig is the config block for switch steps.
type SwitchConfig struct {
	Cases   []NextCase `json:"cases"`
	Default string     `json:"default,omitempty"`
}

// WaitConfig is the config block for wait steps.
type WaitConfig struct {
	DurationMs int    `json:"duration_ms,omitempty"`
	Signal     string `json:"signal,omitempty"` // named signal to wait for
}

// ParallelConfig is the config block for parallel steps.
type ParallelConfig struct {
	Branches [][]Step `json:"branches"`
	Mode     string   `json:"mode,omitempty"` // all | race (default: all)
}

// SubworkflowConfig is the config block for subworkflow steps.
type SubworkflowConfig struct {
	WorkflowID string         `json:"workflow_id"`
	Input      map[string]any `json:"input,omitempty"` // interpolated
	Await      *bool          `json:"await,omitempty"` // default true
	Into       string         `json:"into,omitempty"`  // context path for child output
}

// AwaitChild reports whether the parent blocks on the child execution.
func (c *SubworkflowConfig) AwaitChild() bool {
	return c.Await == nil || *c.Await
}

// ApprovalConfig is the config block for approval steps.
type ApprovalConfig struct {
	Approvers  []string `json:"approvers"`
	Message    string   `json:"message,omitempty"`
	DeadlineMs int      `json:"deadline_ms,omitempty"` // auto-reject after
}

// NotificationConfig is the config block for notification steps.
type NotificationConfig struct {
	Channel    string         `json:"channel"`
	Recipients []string       `json:"recipients,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// CRUDConfig is the config block shared by the crud.* step kinds.
type CRUDConfig struct {
	Collection string         `json:"collection"`
	RecordID   string         `json:"record_id,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
	Record     map[string]any `json:"record,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Into       string         `json:"into,omitempty"`
}

// DecodeConfig unmarshals the step's config block into dst.
func (s *Step) DecodeConfig(dst any) error {
	if len(s.Config) == 0 {
		return NewErrorf(ErrCodeValidation, "step %s (%s) has no config", s.ID, s.Kind).WithStep(s.ID)
	}
	if err := json.Unmarshal(s.Config, dst); err != nil {
		return NewErrorf(ErrCodeValidation, "step %s config: %v", s.ID, err).WithStep(s.ID).WithCause(err)
	}
	return nil
}

func (s *Step) String() string {
	return fmt.Sprintf("%s(%s)", s.ID, s.Kind)
}
