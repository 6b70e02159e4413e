package validation

import (
	"fmt"
	"net/url"

	"github.com/tessen/flowcore/pkg/schema"
)

// ActionLookup answers whether an action name is registered. The
// actions registry satisfies this.
type ActionLookup interface {
	Has(name string) bool
}

// SemanticValidator checks rules the JSON Schema cannot express:
// per-kind config requirements, step references, and pause steps
// nested inside inline bodies.
type SemanticValidator struct {
	actions ActionLookup // nil skips action-name checks
}

// NewSemanticValidator builds a semantic validator. actions may be nil
// when no registry is available (offline validation).
func NewSemanticValidator(actions ActionLookup) *SemanticValidator {
	return &SemanticValidator{actions: actions}
}

// Validate runs all semantic checks on wf.
func (v *SemanticValidator) Validate(wf *schema.Workflow) *Result {
	result := &Result{}
	ids := stepIDSet(wf.Steps)
	for i := range wf.Steps {
		v.checkStep(&wf.Steps[i], fmt.Sprintf("steps[%d]", i), ids, false, result)
	}
	return result
}

func stepIDSet(steps []schema.Step) map[string]struct{} {
	ids := make(map[string]struct{}, len(steps))
	for i := range steps {
		ids[steps[i].ID] = struct{}{}
	}
	return ids
}

// checkStep validates one step. ids is the set of top-level step IDs
// (inline body steps cannot be jump targets). inline is true inside
// loop bodies and parallel branches, where pausing kinds are rejected
// because those bodies run to completion in one claim.
func (v *SemanticValidator) checkStep(step *schema.Step, path string, ids map[string]struct{}, inline bool, result *Result) {
	if inline {
		switch step.Kind {
		case schema.StepWait, schema.StepApproval:
			result.AddError(path, "%s steps cannot appear inside loop bodies or parallel branches", step.Kind)
		}
	}

	v.checkConfig(step, path, ids, result)
	v.checkRouting(step, path, ids, result)
	v.checkErrorHandler(step, path, ids, result)
	v.checkRetry(step.Retry, path+".retry", result)
}

func (v *SemanticValidator) checkConfig(step *schema.Step, path string, ids map[string]struct{}, result *Result) {
	cfgPath := path + ".config"
	switch step.Kind {
	case schema.StepTrigger:
		// entry marker, no config required

	case schema.StepAction:
		var cfg schema.ActionConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.Action == "" {
			result.AddError(cfgPath, "action name is required")
		} else if v.actions != nil && !v.actions.Has(cfg.Action) {
			result.AddError(cfgPath, "action %q is not registered", cfg.Action)
		}

	case schema.StepCondition:
		var cfg schema.ConditionConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.Expression == "" {
			result.AddError(cfgPath, "condition expression is required")
		}
		checkRef(cfg.OnTrue, cfgPath+".on_true", ids, result)
		checkRef(cfg.OnFalse, cfgPath+".on_false", ids, result)

	case schema.StepScript:
		var cfg schema.ScriptConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.Source == "" {
			result.AddError(cfgPath, "script source is required")
		}

	case schema.StepDataTransform:
		var cfg schema.TransformConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.Query == "" {
			result.AddError(cfgPath, "transform query is required")
		}

	case schema.StepAPICall:
		var cfg schema.APICallConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.Method == "" {
			result.AddError(cfgPath, "http method is required")
		}
		if cfg.URL == "" {
			result.AddError(cfgPath, "url is required")
		} else if _, err := url.Parse(cfg.URL); err != nil {
			result.AddError(cfgPath+".url", "invalid url: %v", err)
		}

	case schema.StepLoop:
		var cfg schema.LoopConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		switch cfg.Mode {
		case "for_each":
			if cfg.Over == "" {
				result.AddError(cfgPath, "for_each loop requires an 'over' expression")
			}
		case "while":
			if cfg.Condition == "" {
				result.AddError(cfgPath, "while loop requires a condition")
			}
		default:
			result.AddError(cfgPath, "loop mode must be for_each or while, got %q", cfg.Mode)
		}
		if len(cfg.Body) == 0 {
			result.AddError(cfgPath+".body", "loop body must contain at least one step")
		}
		for bi := range cfg.Body {
			v.checkStep(&cfg.Body[bi], fmt.Sprintf("%s.body[%d]", cfgPath, bi), ids, true, result)
		}

	case schema.StepSwitch:
		var cfg schema.SwitchConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if len(cfg.Cases) == 0 {
			result.AddError(cfgPath, "switch requires at least one case")
		}
		for ci, c := range cfg.Cases {
			casePath := fmt.Sprintf("%s.cases[%d]", cfgPath, ci)
			if c.When == "" {
				result.AddError(casePath, "case condition is required")
			}
			if c.To == "" {
				result.AddError(casePath, "case target is required")
			} else {
				checkRef(c.To, casePath+".to", ids, result)
			}
		}
		checkRef(cfg.Default, cfgPath+".default", ids, result)

	case schema.StepWait:
		var cfg schema.WaitConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.DurationMs <= 0 && cfg.Signal == "" {
			result.AddError(cfgPath, "wait requires duration_ms or a signal name")
		}
		if cfg.DurationMs > 0 && cfg.Signal != "" {
			result.AddWarning(cfgPath, "wait has both duration_ms and a signal; the timer takes precedence")
		}

	case schema.StepParallel:
		var cfg schema.ParallelConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if len(cfg.Branches) == 0 {
			result.AddError(cfgPath, "parallel requires at least one branch")
		}
		if cfg.Mode != "" && cfg.Mode != "all" && cfg.Mode != "race" {
			result.AddError(cfgPath, "parallel mode must be all or race, got %q", cfg.Mode)
		}
		for bi, branch := range cfg.Branches {
			if len(branch) == 0 {
				result.AddError(fmt.Sprintf("%s.branches[%d]", cfgPath, bi), "branch must contain at least one step")
			}
			for si := range branch {
				v.checkStep(&branch[si], fmt.Sprintf("%s.branches[%d][%d]", cfgPath, bi, si), ids, true, result)
			}
		}

	case schema.StepSubworkflow:
		var cfg schema.SubworkflowConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.WorkflowID == "" {
			result.AddError(cfgPath, "subworkflow workflow_id is required")
		}

	case schema.StepApproval:
		var cfg schema.ApprovalConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if len(cfg.Approvers) == 0 {
			result.AddError(cfgPath, "approval requires at least one approver")
		}

	case schema.StepNotification:
		var cfg schema.NotificationConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.Channel == "" {
			result.AddError(cfgPath, "notification channel is required")
		}

	case schema.StepCRUDQuery, schema.StepCRUDCreate, schema.StepCRUDUpdate, schema.StepCRUDDelete:
		var cfg schema.CRUDConfig
		if !decode(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.Collection == "" {
			result.AddError(cfgPath, "collection is required")
		}
		switch step.Kind {
		case schema.StepCRUDCreate:
			if len(cfg.Record) == 0 {
				result.AddError(cfgPath, "create requires a record")
			}
		case schema.StepCRUDUpdate:
			if cfg.RecordID == "" && len(cfg.Filter) == 0 {
				result.AddError(cfgPath, "update requires record_id or a filter")
			}
			if len(cfg.Record) == 0 {
				result.AddError(cfgPath, "update requires a record")
			}
		case schema.StepCRUDDelete:
			if cfg.RecordID == "" && len(cfg.Filter) == 0 {
				result.AddError(cfgPath, "delete requires record_id or a filter")
			}
		}
	}
}

func (v *SemanticValidator) checkRouting(step *schema.Step, path string, ids map[string]struct{}, result *Result) {
	if step.Next == nil {
		return
	}
	for _, target := range step.Next.IDs {
		checkRef(target, path+".next", ids, result)
	}
	for ci, c := range step.Next.Cases {
		checkRef(c.To, fmt.Sprintf("%s.next.cases[%d].to", path, ci), ids, result)
	}
	checkRef(step.Next.Default, path+".next.default", ids, result)
}

func (v *SemanticValidator) checkErrorHandler(step *schema.Step, path string, ids map[string]struct{}, result *Result) {
	h := step.OnError
	if h == nil {
		return
	}
	hPath := path + ".on_error"
	switch h.Strategy {
	case schema.StrategyFallback:
		if h.FallbackStepID == "" {
			result.AddError(hPath, "fallback strategy requires fallback_step_id")
		} else {
			checkRef(h.FallbackStepID, hPath+".fallback_step_id", ids, result)
		}
	case schema.StrategyRetry:
		if h.Retry == nil && step.Retry == nil {
			result.AddWarning(hPath, "retry strategy without a retry policy uses defaults")
		}
	}
	v.checkRetry(h.Retry, hPath+".retry", result)
}

func (v *SemanticValidator) checkRetry(policy *schema.RetryPolicy, path string, result *Result) {
	if policy == nil {
		return
	}
	if policy.MaxAttempts > 20 {
		result.AddWarning(path, "max_attempts %d is unusually high", policy.MaxAttempts)
	}
	if policy.MaxBackoffMs > 0 && policy.BackoffMs > policy.MaxBackoffMs {
		result.AddError(path, "backoff_ms exceeds max_backoff_ms")
	}
}

// checkRef validates a step reference if present. Empty is allowed;
// callers enforce their own required rules.
func checkRef(target, path string, ids map[string]struct{}, result *Result) {
	if target == "" {
		return
	}
	if _, ok := ids[target]; !ok {
		result.AddError(path, "references unknown step %q", target)
	}
}

// decode unwraps a step config block, recording a violation on
// failure. Returns false when the caller should stop checking.
func decode(step *schema.Step, dst any, path string, result *Result) bool {
	if err := step.DecodeConfig(dst); err != nil {
		result.AddError(path, "%v", err)
		return false
	}
	return true
}
