package engine

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tessen/flowcore/internal/expressions"
	"github.com/tessen/flowcore/pkg/schema"
)

// signalPathPrefix is where delivered signal payloads live in the context.
const signalPathPrefix = "signals."

// --- Condition step ---

func (e *Executor) executeCondition(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.ConditionConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition step requires an expression").WithStep(step.ID)
	}

	result, err := e.eval.EvalPredicate(ctx, cfg.Expression, expressions.Scope(exec, loop))
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}

	outcome := &StepOutcome{Output: result}
	if result && cfg.OnTrue != "" {
		outcome.NextOverride = []string{cfg.OnTrue}
	}
	if !result && cfg.OnFalse != "" {
		outcome.NextOverride = []string{cfg.OnFalse}
	}
	return outcome, nil
}

// --- Switch step ---

func (e *Executor) executeSwitch(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.SwitchConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	data := expressions.Scope(exec, loop)
	for _, c := range cfg.Cases {
		matched, err := e.eval.EvalPredicate(ctx, c.When, data)
		if err != nil {
			return nil, wrapStepErr(err, step.ID)
		}
		if matched {
			return &StepOutcome{
				Output:       map[string]any{"matched": c.To},
				NextOverride: []string{c.To},
			}, nil
		}
	}
	if cfg.Default != "" {
		return &StepOutcome{
			Output:       map[string]any{"matched": cfg.Default, "default": true},
			NextOverride: []string{cfg.Default},
		}, nil
	}
	return nil, schema.NewError(schema.ErrCodeNoMatchingCase, "no switch case matched and no default is set").WithStep(step.ID)
}

// --- Loop step ---

func (e *Executor) executeLoop(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.LoopConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Body) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop step requires a body").WithStep(step.ID)
	}

	switch cfg.Mode {
	case "for_each":
		return e.loopForEach(ctx, wf, exec, step, &cfg, loop)
	case "while":
		return e.loopWhile(ctx, wf, exec, step, &cfg, loop)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop mode must be for_each or while, got %q", cfg.Mode).WithStep(step.ID)
	}
}

func (e *Executor) loopForEach(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, step *schema.Step, cfg *schema.LoopConfig, loop map[string]any) (*StepOutcome, error) {
	if cfg.Over == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "for_each loop requires over").WithStep(step.ID)
	}
	collection, err := e.eval.EvalExpression(ctx, cfg.Over, expressions.Scope(exec, loop))
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}
	items, err := asSlice(collection)
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}

	// MaxIter truncates the collection rather than failing.
	if cfg.MaxIter > 0 && len(items) > cfg.MaxIter {
		items = items[:cfg.MaxIter]
	}

	// Each iteration's final body output lands in results. A failing
	// item aborts the loop unless the step opts into skip, in which
	// case the item is dropped and the loop moves on.
	skipOnErr := step.OnError != nil && step.OnError.Strategy == schema.StrategySkip
	results := make([]any, 0, len(items))
	skipped := 0
	for i, item := range items {
		inner := mergeLoopVars(loop, map[string]any{"item": item, "index": i})
		out, err := e.runInline(ctx, wf, exec, cfg.Body, inner)
		if err != nil {
			if skipOnErr {
				skipped++
				continue
			}
			return nil, err
		}
		results = append(results, out)
	}
	return &StepOutcome{Output: map[string]any{
		"iterations": len(items),
		"results":    results,
		"skipped":    skipped,
	}}, nil
}

func (e *Executor) loopWhile(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, step *schema.Step, cfg *schema.LoopConfig, loop map[string]any) (*StepOutcome, error) {
	if cfg.Condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "while loop requires a condition").WithStep(step.ID)
	}
	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = wf.Settings.MaxIterationsOrDefault()
	}

	iterations := 0
	for {
		keepGoing, err := e.eval.EvalPredicate(ctx, cfg.Condition, expressions.Scope(exec, loop))
		if err != nil {
			return nil, wrapStepErr(err, step.ID)
		}
		if !keepGoing {
			break
		}
		if iterations >= maxIter {
			return nil, schema.NewErrorf(schema.ErrCodeLimitExceeded,
				"while loop exceeded %d iterations", maxIter).WithStep(step.ID)
		}
		inner := mergeLoopVars(loop, map[string]any{"index": iterations})
		if _, err := e.runInline(ctx, wf, exec, cfg.Body, inner); err != nil {
			return nil, err
		}
		iterations++
	}
	return &StepOutcome{Output: map[string]any{"iterations": iterations}}, nil
}

// --- Wait step ---

func (e *Executor) executeWait(ctx context.Context, exec *schema.Execution, step *schema.Step) (*StepOutcome, error) {
	var cfg schema.WaitConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.DurationMs <= 0 && cfg.Signal == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait step requires duration_ms or signal").WithStep(step.ID)
	}

	if exec.DryRun {
		exec.Context.RecordSideEffect(step.ID, "wait", map[string]any{"duration_ms": cfg.DurationMs, "signal": cfg.Signal})
		return &StepOutcome{Output: map[string]any{"skipped": true}}, nil
	}

	now := time.Now().UTC()
	if cfg.DurationMs > 0 {
		resumeAt := now.Add(time.Duration(cfg.DurationMs) * time.Millisecond)
		return &StepOutcome{Pause: &schema.WaitState{
			Kind:      schema.WaitTimer,
			StepID:    step.ID,
			ResumeAt:  &resumeAt,
			CreatedAt: now,
		}}, nil
	}

	// A signal delivered before the step is reached satisfies it.
	if payload, ok := exec.Context.GetPath(signalPathPrefix + cfg.Signal); ok {
		return &StepOutcome{Output: payload}, nil
	}
	return &StepOutcome{Pause: &schema.WaitState{
		Kind:      schema.WaitSignal,
		StepID:    step.ID,
		Signal:    cfg.Signal,
		CreatedAt: now,
	}}, nil
}

// --- Approval step ---

func (e *Executor) executeApproval(ctx context.Context, exec *schema.Execution, step *schema.Step) (*StepOutcome, error) {
	var cfg schema.ApprovalConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Approvers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval step requires approvers").WithStep(step.ID)
	}

	if d := exec.Context.DecisionFor(step.ID); d != nil {
		if !d.Approved {
			return nil, schema.NewErrorf(schema.ErrCodeApprovalRejected,
				"rejected by %s", d.Actor).WithStep(step.ID)
		}
		return &StepOutcome{Output: map[string]any{"approved": true, "actor": d.Actor, "comment": d.Comment}}, nil
	}

	now := time.Now().UTC()
	if exec.DryRun {
		exec.Context.RecordDecision(schema.Decision{
			StepID: step.ID, Approved: true, Actor: "dry-run", DecidedAt: now,
		})
		exec.Context.RecordSideEffect(step.ID, "approval", map[string]any{"approvers": len(cfg.Approvers), "auto_approved": true})
		return &StepOutcome{Output: map[string]any{"approved": true, "actor": "dry-run"}}, nil
	}

	wait := &schema.WaitState{
		Kind:      schema.WaitApproval,
		StepID:    step.ID,
		Approvers: cfg.Approvers,
		CreatedAt: now,
	}
	if cfg.DeadlineMs > 0 {
		deadline := now.Add(time.Duration(cfg.DeadlineMs) * time.Millisecond)
		wait.ResumeAt = &deadline
	}
	return &StepOutcome{Pause: wait}, nil
}

// --- Parallel step ---

type branchResult struct {
	vars    map[string]any
	effects []schema.SideEffect
	iters   int
	err     error
}

func (e *Executor) executeParallel(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.ParallelConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "parallel step requires branches").WithStep(step.ID)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = "all"
	}
	if mode != "all" && mode != "race" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel mode must be all or race, got %q", mode).WithStep(step.ID)
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]branchResult, len(cfg.Branches))
	return e.runBranches(branchCtx, cancel, wf, exec, step, &cfg, mode, loop, results)
}

func (e *Executor) runBranches(ctx context.Context, cancel context.CancelFunc, wf *schema.Workflow, exec *schema.Execution, step *schema.Step, cfg *schema.ParallelConfig, mode string, loop map[string]any, results []branchResult) (*StepOutcome, error) {
	var (
		wg       sync.WaitGroup
		winMu    sync.Mutex
		winner   = -1
		baseIter = exec.Iterations
	)

	for i := range cfg.Branches {
		idx := i
		branch := cfg.Branches[i]
		wg.Add(1)
		if err := e.pool.Submit(ctx, func() {
			defer wg.Done()
			results[idx] = e.runBranch(ctx, wf, exec, branch, loop, baseIter)
			if mode == "race" && results[idx].err == nil {
				winMu.Lock()
				if winner < 0 {
					winner = idx
					cancel() // losers see context cancellation
				}
				winMu.Unlock()
			}
		}); err != nil {
			wg.Done()
			results[idx] = branchResult{err: err}
		}
	}
	wg.Wait()

	maxIter := wf.Settings.MaxIterationsOrDefault()

	if mode == "race" {
		if winner < 0 {
			for _, r := range results {
				if r.err != nil {
					return nil, wrapStepErr(r.err, step.ID)
				}
			}
			return nil, schema.NewError(schema.ErrCodeExecution, "race produced no winner").WithStep(step.ID)
		}
		win := results[winner]
		e.mergeBranch(exec, win)
		exec.Iterations += win.iters
		if exec.Iterations > maxIter {
			return nil, schema.NewErrorf(schema.ErrCodeLimitExceeded, "exceeded %d step iterations", maxIter).WithStep(step.ID)
		}
		return &StepOutcome{Output: map[string]any{"winner": winner}}, nil
	}

	// Mode all: the first failing branch in declared order fails the step.
	for _, r := range results {
		if r.err != nil {
			return nil, wrapStepErr(r.err, step.ID)
		}
	}
	// Branch variables merge per top-level key in declared order; the last
	// branch to write a key wins.
	for _, r := range results {
		e.mergeBranch(exec, r)
		exec.Iterations += r.iters
	}
	if exec.Iterations > maxIter {
		return nil, schema.NewErrorf(schema.ErrCodeLimitExceeded, "exceeded %d step iterations", maxIter).WithStep(step.ID)
	}
	return &StepOutcome{Output: map[string]any{"branches": len(results)}}, nil
}

func (e *Executor) runBranch(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, body []schema.Step, loop map[string]any, baseIter int) branchResult {
	branchExec := *exec
	branchExec.Context = exec.Context.Clone()
	branchExec.Iterations = baseIter

	if _, err := e.runInline(ctx, wf, &branchExec, body, loop); err != nil {
		return branchResult{err: err}
	}
	return branchResult{
		vars:    branchExec.Context.Variables,
		effects: branchExec.Context.SideEffects[len(exec.Context.SideEffects):],
		iters:   branchExec.Iterations - baseIter,
	}
}

func (e *Executor) mergeBranch(exec *schema.Execution, r branchResult) {
	for k, v := range r.vars {
		exec.Context.Variables[k] = v
	}
	exec.Context.SideEffects = append(exec.Context.SideEffects, r.effects...)
}

// --- Inline bodies ---

// runInline executes a straight-line step sequence sharing the parent's
// context: loop bodies and parallel branches. Steps that would suspend
// the execution are rejected here. The last executed step's output is
// returned so loops can aggregate per-iteration results.
func (e *Executor) runInline(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, body []schema.Step, loop map[string]any) (any, error) {
	maxIter := wf.Settings.MaxIterationsOrDefault()
	var last any
	for i := range body {
		sub := &body[i]
		if !sub.Enabled() {
			continue
		}
		exec.Iterations++
		if exec.Iterations > maxIter {
			return nil, schema.NewErrorf(schema.ErrCodeLimitExceeded, "exceeded %d step iterations", maxIter).WithStep(sub.ID)
		}
		outcome, err := e.Execute(ctx, wf, exec, sub, loop)
		if err != nil {
			return nil, err
		}
		if outcome.Pause != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %s cannot suspend inside an inline body", sub.ID).WithStep(sub.ID)
		}
		if err := applyOutputs(exec, sub, outcome.Output); err != nil {
			return nil, err
		}
		last = outcome.Output
	}
	return last, nil
}

// applyOutputs maps parts of a step's output into the context tree.
// The mapping is context path -> path into the output; an empty source
// path means the whole output.
func applyOutputs(exec *schema.Execution, step *schema.Step, output any) error {
	for ctxPath, srcPath := range step.Outputs {
		v, ok := lookupPath(output, srcPath)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"output path %q not found in result of step %s", srcPath, step.ID).WithStep(step.ID)
		}
		if err := exec.Context.SetPath(ctxPath, v); err != nil {
			return err
		}
	}
	return nil
}

// lookupPath walks a dot path over a JSON-shaped value.
func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
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

// asSlice normalizes a loop collection to []any.
func asSlice(v any) ([]any, error) {
	switch c := v.(type) {
	case []any:
		return c, nil
	case []string:
		out := make([]any, len(c))
		for i, s := range c {
			out[i] = s
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(c))
		for i, m := range c {
			out[i] = m
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "for_each over produced %T, want a collection", v)
	}
}

// mergeLoopVars overlays inner bindings on the enclosing loop scope.
func mergeLoopVars(outer, inner map[string]any) map[string]any {
	if len(outer) == 0 {
		return inner
	}
	merged := make(map[string]any, len(outer)+len(inner))
	for k, v := range outer {
		merged[k] = v
	}
	for k, v := range inner {
		merged[k] = v
	}
	return merged
}
