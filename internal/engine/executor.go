package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tessen/flowcore/internal/actions"
	"github.com/tessen/flowcore/internal/expressions"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

// StepOutcome is the result of executing one step. A non-nil Pause
// suspends the execution with the embedded wait state; NextOverride,
// when non-nil, replaces the step's declared routing.
type StepOutcome struct {
	Output       any
	Pause        *schema.WaitState
	NextOverride []string
}

// ExecutorConfig tunes the step executor.
type ExecutorConfig struct {
	PoolSize       int                   // parallel-branch concurrency
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
	HTTP           actions.HTTPConfig
}

// DefaultPoolSize is the default parallel-branch concurrency.
const DefaultPoolSize = 8

// Executor dispatches a single step by kind. It owns the expression
// evaluator, the action registry, the CRUD and notification collaborators
// and the per-host circuit breakers. The interpreter drives it step by
// step and handles persistence, retries and routing.
type Executor struct {
	store      store.Store
	eval       *expressions.Evaluator
	interp     *expressions.Interpolator
	registry   *actions.Registry
	crud       actions.LowCodeCRUD
	notifier   actions.Notifier
	breakers   *CircuitBreakerRegistry
	pool       *WorkerPool
	httpAction *actions.HTTPRequestAction
	logger     *slog.Logger
}

// NewExecutor wires an executor with its collaborators. Nil crud and
// notifier default to the in-memory and log implementations.
func NewExecutor(s store.Store, eval *expressions.Evaluator, reg *actions.Registry, crud actions.LowCodeCRUD, notifier actions.Notifier, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if crud == nil {
		crud = actions.NewMemoryCRUD()
	}
	if notifier == nil {
		notifier = &actions.LogNotifier{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      s,
		eval:       eval,
		interp:     expressions.NewInterpolator(eval),
		registry:   reg,
		crud:       crud,
		notifier:   notifier,
		breakers:   NewCircuitBreakerRegistry(cbConfig),
		pool:       NewWorkerPool(cfg.PoolSize),
		httpAction: actions.NewHTTPRequestAction(cfg.HTTP),
		logger:     logger,
	}
}

// Breakers exposes the circuit breaker registry for diagnostics.
func (e *Executor) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Execute runs one step against the execution's context. The context
// tree is mutated in place; the interpreter persists it at the step
// boundary. loop carries item/index bindings inside loop bodies.
func (e *Executor) Execute(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	stepCtx := ctx
	if t := step.Timeout(); t > 0 && step.Kind != schema.StepWait && step.Kind != schema.StepApproval {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	switch step.Kind {
	case schema.StepTrigger:
		// Entry marker; the trigger payload is already in the context.
		return &StepOutcome{Output: map[string]any{"trigger": string(exec.Trigger)}}, nil
	case schema.StepAction:
		return e.executeAction(stepCtx, exec, step, loop)
	case schema.StepCondition:
		return e.executeCondition(stepCtx, exec, step, loop)
	case schema.StepScript:
		return e.executeScript(stepCtx, exec, step, loop)
	case schema.StepDataTransform:
		return e.executeTransform(stepCtx, exec, step, loop)
	case schema.StepAPICall:
		return e.executeAPICall(stepCtx, exec, step, loop)
	case schema.StepLoop:
		return e.executeLoop(stepCtx, wf, exec, step, loop)
	case schema.StepSwitch:
		return e.executeSwitch(stepCtx, exec, step, loop)
	case schema.StepWait:
		return e.executeWait(stepCtx, exec, step)
	case schema.StepParallel:
		return e.executeParallel(stepCtx, wf, exec, step, loop)
	case schema.StepSubworkflow:
		return e.executeSubworkflow(stepCtx, exec, step, loop)
	case schema.StepApproval:
		return e.executeApproval(stepCtx, exec, step)
	case schema.StepNotification:
		return e.executeNotification(stepCtx, exec, step, loop)
	case schema.StepCRUDQuery, schema.StepCRUDCreate, schema.StepCRUDUpdate, schema.StepCRUDDelete:
		return e.executeCRUD(stepCtx, exec, step, loop)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step kind %q", step.Kind).WithStep(step.ID)
	}
}

// RetryableStep reports whether a failed step may be re-attempted.
// Non-idempotent apiCall steps are never retried regardless of policy.
func RetryableStep(step *schema.Step, err error) bool {
	if !IsRetryableError(err) {
		return false
	}
	if step.Kind == schema.StepAPICall {
		var cfg schema.APICallConfig
		if step.DecodeConfig(&cfg) == nil {
			method := strings.ToUpper(cfg.Method)
			if method == "" {
				method = http.MethodGet
			}
			if !cfg.Idempotent && method != http.MethodGet && method != http.MethodHead {
				return false
			}
		}
	}
	return true
}

// --- Action step ---

func (e *Executor) executeAction(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.ActionConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Action == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "action step requires an action name").WithStep(step.ID)
	}

	resolved, err := e.resolveMap(ctx, cfg.Params, exec, loop)
	if err != nil {
		return nil, err
	}

	if exec.DryRun {
		exec.Context.RecordSideEffect(step.ID, "action", map[string]any{"action": cfg.Action, "params": resolved})
		return e.intoOutcome(exec, cfg.Into, map[string]any{"dry_run": true, "action": cfg.Action})
	}

	action, err := e.registry.Get(cfg.Action)
	if err != nil {
		return nil, err
	}

	out, err := action.Execute(ctx, actions.ActionInput{
		Params: resolved,
		Context: map[string]any{
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"step_id":      step.ID,
			"vars":         exec.Context.Variables,
		},
	})
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}

	var data any
	if out != nil && len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, &data); err != nil {
			data = string(out.Data)
		}
	}
	return e.intoOutcome(exec, cfg.Into, data)
}

// --- Script step ---

func (e *Executor) executeScript(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.ScriptConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "script step requires source").WithStep(step.ID)
	}

	data := expressions.Scope(exec, loop)
	if len(cfg.Args) > 0 {
		resolved, err := e.resolveMap(ctx, cfg.Args, exec, loop)
		if err != nil {
			return nil, err
		}
		for k, v := range resolved {
			data[k] = v
		}
	}

	result, err := e.eval.RunScript(ctx, cfg.Source, data)
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}
	return e.intoOutcome(exec, cfg.Into, result)
}

// --- Data transform step ---

func (e *Executor) executeTransform(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.TransformConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "dataTransform step requires a query").WithStep(step.ID)
	}

	var input any = exec.Context.Variables
	if cfg.Input != "" {
		v, ok := exec.Context.GetPath(cfg.Input)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform input path %q not found", cfg.Input).WithStep(step.ID)
		}
		input = v
	}

	result, err := e.eval.Transform(ctx, cfg.Query, input)
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}
	return e.intoOutcome(exec, cfg.Into, result)
}

// --- API call step ---

func (e *Executor) executeAPICall(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.APICallConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	scope := expressions.Scope(exec, loop)
	rawURL, err := e.interp.ResolveString(ctx, cfg.URL, exec.Context, scope)
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	if exec.DryRun {
		exec.Context.RecordSideEffect(step.ID, "apiCall", map[string]any{"method": method, "url": rawURL})
		return e.intoOutcome(exec, cfg.Into, map[string]any{"dry_run": true, "status_code": 0})
	}

	params := map[string]any{
		"method":               method,
		"url":                  rawURL,
		"fail_on_error_status": true,
	}
	if len(cfg.Headers) > 0 {
		headers := make(map[string]any, len(cfg.Headers))
		for k, v := range cfg.Headers {
			hv, err := e.interp.ResolveString(ctx, v, exec.Context, scope)
			if err != nil {
				return nil, wrapStepErr(err, step.ID)
			}
			headers[k] = hv
		}
		params["headers"] = headers
	}
	if cfg.Body != nil {
		body, err := e.interp.Resolve(ctx, cfg.Body, exec.Context, scope)
		if err != nil {
			return nil, wrapStepErr(err, step.ID)
		}
		params["body"] = body
	}

	target := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		target = u.Host
	}

	var out *actions.ActionOutput
	guardErr := e.breakers.Guard(ctx, target, step.Timeout(), func(callCtx context.Context) error {
		var callErr error
		out, callErr = e.httpAction.Execute(callCtx, actions.ActionInput{Params: params})
		return callErr
	})
	if guardErr != nil {
		return nil, wrapStepErr(guardErr, step.ID)
	}

	var data any
	if out != nil && len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, &data); err != nil {
			data = string(out.Data)
		}
	}
	return e.intoOutcome(exec, cfg.Into, data)
}

// --- Notification step ---

func (e *Executor) executeNotification(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.NotificationConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	scope := expressions.Scope(exec, loop)
	subject, err := e.interp.ResolveString(ctx, cfg.Subject, exec.Context, scope)
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}
	body, err := e.interp.ResolveString(ctx, cfg.Body, exec.Context, scope)
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}
	data, err := e.resolveMap(ctx, cfg.Data, exec, loop)
	if err != nil {
		return nil, err
	}

	n := actions.Notification{
		Channel:    cfg.Channel,
		Recipients: cfg.Recipients,
		Subject:    subject,
		Body:       body,
		Data:       data,
	}

	if exec.DryRun {
		exec.Context.RecordSideEffect(step.ID, "notification", map[string]any{"channel": n.Channel, "subject": n.Subject})
		return &StepOutcome{Output: map[string]any{"dry_run": true, "delivered": false}}, nil
	}

	// Delivery failures never fail the workflow.
	if err := e.notifier.Send(ctx, n); err != nil {
		e.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("execution_id", exec.ID),
			slog.String("step_id", step.ID),
			slog.String("channel", n.Channel),
			slog.String("error", err.Error()),
		)
		return &StepOutcome{Output: map[string]any{"delivered": false, "error": err.Error()}}, nil
	}
	return &StepOutcome{Output: map[string]any{"delivered": true}}, nil
}

// --- CRUD steps ---

func (e *Executor) executeCRUD(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.CRUDConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "crud step requires a collection").WithStep(step.ID)
	}

	scope := expressions.Scope(exec, loop)
	recordID, err := e.interp.ResolveString(ctx, cfg.RecordID, exec.Context, scope)
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}
	filter, err := e.resolveMap(ctx, cfg.Filter, exec, loop)
	if err != nil {
		return nil, err
	}
	record, err := e.resolveMap(ctx, cfg.Record, exec, loop)
	if err != nil {
		return nil, err
	}

	if exec.DryRun {
		exec.Context.RecordSideEffect(step.ID, string(step.Kind), map[string]any{"collection": cfg.Collection, "record_id": recordID})
		return e.intoOutcome(exec, cfg.Into, map[string]any{"dry_run": true})
	}

	var result any
	switch step.Kind {
	case schema.StepCRUDQuery:
		result, err = e.crud.Query(ctx, cfg.Collection, filter, cfg.Limit)
	case schema.StepCRUDCreate:
		result, err = e.crud.Create(ctx, cfg.Collection, record)
	case schema.StepCRUDUpdate:
		if recordID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "crud.update requires record_id").WithStep(step.ID)
		}
		result, err = e.crud.Update(ctx, cfg.Collection, recordID, record)
	case schema.StepCRUDDelete:
		if recordID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "crud.delete requires record_id").WithStep(step.ID)
		}
		err = e.crud.Delete(ctx, cfg.Collection, recordID)
		result = map[string]any{"deleted": true, "record_id": recordID}
	}
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}
	return e.intoOutcome(exec, cfg.Into, result)
}

// --- Subworkflow step ---

func (e *Executor) executeSubworkflow(ctx context.Context, exec *schema.Execution, step *schema.Step, loop map[string]any) (*StepOutcome, error) {
	var cfg schema.SubworkflowConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subworkflow step requires workflow_id").WithStep(step.ID)
	}

	input, err := e.resolveMap(ctx, cfg.Input, exec, loop)
	if err != nil {
		return nil, err
	}

	if exec.DryRun {
		exec.Context.RecordSideEffect(step.ID, "subworkflow", map[string]any{"workflow_id": cfg.WorkflowID, "input": input})
		return e.intoOutcome(exec, cfg.Into, map[string]any{"dry_run": true, "workflow_id": cfg.WorkflowID})
	}

	childWf, err := e.store.GetWorkflow(ctx, cfg.WorkflowID)
	if err != nil {
		return nil, wrapStepErr(err, step.ID)
	}
	if childWf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"subworkflow %s is %s, not active", cfg.WorkflowID, childWf.Status).WithStep(step.ID)
	}

	now := time.Now().UTC()
	child := &schema.Execution{
		ID:              uuid.New().String(),
		WorkflowID:      childWf.ID,
		WorkflowVersion: childWf.Version,
		Status:          schema.ExecutionStatusPending,
		Context:         schema.NewExecutionContext(childWf.Variables, input),
		Trigger:         schema.TriggerEvent,
		Initiator:       exec.Initiator,
		ParentID:        exec.ID,
		CreatedAt:       now,
	}
	if err := e.store.CreateExecution(ctx, child); err != nil {
		return nil, wrapStepErr(err, step.ID)
	}

	if !cfg.AwaitChild() {
		return e.intoOutcome(exec, cfg.Into, map[string]any{"child_id": child.ID, "awaited": false})
	}

	return &StepOutcome{
		Pause: &schema.WaitState{
			Kind:      schema.WaitChild,
			StepID:    step.ID,
			ChildID:   child.ID,
			CreatedAt: now,
		},
	}, nil
}

// --- Helpers ---

// intoOutcome writes value at the config's into path (when set) and wraps
// it as the step outcome.
func (e *Executor) intoOutcome(exec *schema.Execution, into string, value any) (*StepOutcome, error) {
	if into != "" {
		if err := exec.Context.SetPath(into, value); err != nil {
			return nil, err
		}
	}
	return &StepOutcome{Output: value}, nil
}

// resolveMap interpolates every value of m against the execution context.
func (e *Executor) resolveMap(ctx context.Context, m map[string]any, exec *schema.Execution, loop map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	resolved, err := e.interp.Resolve(ctx, m, exec.Context, expressions.Scope(exec, loop))
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeExecution, "interpolation changed parameter shape")
	}
	return out, nil
}

// wrapStepErr ensures the error carries the step id.
func wrapStepErr(err error, stepID string) error {
	if ee, ok := err.(*schema.EngineError); ok {
		if ee.StepID == "" {
			ee.StepID = stepID
		}
		return ee
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).WithStep(stepID).WithCause(err)
}
