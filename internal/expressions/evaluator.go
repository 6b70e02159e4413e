package expressions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tessen/flowcore/pkg/schema"
)

// Limits bounds every evaluation regardless of which engine runs it.
type Limits struct {
	Timeout        time.Duration // wall clock per evaluation
	MaxOutputBytes int           // JSON-encoded result size cap
}

// DefaultLimits are applied when a field is zero.
var DefaultLimits = Limits{
	Timeout:        5 * time.Second,
	MaxOutputBytes: 1 << 20, // 1 MiB
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultLimits.Timeout
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = DefaultLimits.MaxOutputBytes
	}
	return l
}

// Evaluator is the single entry point the executor uses for all expression
// work. It owns the three engines and enforces the evaluation limits.
type Evaluator struct {
	cel    *CELEngine
	expr   *ExprEngine
	jq     *GoJQEngine
	limits Limits
}

// NewEvaluator wires the three engines behind one facade.
func NewEvaluator(limits Limits) (*Evaluator, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:    celEng,
		expr:   NewExprEngine(),
		jq:     NewGoJQEngine(),
		limits: limits.withDefaults(),
	}, nil
}

// Scope builds the evaluation data for an execution: context variables under
// "vars" (CEL) and flattened on top (expr), plus execution metadata.
func Scope(exec *schema.Execution, loop map[string]any) map[string]any {
	vars := map[string]any{}
	if exec.Context != nil && exec.Context.Variables != nil {
		vars = exec.Context.Variables
	}
	data := map[string]any{
		"vars": vars,
		"execution": map[string]any{
			"id":          exec.ID,
			"workflow_id": exec.WorkflowID,
			"iterations":  exec.Iterations,
			"trigger":     string(exec.Trigger),
			"initiator":   exec.Initiator,
		},
	}
	// Flattened variables let expr templates reference them as top-level
	// names. Reserved keys are never shadowed.
	for k, v := range vars {
		if k == "vars" || k == "execution" || k == "item" || k == "index" {
			continue
		}
		data[k] = v
	}
	for k, v := range loop {
		data[k] = v
	}
	return data
}

// EvalPredicate evaluates a CEL predicate to a boolean.
func (ev *Evaluator) EvalPredicate(ctx context.Context, expr string, data map[string]any) (bool, error) {
	var out bool
	err := ev.bounded(ctx, func(ctx context.Context) error {
		var err error
		out, err = ev.cel.EvaluateBool(ctx, expr, data)
		return err
	})
	return out, err
}

// EvalExpression evaluates an expr-lang expression.
func (ev *Evaluator) EvalExpression(ctx context.Context, expr string, data map[string]any) (any, error) {
	var out any
	err := ev.bounded(ctx, func(ctx context.Context) error {
		var err error
		out, err = ev.expr.Evaluate(ctx, expr, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, ev.checkOutputSize(out)
}

// RunScript evaluates a script step's source. Scripts are expr programs and
// share the expression sandbox: no I/O, no env, wall-clock bounded.
func (ev *Evaluator) RunScript(ctx context.Context, source string, data map[string]any) (any, error) {
	return ev.EvalExpression(ctx, source, data)
}

// Transform runs a gojq program over JSON-shaped input.
func (ev *Evaluator) Transform(ctx context.Context, query string, input any) (any, error) {
	var out any
	err := ev.bounded(ctx, func(ctx context.Context) error {
		var err error
		out, err = ev.jq.Transform(ctx, query, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, ev.checkOutputSize(out)
}

// bounded runs fn under the evaluation timeout. The engines are not
// preemptible mid-instruction, so the result of a timed-out evaluation is
// discarded in a goroutine rather than awaited.
func (ev *Evaluator) bounded(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, ev.limits.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return schema.NewErrorf(schema.ErrCodeTimeout,
				"evaluation exceeded %s", ev.limits.Timeout).WithCause(err)
		}
		return err
	case <-ctx.Done():
		return schema.NewErrorf(schema.ErrCodeTimeout,
			"evaluation exceeded %s", ev.limits.Timeout).WithCause(ctx.Err())
	}
}

func (ev *Evaluator) checkOutputSize(out any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		// Non-JSON results pass; size enforcement targets data payloads.
		return nil
	}
	if len(raw) > ev.limits.MaxOutputBytes {
		return schema.NewErrorf(schema.ErrCodeLimitExceeded,
			"evaluation result %d bytes exceeds cap %d", len(raw), ev.limits.MaxOutputBytes)
	}
	return nil
}
