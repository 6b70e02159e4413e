package expressions

import "context"

// Engine evaluates expressions within workflow steps.
// Three implementations: CEL (predicates), GoJQ (transforms), Expr (scripts
// and parameter templates).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
