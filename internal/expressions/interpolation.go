package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tessen/flowcore/pkg/schema"
)

// Interpolator resolves step parameters before execution. Three forms:
//
//   - literal values pass through unchanged
//   - "$path.to.var" reads the context variable tree
//   - "${expr}" evaluates an expr-lang template against the scope
//
// A string that is exactly one "${...}" token keeps the expression's type;
// mixed strings render each token inline.
type Interpolator struct {
	eval *Evaluator
}

// NewInterpolator creates an interpolator backed by the shared evaluator.
func NewInterpolator(eval *Evaluator) *Interpolator {
	return &Interpolator{eval: eval}
}

// Resolve walks v recursively, resolving every string node against the
// execution context and evaluation scope.
func (in *Interpolator) Resolve(ctx context.Context, v any, execCtx *schema.ExecutionContext, scope map[string]any) (any, error) {
	switch node := v.(type) {
	case string:
		return in.resolveString(ctx, node, execCtx, scope)
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			resolved, err := in.Resolve(ctx, child, execCtx, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			resolved, err := in.Resolve(ctx, child, execCtx, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves a single string parameter to a string result.
func (in *Interpolator) ResolveString(ctx context.Context, s string, execCtx *schema.ExecutionContext, scope map[string]any) (string, error) {
	out, err := in.resolveString(ctx, s, execCtx, scope)
	if err != nil {
		return "", err
	}
	str, ok := out.(string)
	if !ok {
		return marshalInline(out), nil
	}
	return str, nil
}

func (in *Interpolator) resolveString(ctx context.Context, s string, execCtx *schema.ExecutionContext, scope map[string]any) (any, error) {
	if strings.HasPrefix(s, "$$") {
		return s[1:], nil
	}
	if isPathRef(s) {
		path := s[1:]
		v, ok := execCtx.GetPath(path)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unresolved context path %q", path).
				WithDetails(map[string]any{"path": path})
		}
		return v, nil
	}

	if !HasTemplate(s) {
		return s, nil
	}

	// Whole-string template keeps the expression's type.
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 {
		return in.eval.EvalExpression(ctx, s[2:len(s)-1], scope)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeSyntax,
				"unterminated template in %q", s)
		}
		b.WriteString(rest[:start])
		out, err := in.eval.EvalExpression(ctx, rest[start+2:start+end], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(marshalInline(out))
		rest = rest[start+end+1:]
	}
	return b.String(), nil
}

// isPathRef reports whether s is a "$path" context reference. "$" followed
// by "{" is a template, and "$$" escapes a literal dollar.
func isPathRef(s string) bool {
	return len(s) > 1 && s[0] == '$' && s[1] != '{' && s[1] != '$'
}

// HasTemplate reports whether s contains a "${...}" token.
func HasTemplate(s string) bool {
	return strings.Contains(s, "${")
}

// HasInterpolation reports whether s needs any resolution at all.
func HasInterpolation(s string) bool {
	return isPathRef(s) || HasTemplate(s)
}

// marshalInline renders a resolved value for embedding in a larger string.
func marshalInline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
