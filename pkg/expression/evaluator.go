package expression

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Dialect names an expression language.
type Dialect string

const (
	// DialectStarlark evaluates Starlark expressions.
	DialectStarlark Dialect = "starlark"

	// DialectHCL evaluates HCL expressions and templates.
	DialectHCL Dialect = "hcl"
)

// Validate checks if the dialect is supported.
func (d Dialect) Validate() error {
	switch d {
	case DialectStarlark, DialectHCL:
		return nil
	default:
		return fmt.Errorf("unsupported expression dialect: %s", d)
	}
}

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 5 * time.Second

// Options tunes an evaluator.
type Options struct {
	// Timeout bounds one evaluation. Zero selects DefaultTimeout.
	Timeout time.Duration

	// MaxSteps bounds Starlark execution steps. Zero means unlimited.
	MaxSteps uint64
}

// Evaluator evaluates expressions against a variable scope.
type Evaluator interface {
	Eval(ctx context.Context, expr string, vars map[string]interface{}) (interface{}, error)
	EvalBool(ctx context.Context, expr string, vars map[string]interface{}) (bool, error)
}

// New returns the evaluator for a dialect. An empty dialect selects Starlark.
func New(dialect Dialect, opts Options) (Evaluator, error) {
	if dialect == "" {
		dialect = DialectStarlark
	}
	if err := dialect.Validate(); err != nil {
		return nil, err
	}
	if dialect == DialectHCL {
		return NewHCLEvaluator(opts), nil
	}
	return NewStarlarkEvaluator(opts), nil
}

// EvalError describes an expression that could not be evaluated.
type EvalError struct {
	Dialect    Dialect
	Expression string
	Err        error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s expression %q: %v", e.Dialect, e.Expression, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// normalize trims whitespace and a surrounding "{{ ... }}".
func normalize(expr string) string {
	t := strings.TrimSpace(expr)
	if strings.HasPrefix(t, "{{") && strings.HasSuffix(t, "}}") && len(t) >= 4 {
		inner := t[2 : len(t)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return strings.TrimSpace(inner)
		}
	}
	return t
}
