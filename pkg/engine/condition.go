package engine

import (
	"context"
	"fmt"
	"strings"
)

// ConditionEvaluator resolves when/unless guards to a run or skip decision.
type ConditionEvaluator struct {
	evaluator ExpressionEvaluator
}

// NewConditionEvaluator creates a condition evaluator backed by the given expression evaluator.
func NewConditionEvaluator(evaluator ExpressionEvaluator) *ConditionEvaluator {
	return &ConditionEvaluator{evaluator: evaluator}
}

// ShouldRun returns when AND NOT unless. An absent when counts as true and an
// absent unless as false.
func (c *ConditionEvaluator) ShouldRun(ctx context.Context, when, unless string, vars map[string]interface{}) (bool, error) {
	run, err := c.Evaluate(ctx, "when", when, true, vars)
	if err != nil || !run {
		return false, err
	}
	stop, err := c.Evaluate(ctx, "unless", unless, false, vars)
	if err != nil {
		return false, err
	}
	return !stop, nil
}

// Evaluate resolves a single guard. absent is returned for an empty expression.
// Any failure is returned as a ConditionError.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, guard, expr string, absent bool, vars map[string]interface{}) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return absent, nil
	}
	inner, _ := TemplateExpression(expr)
	if b, ok := literalBool(inner); ok {
		return b, nil
	}
	if c.evaluator == nil {
		return false, NewConditionError(
			fmt.Sprintf("cannot evaluate %s condition %q", guard, expr),
			fmt.Errorf("no expression evaluator configured"),
		).WithOperation(guard)
	}
	result, err := c.evaluator.EvalBool(ctx, inner, vars)
	if err != nil {
		return false, NewConditionError(
			fmt.Sprintf("failed to evaluate %s condition %q", guard, expr), err,
		).WithOperation(guard)
	}
	return result, nil
}

// literalBool recognizes the boolean spellings accepted in workflow files.
func literalBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off", "''", `""`:
		return false, true
	}
	return false, false
}

// TemplateExpression strips a surrounding "{{ ... }}" and reports whether the
// string was wrapped.
func TemplateExpression(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "{{") && strings.HasSuffix(t, "}}") && len(t) >= 4 {
		inner := t[2 : len(t)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return strings.TrimSpace(inner), true
		}
	}
	return t, false
}
