package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// DefaultUntilMaxAttempts caps until loops that do not declare their own limit.
	DefaultUntilMaxAttempts = 50

	// DefaultMaxIterations caps loop expansion for tasks without max_iterations.
	DefaultMaxIterations = 100
)

// Iteration is one element of a loop expansion.
type Iteration struct {
	Index int
	Item  interface{}
}

// LoopController expands loop/with_items tasks and drives until loops.
type LoopController struct {
	evaluator  ExpressionEvaluator
	conditions *ConditionEvaluator
	untilMax   int
}

// NewLoopController creates a loop controller. untilMax <= 0 selects DefaultUntilMaxAttempts.
func NewLoopController(evaluator ExpressionEvaluator, untilMax int) *LoopController {
	if untilMax <= 0 {
		untilMax = DefaultUntilMaxAttempts
	}
	return &LoopController{
		evaluator:  evaluator,
		conditions: NewConditionEvaluator(evaluator),
		untilMax:   untilMax,
	}
}

// Expand resolves the loop iterable once against vars and returns one
// Iteration per element, keeping at most MaxIterations(spec) of them. A task
// without a loop yields nil.
func (l *LoopController) Expand(ctx context.Context, spec *TaskSpec, vars map[string]interface{}) ([]Iteration, error) {
	if !spec.HasLoop() {
		return nil, nil
	}

	source := spec.Loop
	if expr, ok := source.(string); ok {
		inner, _ := TemplateExpression(expr)
		if strings.TrimSpace(inner) == "" {
			return nil, NewConfigurationError("loop expression is empty", nil).
				WithTask(spec.Name).WithCode(ErrCodeValidation)
		}
		if l.evaluator == nil {
			return nil, NewConfigurationError(
				fmt.Sprintf("cannot resolve loop expression %q", expr),
				fmt.Errorf("no expression evaluator configured"),
			).WithTask(spec.Name).WithCode(ErrCodeValidation)
		}
		value, err := l.evaluator.Eval(ctx, inner, vars)
		if err != nil {
			return nil, NewConfigurationError(
				fmt.Sprintf("failed to resolve loop expression %q", expr), err,
			).WithTask(spec.Name).WithCode(ErrCodeValidation)
		}
		source = value
	}

	items, err := toItems(source)
	if err != nil {
		return nil, NewConfigurationError("invalid loop items", err).
			WithTask(spec.Name).WithCode(ErrCodeValidation)
	}

	if limit := l.MaxIterations(spec); len(items) > limit {
		zerolog.Ctx(ctx).Warn().
			Str("task", spec.Name).
			Int("items", len(items)).
			Int("max_iterations", limit).
			Msg("Loop truncated")
		items = items[:limit]
	}

	iterations := make([]Iteration, len(items))
	for i, item := range items {
		iterations[i] = Iteration{Index: i, Item: item}
	}
	return iterations, nil
}

// MaxAttempts returns the until cap for a task. until_max_attempts wins over
// max_iterations.
func (l *LoopController) MaxAttempts(spec *TaskSpec) int {
	switch {
	case spec.UntilMaxAttempts > 0:
		return spec.UntilMaxAttempts
	case spec.MaxIterations > 0:
		return spec.MaxIterations
	}
	return l.untilMax
}

// MaxIterations returns the loop expansion cap for a task.
func (l *LoopController) MaxIterations(spec *TaskSpec) int {
	if spec.MaxIterations > 0 {
		return spec.MaxIterations
	}
	return DefaultMaxIterations
}

// UntilSatisfied evaluates the until expression after an attempt. vars must
// already carry the latest result.
func (l *LoopController) UntilSatisfied(ctx context.Context, spec *TaskSpec, vars map[string]interface{}) (bool, error) {
	ok, err := l.conditions.Evaluate(ctx, "until", spec.Until, true, vars)
	if err != nil {
		var e *EngineError
		if errors.As(err, &e) {
			e.WithTask(spec.Name)
		}
		return false, err
	}
	return ok, nil
}

// NextAttempt decides what follows a completed until attempt: another attempt,
// completion, or a LoopExhaustedError once attempt reaches the cap.
func (l *LoopController) NextAttempt(ctx context.Context, spec *TaskSpec, attempt int, vars map[string]interface{}) (bool, error) {
	done, err := l.UntilSatisfied(ctx, spec, vars)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}
	if attempt >= l.MaxAttempts(spec) {
		return false, NewLoopExhaustedError(spec.Name, attempt)
	}
	return true, nil
}

// IterationScope returns the iteration-local variables exposed to a loop node.
func IterationScope(index int, item interface{}) map[string]interface{} {
	return map[string]interface{}{
		"item":       item,
		"loop_index": index,
	}
}

func toItems(v interface{}) ([]interface{}, error) {
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return items, nil
	case []string:
		out := make([]interface{}, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, fmt.Errorf("loop must be a sequence, got %T", v)
}
