package engine

import (
	"context"
	"fmt"
	"strings"
)

// resolveArgs evaluates "{{ expr }}" placeholders in task arguments against
// scope. A string that is a single placeholder keeps the value's type; embedded
// placeholders are interpolated as text.
func (s *Scheduler) resolveArgs(ctx context.Context, args map[string]interface{}, scope map[string]interface{}) (map[string]interface{}, error) {
	if len(args) == 0 {
		return map[string]interface{}{}, nil
	}
	resolved := make(map[string]interface{}, len(args))
	for k, v := range args {
		rv, err := s.resolveValue(ctx, v, scope)
		if err != nil {
			return nil, NewConditionError(fmt.Sprintf("failed to resolve argument %q", k), err).
				WithOperation("resolve_args")
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func (s *Scheduler) resolveValue(ctx context.Context, v interface{}, scope map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return s.resolveString(ctx, val, scope)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			rv, err := s.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			rv, err := s.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s *Scheduler) resolveString(ctx context.Context, str string, scope map[string]interface{}) (interface{}, error) {
	if s.evaluator == nil || !strings.Contains(str, "{{") {
		return str, nil
	}
	if expr, whole := TemplateExpression(str); whole {
		return s.evaluator.Eval(ctx, expr, scope)
	}

	var sb strings.Builder
	rest := str
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", str)
		}
		end += start
		sb.WriteString(rest[:start])
		value, err := s.evaluator.Eval(ctx, strings.TrimSpace(rest[start+2:end]), scope)
		if err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprint(value))
		rest = rest[end+2:]
	}
	return sb.String(), nil
}
