package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// work executes one node to a terminal outcome: action with retry, until
// check, and rescue block. Retry notices are sent on updates as they happen;
// the completion is returned to the caller.
func (s *Scheduler) work(ctx context.Context, j *job, updates chan<- update) (res *completion) {
	ctx, span := s.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("flowctl.node", j.name),
		attribute.String("flowctl.task", j.task),
		attribute.String("flowctl.action", j.spec.Action),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", r).Str("node", j.name).Msg("Action panicked")
			res = &completion{
				node:     j.node,
				attempts: 1,
				err:      NewActionError(KindAction, "action panicked", fmt.Errorf("%v", r)).WithTask(j.name),
			}
		}
		span.SetAttributes(attribute.Int("flowctl.attempts", res.attempts))
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
	}()

	onRetry := func(next int, err error, delay time.Duration) {
		updates <- update{retry: &retryNotice{node: j.node, attempt: next, err: err, delay: delay}}
	}

	res = &completion{node: j.node}
	result, attempts, err := s.invoke(ctx, j.name, j.spec, j.scope, onRetry)
	res.attempts = attempts

	if err == nil && j.spec.HasUntil() {
		scope := withResult(j.scope, j.spec.SetTo, result)
		again, uerr := s.loops.NextAttempt(ctx, j.spec, j.seq, scope)
		switch {
		case uerr != nil:
			err = uerr
		case again && j.spec.UntilDelay > 0:
			if serr := s.retry.sleep(ctx, j.spec.UntilDelay); serr != nil {
				err = NewCancellationError("until delay interrupted", serr).WithTask(j.name)
				break
			}
			res.again = true
		case again:
			res.again = true
		}
	}

	if err == nil {
		res.result = result
		return res
	}

	res.err = err
	if len(j.spec.Rescue) > 0 && !IsConditionError(err) {
		res.rescues, res.promotions, res.rescued = s.rescue(ctx, j, err)
	}
	return res
}

// invoke resolves arguments and runs the action under the task's retry policy.
func (s *Scheduler) invoke(ctx context.Context, name string, spec *TaskSpec, scope map[string]interface{}, onRetry RetryHook) (interface{}, int, error) {
	args, err := s.resolveArgs(ctx, spec.Args, scope)
	if err != nil {
		var e *EngineError
		if errors.As(err, &e) {
			e.WithTask(name)
		}
		return nil, 0, err
	}
	action, ok := s.actions.Resolve(spec.Action)
	if !ok {
		return nil, 0, NewConfigurationError(fmt.Sprintf("unknown action: %s", spec.Action), nil).
			WithCode(ErrCodeUnknownAction).WithTask(name)
	}
	return s.retry.Run(ctx, spec.Retry, func(ctx context.Context, attempt int) (interface{}, error) {
		return action.Execute(ctx, name, args, scope)
	}, onRetry)
}

// rescue runs the rescue block in order against the failed node's scope plus
// the error. It stops at the first failing step unless that step ignores errors.
func (s *Scheduler) rescue(ctx context.Context, j *job, cause error) ([]rescueStep, []promotionOp, bool) {
	scope := make(map[string]interface{}, len(j.scope)+3)
	for k, v := range j.scope {
		scope[k] = v
	}
	scope["error"] = cause.Error()
	scope["error_kind"] = ErrorKind(cause)
	scope["failed_task"] = j.name

	log := zerolog.Ctx(ctx)
	steps := make([]rescueStep, 0, len(j.spec.Rescue))
	var promotions []promotionOp

	for i := range j.spec.Rescue {
		spec := &j.spec.Rescue[i]
		step := rescueStep{
			name:    fmt.Sprintf("%s.rescue[%d]", j.name, i),
			spec:    spec,
			started: time.Now(),
		}

		run, err := s.conditions.ShouldRun(ctx, spec.When, spec.Unless, scope)
		if err == nil && !run {
			step.state = NodeStateSkipped
			step.completed = time.Now()
			steps = append(steps, step)
			continue
		}
		if err == nil {
			var result interface{}
			result, step.attempts, err = s.invoke(ctx, step.name, spec, scope, nil)
			step.result = result
		}
		step.completed = time.Now()

		if err != nil {
			step.state = NodeStateFailed
			step.err = err
			steps = append(steps, step)
			if spec.IgnoreErrors && !IsConditionError(err) {
				continue
			}
			log.Warn().Err(err).Str("node", j.name).Str("step", step.name).Msg("Rescue step failed")
			return steps, promotions, false
		}

		step.state = NodeStateSucceeded
		if spec.SetTo != "" {
			scope[spec.SetTo] = step.result
			promotions = append(promotions, promotionOp{name: spec.SetTo, value: step.result})
		}
		steps = append(steps, step)
	}

	log.Info().Str("node", j.name).Int("steps", len(steps)).Msg("Node rescued")
	return steps, promotions, true
}

// withResult overlays the latest result for until evaluation.
func withResult(scope map[string]interface{}, setTo string, result interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(scope)+2)
	for k, v := range scope {
		out[k] = v
	}
	out["result"] = result
	if setTo != "" {
		out[setTo] = result
	}
	return out
}
