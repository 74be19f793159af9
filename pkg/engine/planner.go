package engine

import (
	"context"
	"fmt"
)

// Planner turns declared tasks into an executable node graph: it validates
// each task, expands loops against the initial context and builds the DAG.
type Planner struct {
	resolver *Resolver
	loops    *LoopController
}

// NewPlanner creates a planner. untilMax <= 0 selects DefaultUntilMaxAttempts.
func NewPlanner(evaluator ExpressionEvaluator, untilMax int) *Planner {
	return &Planner{
		resolver: NewResolver(),
		loops:    NewLoopController(evaluator, untilMax),
	}
}

// Plan validates specs and returns the graph. Loop iterables are resolved
// once, here, against vars.
func (p *Planner) Plan(ctx context.Context, specs []TaskSpec, vars map[string]interface{}) (*Graph, error) {
	for i := range specs {
		if err := ValidateTask(&specs[i]); err != nil {
			return nil, err
		}
	}

	if _, err := p.resolver.Validate(specs); err != nil {
		return nil, err
	}

	expansions := make(map[string][]Iteration)
	for i := range specs {
		spec := &specs[i]
		if !spec.HasLoop() {
			continue
		}
		iterations, err := p.loops.Expand(ctx, spec, vars)
		if err != nil {
			return nil, err
		}
		expansions[spec.Name] = iterations
	}

	return p.resolver.Build(specs, expansions)
}

// ValidateTask checks a single task declaration, including its rescue block.
func ValidateTask(spec *TaskSpec) error {
	if err := validateTask(spec, spec.Name); err != nil {
		return err
	}
	for i := range spec.Rescue {
		r := &spec.Rescue[i]
		label := fmt.Sprintf("%s.rescue[%d]", spec.Name, i)
		if err := validateTask(r, label); err != nil {
			return err
		}
		switch {
		case len(r.DependsOn) > 0:
			return invalidTask(label, "rescue tasks cannot declare depends_on")
		case r.HasLoop() || r.HasUntil():
			return invalidTask(label, "rescue tasks cannot loop")
		case len(r.Rescue) > 0:
			return invalidTask(label, "rescue tasks cannot declare their own rescue")
		}
	}
	return nil
}

func validateTask(spec *TaskSpec, label string) error {
	if spec.Action == "" {
		return invalidTask(label, "action is required")
	}
	if spec.HasLoop() && spec.HasUntil() {
		return invalidTask(label, "loop and until cannot be combined")
	}
	if spec.UntilMaxAttempts < 0 {
		return invalidTask(label, "until_max_attempts must be >= 0")
	}
	if spec.MaxIterations < 0 {
		return invalidTask(label, "max_iterations must be >= 0")
	}
	if spec.MaxIterations > 0 && !spec.HasLoop() && !spec.HasUntil() {
		return invalidTask(label, "max_iterations requires loop or until")
	}
	if spec.UntilDelay < 0 {
		return invalidTask(label, "until_delay must be >= 0")
	}
	if spec.Retry != nil {
		if err := spec.Retry.Validate(); err != nil {
			return NewConfigurationError("invalid retry policy", err).
				WithCode(ErrCodeInvalidPolicy).WithTask(label)
		}
	}
	return nil
}

func invalidTask(label, msg string) error {
	return NewConfigurationError(msg, nil).WithCode(ErrCodeValidation).WithTask(label)
}
