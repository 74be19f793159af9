package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a workflow.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. Every policy exposes a
// deny set in its own package; each element is a message string or an object
// with message, severity and task keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with flowctl; they survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Task     string   `json:"task,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Task != "" {
		return fmt.Sprintf("%s: %s (task=%s, severity=%s)", v.Policy, v.Message, v.Task, v.Severity)
	}
	return fmt.Sprintf("%s: %s (severity=%s)", v.Policy, v.Message, v.Severity)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the workflow.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// DeniedError is returned by Engine.Admit when a workflow is rejected.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	return fmt.Sprintf("%d policy violation(s): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// Input is the document policies see as input.
type Input struct {
	Workflow string      `json:"workflow,omitempty"`
	Tasks    []TaskInput `json:"tasks"`
	Context  Context     `json:"context"`
}

// Context describes the evaluation.
type Context struct {
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskInput is the policy view of a task. Durations are in seconds.
type TaskInput struct {
	Name             string                 `json:"name"`
	Action           string                 `json:"action"`
	Args             map[string]interface{} `json:"args,omitempty"`
	When             string                 `json:"when,omitempty"`
	Unless           string                 `json:"unless,omitempty"`
	Loop             bool                   `json:"loop"`
	Until            string                 `json:"until,omitempty"`
	UntilMaxAttempts int                    `json:"until_max_attempts"`
	MaxIterations    int                    `json:"max_iterations"`
	UntilDelay       float64                `json:"until_delay"`
	Retry            *RetryInput            `json:"retry,omitempty"`
	DependsOn        []string               `json:"depends_on"`
	IgnoreErrors     bool                   `json:"ignore_errors"`
	Always           bool                   `json:"always"`
	Rescue           []TaskInput            `json:"rescue,omitempty"`
}

// RetryInput is the policy view of a retry policy.
type RetryInput struct {
	MaxAttempts   int      `json:"max_attempts"`
	InitialDelay  float64  `json:"initial_delay"`
	BackoffFactor float64  `json:"backoff_factor"`
	MaxDelay      float64  `json:"max_delay"`
	RetryOn       []string `json:"retry_on"`
}

// NewInput builds the policy input for a set of task specs.
func NewInput(workflow, operation string, specs []engine.TaskSpec) *Input {
	return &Input{
		Workflow: workflow,
		Tasks:    taskInputs(specs),
		Context: Context{
			Operation: operation,
			Timestamp: time.Now(),
		},
	}
}

func taskInputs(specs []engine.TaskSpec) []TaskInput {
	out := make([]TaskInput, 0, len(specs))
	for i := range specs {
		s := &specs[i]
		t := TaskInput{
			Name:             s.Name,
			Action:           s.Action,
			Args:             s.Args,
			When:             s.When,
			Unless:           s.Unless,
			Loop:             s.Loop != nil,
			Until:            s.Until,
			UntilMaxAttempts: s.UntilMaxAttempts,
			MaxIterations:    s.MaxIterations,
			UntilDelay:       s.UntilDelay.Seconds(),
			DependsOn:        append([]string{}, s.DependsOn...),
			IgnoreErrors:     s.IgnoreErrors,
			Always:           s.Always,
		}
		// max_iterations caps an until loop when until_max_attempts is unset.
		if t.UntilMaxAttempts == 0 {
			t.UntilMaxAttempts = s.MaxIterations
		}
		if s.Retry != nil {
			t.Retry = &RetryInput{
				MaxAttempts:   s.Retry.MaxAttempts,
				InitialDelay:  s.Retry.InitialDelay.Seconds(),
				BackoffFactor: s.Retry.BackoffFactor,
				MaxDelay:      s.Retry.MaxDelay.Seconds(),
				RetryOn:       append([]string{}, s.Retry.RetryOn...),
			}
		}
		if len(s.Rescue) > 0 {
			t.Rescue = taskInputs(s.Rescue)
		}
		out = append(out, t)
	}
	return out
}
