package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// WorkflowFile is the root of a workflow document.
type WorkflowFile struct {
	Workflow WorkflowDocument `json:"workflow" yaml:"workflow" validate:"required"`
}

// WorkflowDocument is the declarative body of a workflow.
type WorkflowDocument struct {
	// Name identifies the workflow in run history.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description is free text shown by the CLI.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Vars seed the shared execution context.
	Vars map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`

	// Tasks are declared in order; sequential runs follow this order.
	Tasks []TaskConfig `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskConfig is one task as written in a workflow document. Several fields
// accept more than one shape and are normalized by ToTaskSpecs.
type TaskConfig struct {
	// Name is the action reference (e.g., "echo").
	Name string `json:"name" yaml:"name" validate:"required"`

	// ID is the graph key used by depends_on. Defaults to Name.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	Args  map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
	SetTo string                 `json:"set_to,omitempty" yaml:"set_to,omitempty"`

	// When and Unless are a bool or an expression string.
	When   interface{} `json:"when,omitempty" yaml:"when,omitempty"`
	Unless interface{} `json:"unless,omitempty" yaml:"unless,omitempty"`

	// Loop and WithItems are a list or an expression string. Only one may be set.
	Loop      interface{} `json:"loop,omitempty" yaml:"loop,omitempty"`
	WithItems interface{} `json:"with_items,omitempty" yaml:"with_items,omitempty"`

	Until            string `json:"until,omitempty" yaml:"until,omitempty"`
	UntilMaxAttempts int    `json:"until_max_attempts,omitempty" yaml:"until_max_attempts,omitempty" validate:"min=0"`

	// MaxIterations caps loop/with_items expansion and stands in for
	// until_max_attempts when that is unset.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" validate:"min=0"`

	// UntilDelay is seconds (number) or a Go duration string.
	UntilDelay interface{} `json:"until_delay,omitempty" yaml:"until_delay,omitempty"`

	Retry        *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
	IgnoreErrors bool         `json:"ignore_errors,omitempty" yaml:"ignore_errors,omitempty"`
	Always       bool         `json:"always,omitempty" yaml:"always,omitempty"`

	// DependsOn is a single id or a list of ids.
	DependsOn interface{} `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	Rescue []TaskConfig `json:"rescue,omitempty" yaml:"rescue,omitempty" validate:"dive"`
}

// RetryConfig is the retry block of a task. Omitted fields take the values of
// engine.DefaultRetryPolicy.
type RetryConfig struct {
	MaxAttempts   *int        `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"omitempty,min=1"`
	Delay         interface{} `json:"delay,omitempty" yaml:"delay,omitempty"`
	BackoffFactor *float64    `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty" validate:"omitempty,min=1"`
	MaxDelay      interface{} `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	RetryOn       []string    `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// Workflow is a loaded document ready for the scheduler.
type Workflow struct {
	Name        string
	Description string
	Source      string
	Vars        map[string]interface{}
	Tasks       []engine.TaskSpec
}

// WithVars returns a copy of the workflow vars with overrides applied.
func (w *Workflow) WithVars(overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(w.Vars)+len(overrides))
	for k, v := range w.Vars {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ValidationError represents a problem found in a workflow document.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path (e.g., "workflow.tasks[2].retry").
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

// String formats the error with its position.
func (v ValidationError) String() string {
	var sb strings.Builder
	if v.File != "" {
		sb.WriteString(v.File)
		if v.Line > 0 {
			fmt.Fprintf(&sb, ":%d:%d", v.Line, v.Column)
		}
		sb.WriteString(": ")
	}
	if v.Path != "" {
		sb.WriteString(v.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(v.Message)
	return sb.String()
}

// ParseError collects every ValidationError found while loading a document.
type ParseError struct {
	Source string
	Errors []ValidationError
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].String()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return fmt.Sprintf("%d problems in %s: %s", len(e.Errors), e.Source, strings.Join(msgs, "; "))
}
