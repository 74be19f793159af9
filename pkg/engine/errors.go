package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for failure-policy decisions.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a defect in the submitted workflow.
	// Examples: cyclic dependency, undeclared dependency reference, malformed retry policy.
	// Always reported before any task is dispatched.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassCondition indicates a when/until/unless expression could not be evaluated.
	ErrorClassCondition ErrorClass = "condition"

	// ErrorClassAction indicates the external action returned an error.
	// Subject to retry, rescue and ignore_errors.
	ErrorClassAction ErrorClass = "action"

	// ErrorClassLoopExhausted indicates an until loop reached its attempt cap
	// without the condition becoming true.
	ErrorClassLoopExhausted ErrorClass = "loop_exhausted"

	// ErrorClassCancellation surfaces on nodes skipped because of a stop request.
	ErrorClassCancellation ErrorClass = "cancellation"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	// For action errors it carries the retry kind (e.g. "ConnectionError").
	Code string `json:"code,omitempty"`

	// Task is the node or task ID that caused the error, if applicable.
	Task string `json:"task,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if inner := e.unwrapMessage(); inner != "" {
		msg = msg + ": " + inner
	}
	if e.Task != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (task=%s, operation=%s)", e.Class, msg, e.Task, e.Operation)
	}
	if e.Task != "" {
		return fmt.Sprintf("[%s] %s (task=%s)", e.Class, msg, e.Task)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
// An empty Code on the target matches any code of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if e.Class != t.Class {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewConditionError creates a new condition evaluation error.
func NewConditionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCondition,
		Message: message,
		Err:     err,
	}
}

// NewActionError creates a new action error. kind is the retry classification
// matched against RetryPolicy.RetryOn; it may be empty.
func NewActionError(kind, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassAction,
		Message: message,
		Code:    kind,
		Err:     err,
	}
}

// NewLoopExhaustedError creates a new loop exhaustion error.
func NewLoopExhaustedError(task string, attempts int) *EngineError {
	return &EngineError{
		Class:   ErrorClassLoopExhausted,
		Message: fmt.Sprintf("until condition not satisfied after %d attempts", attempts),
		Task:    task,
		Details: map[string]interface{}{"attempts": attempts},
	}
}

// NewCancellationError creates a new cancellation error.
func NewCancellationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCancellation,
		Message: message,
		Err:     err,
	}
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(task string) *EngineError {
	e.Task = task
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfigurationError returns true if the error is classified as a configuration error.
func IsConfigurationError(err error) bool {
	return classOf(err) == ErrorClassConfiguration
}

// IsConditionError returns true if the error is classified as a condition error.
func IsConditionError(err error) bool {
	return classOf(err) == ErrorClassCondition
}

// IsActionError returns true if the error is classified as an action error.
// Plain errors returned by actions are not EngineErrors and report false.
func IsActionError(err error) bool {
	return classOf(err) == ErrorClassAction
}

// IsLoopExhausted returns true if the error is classified as loop exhaustion.
func IsLoopExhausted(err error) bool {
	return classOf(err) == ErrorClassLoopExhausted
}

// IsCancellation returns true if the error is classified as a cancellation.
func IsCancellation(err error) bool {
	return classOf(err) == ErrorClassCancellation
}

// Well-known error kinds for retry matching.
const (
	KindAction     = "ActionError"
	KindTimeout    = "TimeoutError"
	KindConnection = "ConnectionError"
	KindTemporary  = "TemporaryFailure"
)

// ErrorKind returns the retry classification of an action error.
//
// The first error in the chain implementing Kind() string wins, then the Code
// of an action-class EngineError. Deadline errors map to KindTimeout and
// everything else to KindAction.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		if k := kinded.Kind(); k != "" {
			return k
		}
	}
	var e *EngineError
	if errors.As(err, &e) && e.Class == ErrorClassAction && e.Code != "" {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindAction
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycle             = "DEPENDENCY_CYCLE"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeDuplicateTask     = "DUPLICATE_TASK"
	ErrCodeInvalidPolicy     = "INVALID_POLICY"
	ErrCodeUnknownAction     = "UNKNOWN_ACTION"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeRescueFailed      = "RESCUE_FAILED"
	ErrCodeStopped           = "STOPPED"
	ErrCodeAborted           = "ABORTED"
)
