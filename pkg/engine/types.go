package engine

import (
	"fmt"
	"time"
)

// TaskSpec is the immutable declaration of one workflow task.
type TaskSpec struct {
	// Name is the unique task key used as the graph node key and in depends_on.
	Name string `json:"name" yaml:"name"`

	// Action is the opaque reference resolved through the ActionResolver.
	Action string `json:"action" yaml:"action"`

	// Args are passed to the action after expression resolution.
	Args map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`

	// When is an optional guard; the task runs only if it evaluates true.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Unless is an optional guard; the task is skipped if it evaluates true.
	Unless string `json:"unless,omitempty" yaml:"unless,omitempty"`

	// Loop is either a []interface{} of items or a string expression producing one.
	// with_items is normalized into Loop by the loader.
	Loop interface{} `json:"loop,omitempty" yaml:"loop,omitempty"`

	// Until turns the task into a repeat-until loop.
	Until string `json:"until,omitempty" yaml:"until,omitempty"`

	// UntilMaxAttempts caps the until loop. Zero uses the scheduler default.
	UntilMaxAttempts int `json:"until_max_attempts,omitempty" yaml:"until_max_attempts,omitempty"`

	// MaxIterations caps loop expansion and, when UntilMaxAttempts is unset,
	// the until loop. Zero uses DefaultMaxIterations for loops.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// UntilDelay is waited between until attempts.
	UntilDelay time.Duration `json:"until_delay,omitempty" yaml:"until_delay,omitempty"`

	// Retry is the optional retry policy wrapping each action invocation.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Rescue runs in order when the task fails.
	Rescue []TaskSpec `json:"rescue,omitempty" yaml:"rescue,omitempty"`

	// Always makes the task eligible even if a dependency failed or was skipped.
	Always bool `json:"always,omitempty" yaml:"always,omitempty"`

	// IgnoreErrors lets dependents treat a failure of this task as satisfied.
	IgnoreErrors bool `json:"ignore_errors,omitempty" yaml:"ignore_errors,omitempty"`

	// DependsOn lists task names that must reach a terminal state first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// SetTo binds the action result in the shared context under this name.
	SetTo string `json:"set_to,omitempty" yaml:"set_to,omitempty"`
}

// HasLoop returns true if the task declares loop or with_items.
func (t *TaskSpec) HasLoop() bool {
	return t.Loop != nil
}

// HasUntil returns true if the task is a repeat-until loop.
func (t *TaskSpec) HasUntil() bool {
	return t.Until != ""
}

// RetryPolicy bounds how often and how fast an action is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first. Must be >= 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// BackoffFactor multiplies the delay after each attempt. Must be >= 1.
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor"`

	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// RetryOn lists retryable error kinds. Empty means every kind is retryable.
	RetryOn []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// DefaultRetryPolicy returns the policy applied to omitted retry fields.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      60 * time.Second,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0, got %s", p.InitialDelay)
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be >= 1, got %g", p.BackoffFactor)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max_delay must be >= 0, got %s", p.MaxDelay)
	}
	return nil
}

// Retryable reports whether an error of the given kind may be retried.
func (p RetryPolicy) Retryable(kind string) bool {
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// NodeID addresses a node in the graph arena. IDs are stable for the life of a run.
type NodeID int

// TaskNode is one schedulable unit: a task, a loop iteration, an until attempt,
// or a recorded rescue step.
type TaskNode struct {
	// ID is the stable arena index.
	ID NodeID `json:"id"`

	// Name is the display name, e.g. "backup", "backup[2]" or "poll#3".
	Name string `json:"name"`

	// Task is the name of the declaring TaskSpec.
	Task string `json:"task"`

	// Kind records how the node was produced.
	Kind NodeKind `json:"kind"`

	// Spec is the declaring TaskSpec. Shared and read-only.
	Spec *TaskSpec `json:"-"`

	// Order is the declaration index of the task, used for deterministic ordering.
	Order int `json:"order"`

	// Seq orders nodes within one task: loop index, until attempt or rescue step.
	Seq int `json:"seq"`

	// LoopIndex is the 0-based iteration position, or -1 outside a loop.
	LoopIndex int `json:"loop_index"`

	// Item is the loop element for iteration nodes.
	Item interface{} `json:"item,omitempty"`

	// RescueOf points to the failed node a rescue step ran for, or -1.
	RescueOf NodeID `json:"rescue_of"`

	// State is the current lifecycle state.
	State NodeState `json:"state"`

	// AttemptCount is the number of action invocations, including retries.
	AttemptCount int `json:"attempt_count"`

	// Result is the action result on success.
	Result interface{} `json:"result,omitempty"`

	// Err is the innermost error after retries and rescue.
	Err error `json:"-"`

	// Reason explains a skip or an abort.
	Reason string `json:"reason,omitempty"`

	// Dependencies and Dependents are id sets; dependents are non-owning back-references.
	Dependencies map[NodeID]struct{} `json:"-"`
	Dependents   map[NodeID]struct{} `json:"-"`

	// DependenciesRemaining counts dependencies not yet terminal.
	DependenciesRemaining int `json:"dependencies_remaining"`

	// Blocked is set when a dependency ended in a state that does not satisfy this node.
	Blocked bool `json:"blocked"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Satisfies reports whether a terminal node lets its dependents proceed.
func (n *TaskNode) Satisfies() bool {
	switch n.State {
	case NodeStateSucceeded, NodeStateRescued:
		return true
	case NodeStateFailed:
		return n.Spec != nil && n.Spec.IgnoreErrors && !IsConditionError(n.Err)
	}
	return false
}

// Event is a state-transition or progress notification for an external monitor.
type Event struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	RunID     string    `json:"run_id"`
	Type      EventType `json:"type"`
	NodeID    NodeID    `json:"node_id"`
	Node      string    `json:"node,omitempty"`
	Task      string    `json:"task,omitempty"`
	From      NodeState `json:"from,omitempty"`
	To        NodeState `json:"to,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeReport is the final view of one node.
type NodeReport struct {
	ID          NodeID      `json:"id"`
	Name        string      `json:"name"`
	Task        string      `json:"task"`
	Kind        NodeKind    `json:"kind"`
	State       NodeState   `json:"state"`
	Attempts    int         `json:"attempts"`
	LoopIndex   int         `json:"loop_index"`
	Item        interface{} `json:"item,omitempty"`
	RescueOf    NodeID      `json:"rescue_of"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorClass  ErrorClass  `json:"error_class,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Err         error       `json:"-"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// TaskReport aggregates the nodes produced by one declared task.
type TaskReport struct {
	Name  string    `json:"name"`
	State NodeState `json:"state"`
	Nodes []NodeID  `json:"nodes"`
}

// Stats holds aggregate counters. Rescue steps are not counted. Executed
// counts nodes whose action was invoked, so a node failing on its guard is
// failed but not executed.
type Stats struct {
	TotalTasks     int `json:"total_tasks"`
	Executed       int `json:"executed"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
	Rescued        int `json:"rescued"`
	Retried        int `json:"retried"`
	LoopIterations int `json:"loop_iterations"`
}

// Report is the complete result of a run. It is built once, after every node
// is terminal.
type Report struct {
	RunID       string                 `json:"run_id"`
	Success     bool                   `json:"success"`
	Status      RunStatus              `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Err         error                  `json:"-"`
	Nodes       []NodeReport           `json:"nodes"`
	Tasks       []TaskReport           `json:"tasks"`
	Stats       Stats                  `json:"stats"`
	Vars        map[string]interface{} `json:"vars,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
}

// Node returns the report for the first node with the given name.
func (r *Report) Node(name string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeReport{}, false
}

// Task returns the aggregated report for a declared task.
func (r *Report) Task(name string) (TaskReport, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskReport{}, false
}
