package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates the run is accepted but not yet dispatching.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node ended in a non-fatal state.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one node failed without ignore_errors,
	// or the run was aborted by a fatal error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was stopped by an external request.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler for RunStatus.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for RunStatus.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// NodeState represents the lifecycle state of a single graph node.
type NodeState string

const (
	// NodeStatePending indicates the node is waiting on dependencies.
	NodeStatePending NodeState = "pending"

	// NodeStateReady indicates every dependency is terminal and the node may be dispatched.
	NodeStateReady NodeState = "ready"

	// NodeStateRunning indicates the node has been dispatched to a worker.
	NodeStateRunning NodeState = "running"

	// NodeStateSucceeded indicates the action completed successfully.
	NodeStateSucceeded NodeState = "succeeded"

	// NodeStateFailed indicates the action failed after retries and rescue.
	NodeStateFailed NodeState = "failed"

	// NodeStateRescued indicates the action failed but its rescue block succeeded.
	NodeStateRescued NodeState = "rescued"

	// NodeStateSkipped indicates the node never ran: a guard evaluated false,
	// a dependency blocked it, or the run was stopped.
	NodeStateSkipped NodeState = "skipped"
)

// IsTerminal returns true if the node state is final.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateSucceeded, NodeStateFailed, NodeStateRescued, NodeStateSkipped:
		return true
	}
	return false
}

// Validate checks if the node state is valid.
func (s NodeState) Validate() error {
	switch s {
	case NodeStatePending, NodeStateReady, NodeStateRunning, NodeStateSucceeded,
		NodeStateFailed, NodeStateRescued, NodeStateSkipped:
		return nil
	default:
		return fmt.Errorf("invalid node state: %s", s)
	}
}

// nodeTransitions lists the allowed moves of the per-node state machine.
// Skipped is reachable from Pending and Ready only; Rescued only from Running,
// since the rescue block executes inside the same dispatch.
var nodeTransitions = map[NodeState][]NodeState{
	NodeStatePending: {NodeStateReady, NodeStateSkipped},
	NodeStateReady:   {NodeStateRunning, NodeStateSkipped},
	NodeStateRunning: {NodeStateSucceeded, NodeStateFailed, NodeStateRescued},
}

// CanTransition reports whether a node may move from one state to another.
func CanTransition(from, to NodeState) bool {
	for _, allowed := range nodeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// NodeKind distinguishes how a node was produced.
type NodeKind string

const (
	// NodeKindTask is a node for a task without loop directives.
	NodeKindTask NodeKind = "task"

	// NodeKindIteration is one element of a loop/with_items expansion.
	NodeKindIteration NodeKind = "iteration"

	// NodeKindAttempt is one attempt of an until loop.
	NodeKindAttempt NodeKind = "attempt"

	// NodeKindRescue records a rescue task executed on behalf of a failed node.
	NodeKindRescue NodeKind = "rescue"
)

// EventType represents the type of event emitted during a run.
type EventType string

const (
	// EventRunStarted is emitted once dispatch begins.
	EventRunStarted EventType = "run_started"

	// EventRunCompleted is emitted after the report is finalized.
	EventRunCompleted EventType = "run_completed"

	// EventNodeTransition is emitted for every node state change.
	EventNodeTransition EventType = "node_transition"

	// EventNodeRetry is emitted before a retry attempt sleeps.
	EventNodeRetry EventType = "node_retry"

	// EventNodeExpanded is emitted when an until loop appends an attempt node.
	EventNodeExpanded EventType = "node_expanded"
)

// ExecutionMode selects the dispatch strategy.
type ExecutionMode string

const (
	// ModeSequential drains the ready set one node at a time in declaration order.
	ModeSequential ExecutionMode = "sequential"

	// ModeParallel dispatches ready nodes to a bounded worker pool.
	ModeParallel ExecutionMode = "parallel"
)

// Validate checks if the execution mode is valid.
func (m ExecutionMode) Validate() error {
	switch m {
	case ModeSequential, ModeParallel:
		return nil
	default:
		return fmt.Errorf("invalid execution mode: %s", m)
	}
}
