package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is one archived workflow run.
type RunRecord struct {
	ID          string           `json:"id"`
	Workflow    string           `json:"workflow"`
	Status      engine.RunStatus `json:"status"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
	Stats       engine.Stats     `json:"stats"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration"`
}

// NodeRecord is the final state of one node of a run. Item and Result hold
// JSON documents.
type NodeRecord struct {
	RunID       string            `json:"run_id"`
	NodeID      engine.NodeID     `json:"node_id"`
	Name        string            `json:"name"`
	Task        string            `json:"task"`
	Kind        engine.NodeKind   `json:"kind"`
	State       engine.NodeState  `json:"state"`
	Attempts    int               `json:"attempts"`
	LoopIndex   int               `json:"loop_index"`
	RescueOf    engine.NodeID     `json:"rescue_of,omitempty"`
	Item        string            `json:"item"`
	Result      string            `json:"result"`
	Error       string            `json:"error,omitempty"`
	ErrorClass  engine.ErrorClass `json:"error_class,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventRecord is an archived engine event.
type EventRecord struct {
	RunID     string           `json:"run_id"`
	Seq       int64            `json:"seq"`
	ID        string           `json:"id"`
	Type      engine.EventType `json:"type"`
	NodeID    engine.NodeID    `json:"node_id"`
	Node      string           `json:"node,omitempty"`
	Task      string           `json:"task,omitempty"`
	From      engine.NodeState `json:"from,omitempty"`
	To        engine.NodeState `json:"to,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Message   string           `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// RunFilter narrows ListRuns. Zero values match everything; Limit 0 means
// DefaultListLimit.
type RunFilter struct {
	Workflow string
	Status   engine.RunStatus
	Limit    int
	Offset   int
}

// DefaultListLimit bounds ListRuns when the filter gives no limit.
const DefaultListLimit = 50

// Store is the run history persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Runs
	StartRun(ctx context.Context, run *RunRecord) error
	SaveReport(ctx context.Context, workflow string, report *engine.Report) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Nodes and events
	ListNodes(ctx context.Context, runID string) ([]*NodeRecord, error)
	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, runID string) ([]*EventRecord, error)

	HealthCheck(ctx context.Context) error
}

// EventRecordFrom converts an engine event.
func EventRecordFrom(e engine.Event) *EventRecord {
	return &EventRecord{
		RunID:     e.RunID,
		Seq:       e.Seq,
		ID:        e.ID,
		Type:      e.Type,
		NodeID:    e.NodeID,
		Node:      e.Node,
		Task:      e.Task,
		From:      e.From,
		To:        e.To,
		Attempt:   e.Attempt,
		Message:   e.Message,
		Error:     e.Error,
		Timestamp: e.Timestamp,
	}
}
