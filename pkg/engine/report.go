package engine

import (
	"errors"
	"time"
)

// report builds the final report. It runs after every node is terminal.
func (c *coordinator) report(started time.Time) *Report {
	completed := time.Now()
	r := &Report{
		RunID:       c.run.id,
		Nodes:       make([]NodeReport, 0, c.graph.Len()),
		Vars:        c.vars.Snapshot(),
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Err:         c.fatal,
	}

	hardFailure := false
	for _, n := range c.graph.Nodes() {
		r.Nodes = append(r.Nodes, nodeReport(n))
		if n.Kind == NodeKindRescue {
			continue
		}

		r.Stats.TotalTasks++
		switch n.State {
		case NodeStateSucceeded:
			r.Stats.Executed++
		case NodeStateRescued:
			r.Stats.Executed++
			r.Stats.Rescued++
		case NodeStateFailed:
			// A guard that fails to evaluate never reaches the action.
			if n.AttemptCount > 0 {
				r.Stats.Executed++
			}
			r.Stats.Failed++
			if !n.Satisfies() {
				hardFailure = true
			}
		case NodeStateSkipped:
			r.Stats.Skipped++
		}
		if n.AttemptCount > 1 {
			r.Stats.Retried++
		}
		if (n.Kind == NodeKindIteration || n.Kind == NodeKindAttempt) && n.State != NodeStateSkipped {
			r.Stats.LoopIterations++
		}
	}

	for _, spec := range c.graph.Specs() {
		r.Tasks = append(r.Tasks, c.taskReport(spec))
	}

	switch {
	case c.fatal != nil:
		r.Status = RunStatusFailed
	case c.cancelled:
		r.Status = RunStatusCancelled
		r.Err = NewCancellationError("run stopped before completion", nil).WithCode(ErrCodeStopped)
	case hardFailure:
		r.Status = RunStatusFailed
	default:
		r.Status = RunStatusSucceeded
	}
	r.Success = r.Status == RunStatusSucceeded
	if r.Err != nil {
		r.Error = r.Err.Error()
	}
	return r
}

// taskReport folds the nodes of one declared task into a single state. until
// tasks take the state of their last attempt; loops report the worst outcome.
func (c *coordinator) taskReport(spec *TaskSpec) TaskReport {
	ids := c.graph.TaskNodes(spec.Name)
	tr := TaskReport{Name: spec.Name, Nodes: append([]NodeID(nil), ids...)}
	if len(ids) == 0 {
		tr.State = NodeStateSkipped
		return tr
	}
	if spec.HasUntil() {
		tr.State = c.graph.Node(ids[len(ids)-1]).State
		return tr
	}

	var failed, rescued, succeeded bool
	for _, id := range ids {
		switch c.graph.Node(id).State {
		case NodeStateFailed:
			failed = true
		case NodeStateRescued:
			rescued = true
		case NodeStateSucceeded:
			succeeded = true
		}
	}
	switch {
	case failed:
		tr.State = NodeStateFailed
	case rescued:
		tr.State = NodeStateRescued
	case succeeded:
		tr.State = NodeStateSucceeded
	default:
		tr.State = NodeStateSkipped
	}
	return tr
}

func nodeReport(n *TaskNode) NodeReport {
	nr := NodeReport{
		ID:          n.ID,
		Name:        n.Name,
		Task:        n.Task,
		Kind:        n.Kind,
		State:       n.State,
		Attempts:    n.AttemptCount,
		LoopIndex:   n.LoopIndex,
		Item:        n.Item,
		RescueOf:    n.RescueOf,
		Result:      n.Result,
		Err:         n.Err,
		Reason:      n.Reason,
		StartedAt:   n.StartedAt,
		CompletedAt: n.CompletedAt,
	}
	if n.Err != nil {
		nr.Error = n.Err.Error()
		var e *EngineError
		if errors.As(n.Err, &e) {
			nr.ErrorClass = e.Class
		} else {
			nr.ErrorClass = ErrorClassAction
		}
	}
	return nr
}
