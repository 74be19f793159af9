// Package engine provides the workflow scheduler: it plans declared tasks into
// a dependency graph and drives them to completion.
//
// # Overview
//
// A workflow is a list of TaskSpecs. Each task names an action, optional
// depends_on edges and a set of control-flow modifiers. Execution has two
// phases:
//
//  1. Plan - Validate tasks, expand loops and build the node graph (Planner, Resolver)
//  2. Run - Dispatch ready nodes, apply results and build the Report (Scheduler)
//
// Every problem found during planning is a configuration error and is returned
// before anything is dispatched.
//
// # Core Domain Types
//
//   - TaskSpec: Immutable task declaration (action, args, guards, loop, until, retry, rescue)
//   - TaskNode: One schedulable unit in the graph: a task, a loop iteration or an until attempt
//   - Graph: Arena of nodes addressed by NodeID with dependency and dependent id sets
//   - ExecutionContext: Shared variable scope written through set_to promotion
//   - Report: Final per-node and per-task states plus aggregate Stats
//
// # Control Flow
//
//   - when/unless: Guards evaluated right before dispatch; false skips the node
//   - loop: Expanded at plan time into name[i] nodes with item and loop_index in scope
//   - until: Repeats as name#k attempts until the expression holds or the cap is reached
//   - retry: Re-invokes the action with exponential backoff, filtered by retry_on kinds
//   - rescue: Runs inline after a failure; success marks the node Rescued
//   - ignore_errors: A failure still satisfies dependents
//   - always: Runs even when a dependency failed or was skipped
//
// # Concurrency Model
//
// One coordinator goroutine per run owns the graph, node states and the
// ExecutionContext. Workers receive a node together with a snapshot of its
// scope and report a completion back over a channel. Sequential mode uses a
// single worker and drains ready nodes in declaration order; parallel mode uses
// a bounded pool of MaxWorkers.
//
// # Error Classification
//
//   - Configuration: Defect in the workflow, reported by Plan
//   - Condition: A guard, until or argument expression failed to evaluate
//   - Action: The action returned an error; subject to retry, rescue and ignore_errors
//   - LoopExhausted: An until loop hit its attempt cap
//   - Cancellation: Node skipped because the run was stopped or aborted
//
// Condition and loop exhaustion errors fail only their node unless
// Options.Strict is set, in which case they abort the run.
//
// # Example Usage
//
//	registry := engine.NewRegistry()
//	registry.RegisterFunc("echo", echo)
//
//	scheduler := engine.NewScheduler(registry, evaluator, engine.Options{Mode: engine.ModeParallel})
//	run, err := scheduler.Submit(ctx, specs, vars)
//	if err != nil {
//	    // configuration error, nothing ran
//	}
//	report := run.Wait()
package engine
