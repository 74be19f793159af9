package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers is the worker pool size used in parallel mode when none is configured.
const DefaultMaxWorkers = 10

// Metrics receives run and node measurements.
type Metrics interface {
	RecordRun(status string, duration time.Duration)
	RecordNode(task, state string, duration time.Duration)
	RecordRetry(task string)
	RecordLoopIteration(task string)
}

// Options configures a Scheduler.
type Options struct {
	// Mode selects sequential or parallel dispatch. Defaults to sequential.
	Mode ExecutionMode

	// MaxWorkers bounds the parallel worker pool. Defaults to DefaultMaxWorkers.
	MaxWorkers int

	// UntilMaxAttempts is the cap for until loops without their own limit.
	UntilMaxAttempts int

	// Strict aborts the whole run on a ConditionError or LoopExhaustedError
	// instead of failing only the owning node.
	Strict bool

	// Sinks receive every event of every run.
	Sinks []EventSink

	// Recorder archives each finished report.
	Recorder Recorder

	// Admission vets workflows before planning.
	Admission Admission

	// Metrics receives measurements. Optional.
	Metrics Metrics

	// Tracer creates run and node spans. Defaults to a no-op tracer.
	Tracer trace.Tracer
}

// Scheduler is the execution engine. It plans submitted workflows and drives
// each run with a single coordinator goroutine that owns all node state, the
// graph and the shared context. Workers execute nodes and report back over a
// channel; they never touch the graph.
type Scheduler struct {
	actions    ActionResolver
	evaluator  ExpressionEvaluator
	conditions *ConditionEvaluator
	loops      *LoopController
	retry      *RetryController
	planner    *Planner
	opts       Options
	tracer     trace.Tracer
}

// NewScheduler creates a new execution engine.
func NewScheduler(actions ActionResolver, evaluator ExpressionEvaluator, opts Options) *Scheduler {
	if opts.Mode == "" {
		opts.Mode = ModeSequential
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.UntilMaxAttempts <= 0 {
		opts.UntilMaxAttempts = DefaultUntilMaxAttempts
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("flowctl/engine")
	}

	return &Scheduler{
		actions:    actions,
		evaluator:  evaluator,
		conditions: NewConditionEvaluator(evaluator),
		loops:      NewLoopController(evaluator, opts.UntilMaxAttempts),
		retry:      NewRetryController(),
		planner:    NewPlanner(evaluator, opts.UntilMaxAttempts),
		opts:       opts,
		tracer:     tracer,
	}
}

// Plan validates specs and builds the node graph without running anything.
func (s *Scheduler) Plan(ctx context.Context, specs []TaskSpec, vars map[string]interface{}) (*Graph, error) {
	specs = append([]TaskSpec(nil), specs...)
	if err := s.opts.Mode.Validate(); err != nil {
		return nil, NewConfigurationError("invalid scheduler options", err).WithCode(ErrCodeValidation)
	}
	if s.opts.Admission != nil {
		if err := s.opts.Admission.Admit(ctx, specs); err != nil {
			if IsConfigurationError(err) {
				return nil, err
			}
			return nil, NewConfigurationError("workflow rejected by admission policy", err).
				WithCode(ErrCodePolicyViolation)
		}
	}
	if err := s.checkActions(specs); err != nil {
		return nil, err
	}
	return s.planner.Plan(ctx, specs, vars)
}

// Submit plans a workflow and starts executing it in the background.
// Configuration errors are returned before anything is dispatched.
func (s *Scheduler) Submit(ctx context.Context, specs []TaskSpec, vars map[string]interface{}) (*Run, error) {
	graph, err := s.Plan(ctx, specs, vars)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Workflow rejected")
		return nil, err
	}

	run := &Run{
		id:     uuid.New().String(),
		graph:  graph,
		vars:   NewExecutionContext(vars),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.execute(ctx, run)
	return run, nil
}

// Execute submits a workflow and waits for its report.
func (s *Scheduler) Execute(ctx context.Context, specs []TaskSpec, vars map[string]interface{}) (*Report, error) {
	run, err := s.Submit(ctx, specs, vars)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

func (s *Scheduler) checkActions(specs []TaskSpec) error {
	if s.actions == nil {
		return NewConfigurationError("no action resolver configured", nil).WithCode(ErrCodeValidation)
	}
	for i := range specs {
		if err := s.checkAction(&specs[i], specs[i].Name); err != nil {
			return err
		}
		for j := range specs[i].Rescue {
			label := fmt.Sprintf("%s.rescue[%d]", specs[i].Name, j)
			if err := s.checkAction(&specs[i].Rescue[j], label); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) checkAction(spec *TaskSpec, label string) error {
	if spec.Action == "" {
		return nil
	}
	if _, ok := s.actions.Resolve(spec.Action); !ok {
		return NewConfigurationError(fmt.Sprintf("unknown action: %s", spec.Action), nil).
			WithCode(ErrCodeUnknownAction).WithTask(label)
	}
	return nil
}

// Run is the handle of a submitted workflow.
type Run struct {
	id       string
	graph    *Graph
	vars     *ExecutionContext
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	report   *Report
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.id
}

// Stop requests cooperative cancellation. Nodes already running finish; every
// other non-terminal node is skipped with a CancellationError.
func (r *Run) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Done is closed when the report is complete.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its report.
func (r *Run) Wait() *Report {
	<-r.done
	return r.report
}

// Vars returns a snapshot of the shared context.
func (r *Run) Vars() map[string]interface{} {
	return r.vars.Snapshot()
}

// Graph returns the node graph. It must only be inspected after Done is closed.
func (r *Run) Graph() *Graph {
	return r.graph
}

// job is a node handed to a worker together with its scope snapshot.
type job struct {
	node  NodeID
	name  string
	task  string
	seq   int
	spec  *TaskSpec
	scope map[string]interface{}
}

// completion is what a worker reports after a node reaches a terminal state.
type completion struct {
	node       NodeID
	result     interface{}
	err        error
	attempts   int
	again      bool
	rescued    bool
	rescues    []rescueStep
	promotions []promotionOp
}

type rescueStep struct {
	name      string
	spec      *TaskSpec
	state     NodeState
	attempts  int
	result    interface{}
	err       error
	started   time.Time
	completed time.Time
}

type promotionOp struct {
	name  string
	value interface{}
}

type retryNotice struct {
	node    NodeID
	attempt int
	err     error
	delay   time.Duration
}

// update carries either a retry notice or a completion from a worker.
type update struct {
	retry *retryNotice
	done  *completion
}

// coordinator owns one run. All of its fields are touched only by the
// goroutine running loop.
type coordinator struct {
	s       *Scheduler
	run     *Run
	graph   *Graph
	vars    *ExecutionContext
	ctx     context.Context
	log     zerolog.Logger
	workers int

	queue     []NodeID
	running   int
	seq       int64
	halted    bool
	cancelled bool
	fatal     error

	jobs    chan *job
	updates chan update

	parent   context.Context
	cancelCh <-chan struct{}
	stopCh   <-chan struct{}
}

// poll halts the run if a cancellation or stop request is already pending,
// so nothing is dispatched after either was observable.
func (c *coordinator) poll() {
	select {
	case <-c.cancelCh:
		c.cancel()
	default:
	}
	select {
	case <-c.stopCh:
		c.stopped()
	default:
	}
}

func (c *coordinator) cancel() {
	c.cancelCh = nil
	c.halt(NewCancellationError("run cancelled", context.Cause(c.parent)).WithCode(ErrCodeStopped), nil)
}

func (c *coordinator) stopped() {
	c.stopCh = nil
	c.halt(NewCancellationError("run stopped", nil).WithCode(ErrCodeStopped), nil)
}

func (s *Scheduler) execute(parent context.Context, run *Run) {
	started := time.Now()
	log := zerolog.Ctx(parent).With().Str("run_id", run.id).Logger()

	ctx := log.WithContext(context.WithoutCancel(parent))
	ctx, span := s.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("flowctl.run_id", run.id),
		attribute.String("flowctl.mode", string(s.opts.Mode)),
		attribute.Int("flowctl.nodes", run.graph.Len()),
	))
	defer span.End()

	workers := 1
	if s.opts.Mode == ModeParallel {
		workers = s.opts.MaxWorkers
	}

	c := &coordinator{
		s:       s,
		run:     run,
		graph:   run.graph,
		vars:    run.vars,
		ctx:     ctx,
		log:     log,
		workers: workers,
		jobs:    make(chan *job),
		updates: make(chan update, workers*2),
	}

	log.Info().
		Str("mode", string(s.opts.Mode)).
		Int("workers", workers).
		Int("nodes", run.graph.Len()).
		Msg("Run started")
	c.emit(Event{Type: EventRunStarted, NodeID: -1, Message: "run started"})

	var pool errgroup.Group
	for i := 0; i < workers; i++ {
		pool.Go(func() error {
			for j := range c.jobs {
				c.updates <- update{done: s.work(ctx, j, c.updates)}
			}
			return nil
		})
	}

	c.loop(parent, run.stopCh)
	close(c.jobs)
	_ = pool.Wait()

	report := c.report(started)
	run.report = report

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordReport(ctx, report); err != nil {
			log.Error().Err(err).Msg("Failed to record run report")
		}
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRun(string(report.Status), report.Duration)
	}

	span.SetAttributes(
		attribute.Bool("flowctl.success", report.Success),
		attribute.Int("flowctl.executed", report.Stats.Executed),
		attribute.Int("flowctl.failed", report.Stats.Failed),
	)
	if report.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		if report.Err != nil {
			span.RecordError(report.Err)
		}
		span.SetStatus(codes.Error, string(report.Status))
	}

	c.emit(Event{Type: EventRunCompleted, NodeID: -1, Message: string(report.Status), Error: report.Error})

	ev := log.Info()
	if !report.Success {
		ev = log.Warn()
	}
	ev.Str("status", string(report.Status)).
		Int("executed", report.Stats.Executed).
		Int("skipped", report.Stats.Skipped).
		Int("failed", report.Stats.Failed).
		Dur("duration", report.Duration).
		Msg("Run completed")

	close(run.done)
}

// loop dispatches ready nodes and applies worker updates until the graph is
// drained or the run is halted and every running node has reported.
func (c *coordinator) loop(parent context.Context, stop <-chan struct{}) {
	c.parent = parent
	c.cancelCh = parent.Done()
	c.stopCh = stop
	for {
		c.poll()
		if !c.halted {
			c.dispatch()
		}
		if c.running == 0 && (c.halted || len(c.queue) == 0) {
			break
		}

		select {
		case u := <-c.updates:
			c.handle(u)
		case <-c.cancelCh:
			c.cancel()
		case <-c.stopCh:
			c.stopped()
		}
	}

	// Anything still waiting was cut off by a halt.
	for _, n := range c.graph.Nodes() {
		if n.State == NodeStatePending || n.State == NodeStateReady {
			c.skip(n, NewCancellationError("run ended before dispatch", c.fatal).WithCode(ErrCodeAborted), "not dispatched")
		}
	}
}

// settle promotes newly eligible nodes to Ready and skips blocked ones until
// no more blocked nodes appear.
func (c *coordinator) settle() {
	for {
		ready, blocked := c.graph.ReadySet()
		for _, id := range ready {
			n := c.graph.Node(id)
			c.emitTransition(n, NodeStatePending, "dependencies satisfied")
			c.queue = append(c.queue, id)
		}
		for _, id := range blocked {
			c.skip(c.graph.Node(id), nil, "dependency did not succeed")
		}
		if len(blocked) == 0 {
			break
		}
	}
	c.graph.sortIDs(c.queue)
}

// dispatch evaluates guards and hands nodes to idle workers in queue order.
func (c *coordinator) dispatch() {
	for !c.halted && c.running < c.workers {
		c.settle()
		if c.poll(); c.halted {
			return
		}
		if len(c.queue) == 0 {
			return
		}
		id := c.queue[0]
		c.queue = c.queue[1:]
		n := c.graph.Node(id)

		scope := c.vars.Scope(nodeLocals(n))
		ok, err := true, error(nil)
		// The guard decides whether an until loop starts, not each attempt.
		if n.Kind != NodeKindAttempt || n.Seq == 1 {
			ok, err = c.s.conditions.ShouldRun(c.ctx, n.Spec.When, n.Spec.Unless, scope)
		}
		if err != nil {
			var e *EngineError
			if errors.As(err, &e) {
				e.WithTask(n.Name)
			}
			c.start(n)
			c.finish(n, &completion{node: id, err: err})
			continue
		}
		if !ok {
			c.skip(n, nil, "condition not met")
			continue
		}

		c.start(n)
		c.running++
		c.jobs <- &job{
			node:  id,
			name:  n.Name,
			task:  n.Task,
			seq:   n.Seq,
			spec:  n.Spec,
			scope: scope,
		}
	}
}

func (c *coordinator) start(n *TaskNode) {
	from, err := c.graph.Transition(n.ID, NodeStateRunning)
	if err != nil {
		c.log.Error().Err(err).Str("node", n.Name).Msg("Invalid node transition")
		return
	}
	n.StartedAt = time.Now()
	c.emitTransition(n, from, "dispatched")
}

func (c *coordinator) handle(u update) {
	if u.retry != nil {
		n := c.graph.Node(u.retry.node)
		c.log.Warn().
			Err(u.retry.err).
			Str("node", n.Name).
			Int("attempt", u.retry.attempt).
			Dur("delay", u.retry.delay).
			Msg("Retrying node")
		c.emit(Event{
			Type:    EventNodeRetry,
			NodeID:  n.ID,
			Node:    n.Name,
			Task:    n.Task,
			Attempt: u.retry.attempt,
			Message: fmt.Sprintf("retrying in %s", u.retry.delay),
			Error:   errString(u.retry.err),
		})
		if c.s.opts.Metrics != nil {
			c.s.opts.Metrics.RecordRetry(n.Task)
		}
		return
	}
	if u.done != nil {
		c.running--
		c.finish(c.graph.Node(u.done.node), u.done)
	}
}

// finish applies a completion: records rescue steps, moves the node to its
// terminal state, promotes results, extends until loops and releases dependents.
func (c *coordinator) finish(n *TaskNode, res *completion) {
	n.AttemptCount = res.attempts
	n.CompletedAt = time.Now()
	for i := range res.rescues {
		c.recordRescue(n, i, &res.rescues[i])
	}

	state := NodeStateSucceeded
	switch {
	case res.err == nil:
		n.Result = res.result
	case res.rescued:
		state = NodeStateRescued
		n.Err = res.err
	default:
		state = NodeStateFailed
		n.Err = res.err
	}

	from, err := c.graph.Transition(n.ID, state)
	if err != nil {
		c.log.Error().Err(err).Str("node", n.Name).Msg("Invalid node transition")
		return
	}
	c.emitTransition(n, from, "")

	if state == NodeStateSucceeded && n.Spec.SetTo != "" {
		c.vars.Promote(n.Spec.SetTo, n.Task, n.Seq, res.result)
	}
	for _, p := range res.promotions {
		c.vars.Promote(p.name, n.Task, n.Seq, p.value)
	}

	if m := c.s.opts.Metrics; m != nil {
		m.RecordNode(n.Task, string(state), n.CompletedAt.Sub(n.StartedAt))
		if n.Kind == NodeKindIteration || n.Kind == NodeKindAttempt {
			m.RecordLoopIteration(n.Task)
		}
	}

	if state == NodeStateFailed {
		c.log.Error().Err(n.Err).Str("node", n.Name).Int("attempts", n.AttemptCount).Msg("Node failed")
	}

	if res.again && !c.halted {
		next := c.graph.Succeed(n.ID, &TaskNode{
			Name:      fmt.Sprintf("%s#%d", n.Task, n.Seq+1),
			Task:      n.Task,
			Kind:      NodeKindAttempt,
			Spec:      n.Spec,
			Order:     n.Order,
			Seq:       n.Seq + 1,
			LoopIndex: -1,
			RescueOf:  -1,
		})
		c.emit(Event{
			Type:    EventNodeExpanded,
			NodeID:  next,
			Node:    c.graph.Node(next).Name,
			Task:    n.Task,
			Attempt: n.Seq + 1,
			Message: "until condition not met",
		})
	} else {
		c.graph.Release(n.ID)
	}

	if c.s.opts.Strict && (IsConditionError(res.err) || IsLoopExhausted(res.err)) {
		c.halt(res.err, res.err)
	}
}

func (c *coordinator) recordRescue(parent *TaskNode, index int, step *rescueStep) {
	id := c.graph.AddNode(&TaskNode{
		Name:         step.name,
		Task:         parent.Task,
		Kind:         NodeKindRescue,
		Spec:         step.spec,
		Order:        parent.Order,
		Seq:          index,
		LoopIndex:    parent.LoopIndex,
		Item:         parent.Item,
		RescueOf:     parent.ID,
		State:        step.state,
		AttemptCount: step.attempts,
		Result:       step.result,
		Err:          step.err,
		StartedAt:    step.started,
		CompletedAt:  step.completed,
	})
	c.emit(Event{
		Type:    EventNodeTransition,
		NodeID:  id,
		Node:    step.name,
		Task:    parent.Task,
		To:      step.state,
		Attempt: step.attempts,
		Message: fmt.Sprintf("rescue step for %s", parent.Name),
		Error:   errString(step.err),
	})
}

func (c *coordinator) skip(n *TaskNode, err error, reason string) {
	from, terr := c.graph.Transition(n.ID, NodeStateSkipped)
	if terr != nil {
		c.log.Error().Err(terr).Str("node", n.Name).Msg("Invalid node transition")
		return
	}
	n.Err = err
	n.Reason = reason
	n.CompletedAt = time.Now()
	c.emitTransition(n, from, reason)
	c.graph.Release(n.ID)
	if c.s.opts.Metrics != nil {
		c.s.opts.Metrics.RecordNode(n.Task, string(NodeStateSkipped), 0)
	}
}

// halt stops further dispatch. A nil fatal means an external stop request.
func (c *coordinator) halt(cause error, fatal error) {
	if c.halted {
		return
	}
	c.halted = true
	c.fatal = fatal
	c.cancelled = fatal == nil

	skipErr := cause
	reason := "run stopped"
	if fatal != nil {
		skipErr = NewCancellationError("run aborted", fatal).WithCode(ErrCodeAborted)
		reason = "run aborted"
	}

	c.log.Warn().Err(cause).Int("running", c.running).Msg("Halting run")

	for _, id := range c.queue {
		c.skip(c.graph.Node(id), skipErr, reason)
	}
	c.queue = nil
	for _, n := range c.graph.Nodes() {
		if n.State == NodeStatePending {
			c.skip(n, skipErr, reason)
		}
	}
}

func (c *coordinator) emitTransition(n *TaskNode, from NodeState, msg string) {
	c.log.Debug().
		Str("node", n.Name).
		Str("from", string(from)).
		Str("to", string(n.State)).
		Msg("Node transition")
	c.emit(Event{
		Type:    EventNodeTransition,
		NodeID:  n.ID,
		Node:    n.Name,
		Task:    n.Task,
		From:    from,
		To:      n.State,
		Attempt: n.AttemptCount,
		Message: msg,
		Error:   errString(n.Err),
	})
}

func (c *coordinator) emit(event Event) {
	if len(c.s.opts.Sinks) == 0 {
		return
	}
	c.seq++
	event.ID = uuid.New().String()
	event.Seq = c.seq
	event.RunID = c.run.id
	event.Timestamp = time.Now()
	for _, sink := range c.s.opts.Sinks {
		sink.Publish(c.ctx, event)
	}
}

// nodeLocals returns the variables visible only to this node.
func nodeLocals(n *TaskNode) map[string]interface{} {
	switch n.Kind {
	case NodeKindIteration:
		return IterationScope(n.LoopIndex, n.Item)
	case NodeKindAttempt:
		return map[string]interface{}{"attempt": n.Seq}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
