package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/flowctl/pkg/expression"
)

// testActions is a registry of instrumented actions.
type testActions struct {
	*Registry

	mu       sync.Mutex
	executed []string
	calls    map[string]int

	running atomic.Int32
	peak    atomic.Int32
}

func newTestActions(t *testing.T) *testActions {
	t.Helper()
	a := &testActions{
		Registry: NewRegistry(),
		calls:    make(map[string]int),
	}

	must := func(err error) {
		if err != nil {
			t.Fatalf("register action: %v", err)
		}
	}

	// echo returns args["value"], or the node name.
	must(a.RegisterFunc("echo", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		a.record(name)
		if v, ok := args["value"]; ok {
			return v, nil
		}
		return name, nil
	}))

	must(a.RegisterFunc("fail", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		a.record(name)
		return nil, fmt.Errorf("task %s failed", name)
	}))

	// flaky fails args["failures"] times per node before succeeding.
	must(a.RegisterFunc("flaky", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		n := a.record(name)
		if n <= args["failures"].(int) {
			return nil, NewActionError(KindTemporary, "not yet", nil)
		}
		return n, nil
	}))

	must(a.RegisterFunc("sleep", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		a.record(name)
		cur := a.running.Add(1)
		defer a.running.Add(-1)
		for {
			p := a.peak.Load()
			if cur <= p || a.peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(args["duration"].(time.Duration))
		return name, nil
	}))

	must(a.RegisterFunc("panic", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		a.record(name)
		panic("boom")
	}))

	return a
}

// record notes an invocation and returns how often name has been called.
func (a *testActions) record(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executed = append(a.executed, name)
	a.calls[name]++
	return a.calls[name]
}

func (a *testActions) Executed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.executed...)
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *testActions) {
	t.Helper()
	actions := newTestActions(t)
	return NewScheduler(actions, expression.NewStarlarkEvaluator(expression.Options{}), opts), actions
}

func execute(t *testing.T, s *Scheduler, specs []TaskSpec, vars map[string]interface{}) *Report {
	t.Helper()
	report, err := s.Execute(context.Background(), specs, vars)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	return report
}

func nodeState(t *testing.T, r *Report, name string) NodeReport {
	t.Helper()
	n, ok := r.Node(name)
	if !ok {
		t.Fatalf("node %s not in report", name)
	}
	return n
}

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, BackoffFactor: 1}
}

func TestScheduler_SkippedDependencyBlocks(t *testing.T) {
	s, actions := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "gate", Action: "echo", When: "false"},
		{Name: "consumer", Action: "echo", DependsOn: []string{"gate"}},
		{Name: "cleanup", Action: "echo", DependsOn: []string{"gate"}, Always: true},
	}, nil)

	if got := nodeState(t, report, "gate").State; got != NodeStateSkipped {
		t.Fatalf("Expected gate skipped, got %s", got)
	}
	consumer := nodeState(t, report, "consumer")
	if consumer.State != NodeStateSkipped || consumer.Reason != "dependency did not succeed" {
		t.Errorf("Expected consumer blocked by the skipped gate, got %s %q", consumer.State, consumer.Reason)
	}
	if got := nodeState(t, report, "cleanup").State; got != NodeStateSucceeded {
		t.Errorf("Expected always task to run, got %s", got)
	}
	if got := actions.Executed(); len(got) != 1 || got[0] != "cleanup" {
		t.Errorf("Expected only cleanup to run, got %v", got)
	}
}

func TestScheduler_FailurePropagation(t *testing.T) {
	s, actions := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "A", Action: "fail"},
		{Name: "B", Action: "echo", DependsOn: []string{"A"}},
		{Name: "C", Action: "echo", DependsOn: []string{"B"}},
	}, nil)

	if report.Success {
		t.Error("Expected run to fail")
	}
	if report.Status != RunStatusFailed {
		t.Errorf("Expected status failed, got %s", report.Status)
	}
	if got := nodeState(t, report, "A").State; got != NodeStateFailed {
		t.Errorf("Expected A failed, got %s", got)
	}
	for _, name := range []string{"B", "C"} {
		n := nodeState(t, report, name)
		if n.State != NodeStateSkipped {
			t.Errorf("Expected %s skipped, got %s", name, n.State)
		}
		if n.Reason != "dependency did not succeed" {
			t.Errorf("Expected dependency skip reason for %s, got %q", name, n.Reason)
		}
	}

	want := Stats{TotalTasks: 3, Executed: 1, Skipped: 2, Failed: 1}
	if report.Stats != want {
		t.Errorf("Expected stats %+v, got %+v", want, report.Stats)
	}
	if len(actions.Executed()) != 1 {
		t.Errorf("Expected only A to run, got %v", actions.Executed())
	}
}

func TestScheduler_ConditionSkipPropagates(t *testing.T) {
	s, actions := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "A", Action: "echo", When: "env == 'dev'"},
		{Name: "B", Action: "echo", DependsOn: []string{"A"}},
		{Name: "C", Action: "echo", Unless: "env == 'dev'"},
	}, map[string]interface{}{"env": "prod"})

	a := nodeState(t, report, "A")
	if a.State != NodeStateSkipped || a.Reason != "condition not met" {
		t.Errorf("Expected A skipped by condition, got %s (%q)", a.State, a.Reason)
	}
	if got := nodeState(t, report, "B").State; got != NodeStateSkipped {
		t.Errorf("Expected B skipped after A, got %s", got)
	}
	if got := nodeState(t, report, "C").State; got != NodeStateSucceeded {
		t.Errorf("Expected C to run, got %s", got)
	}
	if !report.Success {
		t.Errorf("Expected skips alone not to fail the run, got %s", report.Status)
	}
	if got := actions.Executed(); len(got) != 1 || got[0] != "C" {
		t.Errorf("Expected only C executed, got %v", got)
	}
}

func TestScheduler_Loop(t *testing.T) {
	for _, mode := range []ExecutionMode{ModeSequential, ModeParallel} {
		t.Run(string(mode), func(t *testing.T) {
			s, _ := newTestScheduler(t, Options{Mode: mode, MaxWorkers: 3})

			report := execute(t, s, []TaskSpec{
				{Name: "fetch", Action: "echo", Loop: []interface{}{"a", "b", "c"}, Args: map[string]interface{}{"value": "host-{{ item }}-{{ loop_index }}"}, SetTo: "last"},
				{Name: "after", Action: "echo", DependsOn: []string{"fetch"}, Args: map[string]interface{}{"value": "{{ last }}"}},
			}, nil)

			if !report.Success {
				t.Fatalf("Expected success, got %s: %s", report.Status, report.Error)
			}
			for i, item := range []string{"a", "b", "c"} {
				n := nodeState(t, report, fmt.Sprintf("fetch[%d]", i))
				if n.State != NodeStateSucceeded {
					t.Errorf("Expected fetch[%d] succeeded, got %s", i, n.State)
				}
				if n.LoopIndex != i || n.Item != item {
					t.Errorf("Expected fetch[%d] to carry item %s, got %d/%v", i, item, n.LoopIndex, n.Item)
				}
				if want := fmt.Sprintf("host-%s-%d", item, i); n.Result != want {
					t.Errorf("Expected result %s, got %v", want, n.Result)
				}
			}
			if got := nodeState(t, report, "after").Result; got != "host-c-2" {
				t.Errorf("Expected after to see the last iteration, got %v", got)
			}
			if report.Stats.LoopIterations != 3 {
				t.Errorf("Expected 3 loop iterations, got %d", report.Stats.LoopIterations)
			}
			if tr, _ := report.Task("fetch"); tr.State != NodeStateSucceeded || len(tr.Nodes) != 3 {
				t.Errorf("Expected fetch task succeeded with 3 nodes, got %+v", tr)
			}
		})
	}
}

func TestScheduler_EmptyLoop(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "each", Action: "echo", Loop: "items"},
		{Name: "after", Action: "echo", DependsOn: []string{"each"}},
	}, map[string]interface{}{"items": []interface{}{}})

	if got := nodeState(t, report, "after").State; got != NodeStateSucceeded {
		t.Errorf("Expected dependents of an empty loop to run, got %s", got)
	}
	if tr, _ := report.Task("each"); tr.State != NodeStateSkipped {
		t.Errorf("Expected empty loop task reported skipped, got %s", tr.State)
	}
}

func TestScheduler_Until(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "poll", Action: "echo", Args: map[string]interface{}{"value": "{{ attempt }}"}, Until: "result >= 2", SetTo: "polled"},
		{Name: "after", Action: "echo", DependsOn: []string{"poll"}, Args: map[string]interface{}{"value": "{{ polled }}"}},
	}, nil)

	if !report.Success {
		t.Fatalf("Expected success, got %s: %s", report.Status, report.Error)
	}
	if got := nodeState(t, report, "poll#1").State; got != NodeStateSucceeded {
		t.Errorf("Expected first attempt succeeded, got %s", got)
	}
	if got := nodeState(t, report, "poll#2").Result; got != int64(2) {
		t.Errorf("Expected second attempt result 2, got %v", got)
	}
	if _, ok := report.Node("poll#3"); ok {
		t.Error("Expected no third attempt")
	}
	if got := nodeState(t, report, "after").Result; got != int64(2) {
		t.Errorf("Expected dependent to run after the final attempt, got %v", got)
	}
	if report.Stats.LoopIterations != 2 {
		t.Errorf("Expected 2 loop iterations, got %d", report.Stats.LoopIterations)
	}
}

func TestScheduler_UntilExhausted(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "poll", Action: "echo", Until: "false", UntilMaxAttempts: 3},
		{Name: "after", Action: "echo", DependsOn: []string{"poll"}},
		{Name: "other", Action: "echo"},
	}, nil)

	last := nodeState(t, report, "poll#3")
	if last.State != NodeStateFailed || !IsLoopExhausted(last.Err) {
		t.Errorf("Expected poll#3 failed with loop exhaustion, got %s: %v", last.State, last.Err)
	}
	if tr, _ := report.Task("poll"); tr.State != NodeStateFailed {
		t.Errorf("Expected poll task failed, got %s", tr.State)
	}
	if got := nodeState(t, report, "after").State; got != NodeStateSkipped {
		t.Errorf("Expected after skipped, got %s", got)
	}
	if got := nodeState(t, report, "other").State; got != NodeStateSucceeded {
		t.Errorf("Expected independent task to keep running, got %s", got)
	}
	if report.Status != RunStatusFailed {
		t.Errorf("Expected failed run, got %s", report.Status)
	}
}

func TestScheduler_UntilGuardCheckedOnce(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	// The guard turns false once polled reaches 2; later attempts still run.
	report := execute(t, s, []TaskSpec{
		{Name: "poll", Action: "echo", Args: map[string]interface{}{"value": "{{ attempt }}"}, SetTo: "polled", When: "polled < 2", Until: "result >= 3"},
	}, map[string]interface{}{"polled": 0})

	if !report.Success {
		t.Fatalf("Expected success, got %s: %s", report.Status, report.Error)
	}
	last := nodeState(t, report, "poll#3")
	if last.State != NodeStateSucceeded || last.Result != int64(3) {
		t.Errorf("Expected third attempt to run to 3, got %s %v", last.State, last.Result)
	}
	if tr, _ := report.Task("poll"); tr.State != NodeStateSucceeded {
		t.Errorf("Expected poll task succeeded, got %s", tr.State)
	}

	report = execute(t, s, []TaskSpec{
		{Name: "poll", Action: "echo", When: "polled < 2", Until: "false"},
	}, map[string]interface{}{"polled": 5})

	if got := nodeState(t, report, "poll#1").State; got != NodeStateSkipped {
		t.Errorf("Expected a false guard to skip the first attempt, got %s", got)
	}
	if _, ok := report.Node("poll#2"); ok {
		t.Error("Expected no second attempt after a skipped first one")
	}
}

func TestScheduler_Retry(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	var retries []Event
	var mu sync.Mutex
	s.opts.Sinks = []EventSink{EventSinkFunc(func(ctx context.Context, e Event) {
		if e.Type == EventNodeRetry {
			mu.Lock()
			retries = append(retries, e)
			mu.Unlock()
		}
	})}

	report := execute(t, s, []TaskSpec{
		{Name: "flaky", Action: "flaky", Args: map[string]interface{}{"failures": 2}, Retry: fastRetry(3)},
		{Name: "limited", Action: "flaky", Args: map[string]interface{}{"failures": 5}, Retry: fastRetry(2)},
	}, nil)

	flaky := nodeState(t, report, "flaky")
	if flaky.State != NodeStateSucceeded || flaky.Attempts != 3 {
		t.Errorf("Expected flaky to succeed on attempt 3, got %s after %d", flaky.State, flaky.Attempts)
	}
	limited := nodeState(t, report, "limited")
	if limited.State != NodeStateFailed || limited.Attempts != 2 {
		t.Errorf("Expected limited to fail after 2 attempts, got %s after %d", limited.State, limited.Attempts)
	}
	if ErrorKind(limited.Err) != KindTemporary {
		t.Errorf("Expected last error kind %s, got %s", KindTemporary, ErrorKind(limited.Err))
	}
	if report.Stats.Retried != 2 {
		t.Errorf("Expected 2 retried nodes, got %d", report.Stats.Retried)
	}
	if len(retries) != 3 {
		t.Errorf("Expected 3 retry events, got %d", len(retries))
	}
}

func TestScheduler_RetryOnFiltersKinds(t *testing.T) {
	s, actions := newTestScheduler(t, Options{})

	policy := fastRetry(3)
	policy.RetryOn = []string{KindConnection}
	report := execute(t, s, []TaskSpec{
		{Name: "flaky", Action: "flaky", Args: map[string]interface{}{"failures": 1}, Retry: policy},
	}, nil)

	if got := nodeState(t, report, "flaky"); got.State != NodeStateFailed || got.Attempts != 1 {
		t.Errorf("Expected a non-retryable kind to fail immediately, got %s after %d", got.State, got.Attempts)
	}
	if len(actions.Executed()) != 1 {
		t.Errorf("Expected one invocation, got %d", len(actions.Executed()))
	}
}

func TestScheduler_Rescue(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{
			Name:   "deploy",
			Action: "fail",
			Rescue: []TaskSpec{
				{Name: "rollback", Action: "echo", Args: map[string]interface{}{"value": "{{ failed_task }}:{{ error_kind }}"}, SetTo: "rolled_back"},
				{Name: "notify", Action: "echo", When: "false"},
			},
		},
		{Name: "after", Action: "echo", DependsOn: []string{"deploy"}, Args: map[string]interface{}{"value": "{{ rolled_back }}"}},
	}, nil)

	deploy := nodeState(t, report, "deploy")
	if deploy.State != NodeStateRescued {
		t.Fatalf("Expected deploy rescued, got %s", deploy.State)
	}
	if deploy.Err == nil {
		t.Error("Expected rescued node to keep its original error")
	}

	step := nodeState(t, report, "deploy.rescue[0]")
	if step.Kind != NodeKindRescue || step.RescueOf != deploy.ID || step.State != NodeStateSucceeded {
		t.Errorf("Expected a succeeded rescue step linked to deploy, got %+v", step)
	}
	if got := nodeState(t, report, "deploy.rescue[1]").State; got != NodeStateSkipped {
		t.Errorf("Expected guarded rescue step skipped, got %s", got)
	}

	if got := nodeState(t, report, "after").Result; got != "deploy:ActionError" {
		t.Errorf("Expected rescue result to be promoted, got %v", got)
	}
	if !report.Success {
		t.Errorf("Expected rescued run to succeed, got %s", report.Status)
	}
	if report.Stats.Rescued != 1 || report.Stats.TotalTasks != 2 {
		t.Errorf("Expected 1 rescued of 2 tasks, got %+v", report.Stats)
	}
}

func TestScheduler_RescueFails(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{
			Name:   "deploy",
			Action: "fail",
			Rescue: []TaskSpec{
				{Name: "broken", Action: "fail"},
				{Name: "never", Action: "echo"},
			},
		},
	}, nil)

	if got := nodeState(t, report, "deploy").State; got != NodeStateFailed {
		t.Errorf("Expected deploy failed when its rescue fails, got %s", got)
	}
	if _, ok := report.Node("deploy.rescue[1]"); ok {
		t.Error("Expected rescue to stop at the first failing step")
	}
}

func TestScheduler_IgnoreErrorsAndAlways(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "optional", Action: "fail", IgnoreErrors: true},
		{Name: "next", Action: "echo", DependsOn: []string{"optional"}},
		{Name: "broken", Action: "fail"},
		{Name: "cleanup", Action: "echo", DependsOn: []string{"broken"}, Always: true},
	}, nil)

	if got := nodeState(t, report, "next").State; got != NodeStateSucceeded {
		t.Errorf("Expected next to run after an ignored failure, got %s", got)
	}
	if got := nodeState(t, report, "cleanup").State; got != NodeStateSucceeded {
		t.Errorf("Expected always task to run, got %s", got)
	}
	if report.Status != RunStatusFailed {
		t.Errorf("Expected run failed because broken is not ignored, got %s", report.Status)
	}
	if report.Stats.Failed != 2 {
		t.Errorf("Expected 2 failed nodes, got %d", report.Stats.Failed)
	}
}

func TestScheduler_IgnoredFailureOnlyStillSucceeds(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "optional", Action: "fail", IgnoreErrors: true},
	}, nil)
	if !report.Success {
		t.Errorf("Expected ignored failure to keep the run successful, got %s", report.Status)
	}
}

func TestScheduler_ConditionErrorIsLocal(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{
		{Name: "bad", Action: "echo", When: "undefined_name > 1", IgnoreErrors: true},
		{Name: "dependent", Action: "echo", DependsOn: []string{"bad"}},
		{Name: "independent", Action: "echo"},
	}, nil)

	bad := nodeState(t, report, "bad")
	if bad.State != NodeStateFailed || bad.ErrorClass != ErrorClassCondition {
		t.Errorf("Expected bad failed with a condition error, got %s (%s)", bad.State, bad.ErrorClass)
	}
	if got := nodeState(t, report, "dependent").State; got != NodeStateSkipped {
		t.Errorf("Expected condition errors to block dependents despite ignore_errors, got %s", got)
	}
	if got := nodeState(t, report, "independent").State; got != NodeStateSucceeded {
		t.Errorf("Expected independent task to run, got %s", got)
	}
	if report.Stats.Executed != 1 || report.Stats.Failed != 1 {
		t.Errorf("Expected executed=1 failed=1, got %+v", report.Stats)
	}
}

func TestScheduler_StrictAbortsOnConditionError(t *testing.T) {
	s, actions := newTestScheduler(t, Options{Strict: true})

	report := execute(t, s, []TaskSpec{
		{Name: "bad", Action: "echo", When: "undefined_name"},
		{Name: "later", Action: "echo"},
	}, nil)

	if report.Status != RunStatusFailed || !IsConditionError(report.Err) {
		t.Fatalf("Expected run failed with a condition error, got %s: %v", report.Status, report.Err)
	}
	later := nodeState(t, report, "later")
	if later.State != NodeStateSkipped || !IsCancellation(later.Err) {
		t.Errorf("Expected later skipped with a cancellation, got %s: %v", later.State, later.Err)
	}
	if !errors.Is(later.Err, &EngineError{Class: ErrorClassCancellation, Code: ErrCodeAborted}) {
		t.Errorf("Expected abort code on later, got %v", later.Err)
	}
	if len(actions.Executed()) != 0 {
		t.Errorf("Expected nothing executed, got %v", actions.Executed())
	}
}

func TestScheduler_SetToPromotion(t *testing.T) {
	for _, mode := range []ExecutionMode{ModeSequential, ModeParallel} {
		t.Run(string(mode), func(t *testing.T) {
			s, _ := newTestScheduler(t, Options{Mode: mode})

			report := execute(t, s, []TaskSpec{
				{Name: "count", Action: "echo", Args: map[string]interface{}{"value": 5}, SetTo: "n"},
				{Name: "double", Action: "echo", DependsOn: []string{"count"}, Args: map[string]interface{}{"value": "{{ n * 2 }}"}},
				{Name: "guarded", Action: "echo", DependsOn: []string{"count"}, When: "n > 10"},
			}, nil)

			if got := nodeState(t, report, "double").Result; got != int64(10) {
				t.Errorf("Expected 10, got %v", got)
			}
			if got := nodeState(t, report, "guarded").State; got != NodeStateSkipped {
				t.Errorf("Expected guard to see the promoted value, got %s", got)
			}
			if report.Vars["n"] != 5 {
				t.Errorf("Expected final vars to hold n=5, got %v", report.Vars["n"])
			}
		})
	}
}

func TestScheduler_SequentialOrder(t *testing.T) {
	s, actions := newTestScheduler(t, Options{Mode: ModeSequential})

	execute(t, s, []TaskSpec{
		{Name: "c", Action: "echo", DependsOn: []string{"b"}},
		{Name: "a", Action: "echo"},
		{Name: "b", Action: "echo"},
		{Name: "d", Action: "echo"},
	}, nil)

	want := []string{"a", "b", "c", "d"}
	got := actions.Executed()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected order %v, got %v", want, got)
	}
}

func TestScheduler_Parallel(t *testing.T) {
	s, actions := newTestScheduler(t, Options{Mode: ModeParallel, MaxWorkers: 4})

	specs := make([]TaskSpec, 0, 5)
	for i := 0; i < 4; i++ {
		specs = append(specs, TaskSpec{
			Name:   fmt.Sprintf("work%d", i),
			Action: "sleep",
			Args:   map[string]interface{}{"duration": 50 * time.Millisecond},
		})
	}
	specs = append(specs, TaskSpec{Name: "join", Action: "echo", DependsOn: []string{"work0", "work1", "work2", "work3"}})

	report := execute(t, s, specs, nil)
	if !report.Success {
		t.Fatalf("Expected success, got %s: %s", report.Status, report.Error)
	}
	if actions.peak.Load() < 2 {
		t.Errorf("Expected concurrent execution, peak was %d", actions.peak.Load())
	}
	executed := actions.Executed()
	if executed[len(executed)-1] != "join" {
		t.Errorf("Expected join to run last, got %v", executed)
	}
}

func TestScheduler_ParallelRespectsWorkerLimit(t *testing.T) {
	s, actions := newTestScheduler(t, Options{Mode: ModeParallel, MaxWorkers: 2})

	specs := make([]TaskSpec, 6)
	for i := range specs {
		specs[i] = TaskSpec{Name: fmt.Sprintf("w%d", i), Action: "sleep", Args: map[string]interface{}{"duration": 10 * time.Millisecond}}
	}
	execute(t, s, specs, nil)

	if actions.peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent nodes, got %d", actions.peak.Load())
	}
}

func TestScheduler_Stop(t *testing.T) {
	actions := newTestActions(t)
	started := make(chan struct{})
	release := make(chan struct{})
	if err := actions.RegisterFunc("block", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		close(started)
		<-release
		return "released", nil
	}); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(actions, expression.NewStarlarkEvaluator(expression.Options{}), Options{})

	run, err := s.Submit(context.Background(), []TaskSpec{
		{Name: "long", Action: "block"},
		{Name: "next", Action: "echo", DependsOn: []string{"long"}},
		{Name: "other", Action: "echo", DependsOn: []string{"long"}},
	}, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	<-started
	run.Stop()
	run.Stop()
	close(release)

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish after stop")
	}
	report := run.Wait()

	if report.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", report.Status)
	}
	if got := nodeState(t, report, "long"); got.State != NodeStateSucceeded || got.Result != "released" {
		t.Errorf("Expected running node to finish, got %s %v", got.State, got.Result)
	}
	for _, name := range []string{"next", "other"} {
		n := nodeState(t, report, name)
		if n.State != NodeStateSkipped || !IsCancellation(n.Err) {
			t.Errorf("Expected %s skipped by cancellation, got %s: %v", name, n.State, n.Err)
		}
	}
	if len(actions.Executed()) != 0 {
		t.Errorf("Expected no echo after stop, got %v", actions.Executed())
	}
}

func TestScheduler_ContextCancel(t *testing.T) {
	actions := newTestActions(t)
	started := make(chan struct{})
	if err := actions.RegisterFunc("block", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return nil, ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(actions, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	run, err := s.Submit(ctx, []TaskSpec{
		{Name: "long", Action: "block"},
		{Name: "next", Action: "echo", DependsOn: []string{"long"}},
	}, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	cancel()
	report := run.Wait()

	if report.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", report.Status)
	}
	if got := nodeState(t, report, "long").State; got != NodeStateSucceeded {
		t.Errorf("Expected running action to be shielded from cancellation, got %s", got)
	}
	if got := nodeState(t, report, "next").State; got != NodeStateSkipped {
		t.Errorf("Expected next skipped, got %s", got)
	}
}

func TestScheduler_CancelledBeforeStart(t *testing.T) {
	for _, mode := range []ExecutionMode{ModeSequential, ModeParallel} {
		t.Run(string(mode), func(t *testing.T) {
			s, actions := newTestScheduler(t, Options{Mode: mode})

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			for i := 0; i < 20; i++ {
				report, err := s.Execute(ctx, []TaskSpec{
					{Name: "a", Action: "echo"},
					{Name: "b", Action: "echo"},
					{Name: "c", Action: "echo", DependsOn: []string{"a"}},
				}, nil)
				if err != nil {
					t.Fatalf("Execute() error = %v", err)
				}
				if report.Status != RunStatusCancelled {
					t.Errorf("Expected cancelled, got %s", report.Status)
				}
				for _, name := range []string{"a", "b", "c"} {
					n := nodeState(t, report, name)
					if n.State != NodeStateSkipped || !IsCancellation(n.Err) {
						t.Errorf("Expected %s skipped by cancellation, got %s: %v", name, n.State, n.Err)
					}
				}
				if report.Stats.Executed != 0 {
					t.Errorf("Expected nothing executed, got %d", report.Stats.Executed)
				}
			}
			if got := actions.Executed(); len(got) != 0 {
				t.Errorf("Expected no action to run, got %v", got)
			}
		})
	}
}

func TestScheduler_BackoffDoesNotBlockOtherNodes(t *testing.T) {
	s, actions := newTestScheduler(t, Options{Mode: ModeParallel, MaxWorkers: 2})

	backoff := 200 * time.Millisecond
	started := time.Now()
	report := execute(t, s, []TaskSpec{
		{Name: "slow", Action: "flaky", Args: map[string]interface{}{"failures": 1}, Retry: &RetryPolicy{MaxAttempts: 2, InitialDelay: backoff, BackoffFactor: 1}},
		{Name: "quick", Action: "echo", Loop: []interface{}{1, 2, 3}},
	}, nil)
	elapsed := time.Since(started)

	if !report.Success {
		t.Fatalf("Expected success, got %s: %s", report.Status, report.Error)
	}
	slow := nodeState(t, report, "slow")
	if slow.Attempts != 2 {
		t.Errorf("Expected slow to take 2 attempts, got %d", slow.Attempts)
	}
	for i := 0; i < 3; i++ {
		q := nodeState(t, report, fmt.Sprintf("quick[%d]", i))
		if !q.CompletedAt.Before(slow.CompletedAt) {
			t.Errorf("Expected quick[%d] to finish during the backoff of slow", i)
		}
	}
	executed := actions.Executed()
	if executed[len(executed)-1] != "slow" {
		t.Errorf("Expected the retried attempt to run last, got %v", executed)
	}
	if elapsed > 4*backoff {
		t.Errorf("Expected the run to overlap the backoff, took %s", elapsed)
	}
}

func TestScheduler_UntilDelayInterrupted(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spec := &TaskSpec{Name: "poll", Action: "echo", Until: "false", UntilDelay: time.Hour}
	j := &job{name: "poll#1", task: "poll", seq: 1, spec: spec, scope: map[string]interface{}{}}

	done := make(chan *completion, 1)
	go func() { done <- s.work(ctx, j, make(chan update, 1)) }()

	select {
	case res := <-done:
		if res.again {
			t.Error("Expected no further attempt after an interrupted delay")
		}
		if !IsCancellation(res.err) {
			t.Errorf("Expected cancellation error, got %v", res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("work did not return after cancellation")
	}
}

func TestScheduler_PanicBecomesActionError(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	report := execute(t, s, []TaskSpec{{Name: "p", Action: "panic"}}, nil)

	p := nodeState(t, report, "p")
	if p.State != NodeStateFailed || p.ErrorClass != ErrorClassAction {
		t.Errorf("Expected panic recorded as action failure, got %s (%s)", p.State, p.ErrorClass)
	}
}

func TestScheduler_ConfigurationErrors(t *testing.T) {
	s, actions := newTestScheduler(t, Options{})

	tests := []struct {
		name  string
		specs []TaskSpec
		code  string
	}{
		{
			name:  "cycle",
			specs: []TaskSpec{{Name: "a", Action: "echo", DependsOn: []string{"b"}}, {Name: "b", Action: "echo", DependsOn: []string{"a"}}},
			code:  ErrCodeCycle,
		},
		{
			name:  "unknown dependency",
			specs: []TaskSpec{{Name: "a", Action: "echo", DependsOn: []string{"x"}}},
			code:  ErrCodeUnknownDependency,
		},
		{
			name:  "unknown action",
			specs: []TaskSpec{{Name: "a", Action: "nope"}},
			code:  ErrCodeUnknownAction,
		},
		{
			name:  "loop and until",
			specs: []TaskSpec{{Name: "a", Action: "echo", Loop: []interface{}{1}, Until: "true"}},
			code:  ErrCodeValidation,
		},
		{
			name:  "bad retry",
			specs: []TaskSpec{{Name: "a", Action: "echo", Retry: &RetryPolicy{MaxAttempts: 0, BackoffFactor: 1}}},
			code:  ErrCodeInvalidPolicy,
		},
		{
			name:  "rescue with depends_on",
			specs: []TaskSpec{{Name: "a", Action: "echo"}, {Name: "b", Action: "echo", Rescue: []TaskSpec{{Action: "echo", DependsOn: []string{"a"}}}}},
			code:  ErrCodeValidation,
		},
		{
			name:  "unresolvable loop",
			specs: []TaskSpec{{Name: "a", Action: "echo", Loop: "missing"}},
			code:  ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Execute(context.Background(), tt.specs, nil)
			if !IsConfigurationError(err) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			var ee *EngineError
			if errors.As(err, &ee) && ee.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, ee.Code)
			}
		})
	}
	if len(actions.Executed()) != 0 {
		t.Errorf("Expected nothing dispatched, got %v", actions.Executed())
	}
}

type denyAll struct{}

func (denyAll) Admit(ctx context.Context, specs []TaskSpec) error {
	return errors.New("workflows are frozen")
}

func TestScheduler_Admission(t *testing.T) {
	s, _ := newTestScheduler(t, Options{Admission: denyAll{}})

	_, err := s.Execute(context.Background(), []TaskSpec{{Name: "a", Action: "echo"}}, nil)
	if !errors.Is(err, &EngineError{Class: ErrorClassConfiguration, Code: ErrCodePolicyViolation}) {
		t.Errorf("Expected policy violation, got %v", err)
	}
}

// Mock sinks and collectors

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) Publish(ctx context.Context, e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type mockMetrics struct {
	mu         sync.Mutex
	runs       []string
	nodes      map[string]int
	retries    int
	iterations int
}

func (m *mockMetrics) RecordRun(status string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
}

func (m *mockMetrics) RecordNode(task, state string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[state]++
}

func (m *mockMetrics) RecordRetry(task string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *mockMetrics) RecordLoopIteration(task string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations++
}

type mockRecorder struct {
	reports []*Report
}

func (r *mockRecorder) RecordReport(ctx context.Context, report *Report) error {
	r.reports = append(r.reports, report)
	return nil
}

func TestScheduler_Observers(t *testing.T) {
	events := &eventCollector{}
	metrics := &mockMetrics{nodes: make(map[string]int)}
	recorder := &mockRecorder{}
	s, _ := newTestScheduler(t, Options{
		Sinks:    []EventSink{events},
		Metrics:  metrics,
		Recorder: recorder,
	})

	report := execute(t, s, []TaskSpec{
		{Name: "loop", Action: "echo", Loop: []interface{}{1, 2}},
		{Name: "flaky", Action: "flaky", Args: map[string]interface{}{"failures": 1}, Retry: fastRetry(2)},
		{Name: "skipped", Action: "echo", When: "false"},
	}, nil)

	if len(recorder.reports) != 1 || recorder.reports[0].RunID != report.RunID {
		t.Errorf("Expected the report to be recorded once")
	}
	if len(metrics.runs) != 1 || metrics.runs[0] != string(RunStatusSucceeded) {
		t.Errorf("Expected one succeeded run metric, got %v", metrics.runs)
	}
	if metrics.nodes[string(NodeStateSucceeded)] != 3 || metrics.nodes[string(NodeStateSkipped)] != 1 {
		t.Errorf("Unexpected node metrics %v", metrics.nodes)
	}
	if metrics.retries != 1 || metrics.iterations != 2 {
		t.Errorf("Expected 1 retry and 2 iterations, got %d and %d", metrics.retries, metrics.iterations)
	}

	evs := events.events
	if len(evs) < 2 || evs[0].Type != EventRunStarted || evs[len(evs)-1].Type != EventRunCompleted {
		t.Fatalf("Expected events bracketed by run_started and run_completed")
	}
	for i, e := range evs {
		if e.RunID != report.RunID {
			t.Errorf("Event %d has run id %s", i, e.RunID)
		}
		if i > 0 && e.Seq <= evs[i-1].Seq {
			t.Errorf("Expected increasing sequence numbers, got %d after %d", e.Seq, evs[i-1].Seq)
		}
	}
}
