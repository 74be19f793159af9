package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Action is the opaque unit of work behind a task. args are already resolved;
// vars is a read-only snapshot of the node's scope.
type Action interface {
	Execute(ctx context.Context, name string, args map[string]interface{}, vars map[string]interface{}) (interface{}, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, name string, args map[string]interface{}, vars map[string]interface{}) (interface{}, error)

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, name string, args map[string]interface{}, vars map[string]interface{}) (interface{}, error) {
	return f(ctx, name, args, vars)
}

// ActionResolver looks up the Action behind TaskSpec.Action.
type ActionResolver interface {
	Resolve(action string) (Action, bool)
}

// ExpressionEvaluator evaluates condition and loop expressions. Implementations
// must be deterministic for identical vars and return errors instead of panicking.
type ExpressionEvaluator interface {
	Eval(ctx context.Context, expression string, vars map[string]interface{}) (interface{}, error)
	EvalBool(ctx context.Context, expression string, vars map[string]interface{}) (bool, error)
}

// EventSink receives run events. Publish is called from the scheduler's
// coordinator goroutine and should not block for long.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event)

// Publish calls f.
func (f EventSinkFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

// Recorder archives finished reports.
type Recorder interface {
	RecordReport(ctx context.Context, report *Report) error
}

// Admission vets a workflow before planning. A returned error rejects the
// submission and is reported as a configuration error.
type Admission interface {
	Admit(ctx context.Context, specs []TaskSpec) error
}

// Registry is a concurrency-safe ActionResolver backed by a map.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action under name. Registering a name twice is an error.
func (r *Registry) Register(name string, action Action) error {
	if name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if action == nil {
		return fmt.Errorf("action %s is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action already registered: %s", name)
	}
	r.actions[name] = action
	return nil
}

// RegisterFunc registers a function as an action.
func (r *Registry) RegisterFunc(name string, fn ActionFunc) error {
	return r.Register(name, fn)
}

// Resolve implements ActionResolver.
func (r *Registry) Resolve(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
