package engine

import (
	"sync"
)

// ExecutionContext is the shared variable scope of a run.
//
// Only the scheduler's coordinator goroutine writes to it, through Promote.
// Workers receive a Scope snapshot at dispatch time and never observe a value
// mid-promotion.
type ExecutionContext struct {
	mu      sync.RWMutex
	vars    map[string]interface{}
	writers map[string]promotion
}

// promotion records which node last wrote a name.
type promotion struct {
	task string
	seq  int
}

// NewExecutionContext creates a context seeded with a shallow copy of initial.
func NewExecutionContext(initial map[string]interface{}) *ExecutionContext {
	vars := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &ExecutionContext{
		vars:    vars,
		writers: make(map[string]promotion),
	}
}

// Get returns the value bound to name.
func (c *ExecutionContext) Get(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// Snapshot returns a shallow copy of the shared variables.
func (c *ExecutionContext) Snapshot() map[string]interface{} {
	return c.Scope(nil)
}

// Scope returns a snapshot of the shared variables overlaid with locals.
// Locals shadow shared names and are never written back.
func (c *ExecutionContext) Scope(locals map[string]interface{}) map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	scope := make(map[string]interface{}, len(c.vars)+len(locals))
	for k, v := range c.vars {
		scope[k] = v
	}
	for k, v := range locals {
		scope[k] = v
	}
	return scope
}

// Set binds name unconditionally.
func (c *ExecutionContext) Set(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
	delete(c.writers, name)
}

// Promote binds a node result into the shared scope. Within one task the
// write with the highest seq wins, so parallel loop iterations settle on the
// last iteration's value regardless of completion order. It reports whether
// the value was written.
func (c *ExecutionContext) Promote(name, task string, seq int, value interface{}) bool {
	if name == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.writers[name]; ok && last.task == task && last.seq > seq {
		return false
	}
	c.vars[name] = value
	c.writers[name] = promotion{task: task, seq: seq}
	return true
}
