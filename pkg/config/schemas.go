package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. All values are built in
// one cue.Context so that documents can be unified with any registered schema.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in workflow schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("workflow", builtinWorkflowSchema, "#Workflow"); err != nil {
		panic(fmt.Sprintf("built-in workflow schema: %v", err))
	}
	if err := sr.RegisterSchema("task", builtinWorkflowSchema, "#Task"); err != nil {
		panic(fmt.Sprintf("built-in task schema: %v", err))
	}

	return sr
}

// Context returns the cue.Context shared by every registered schema.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers the definition at path (e.g.
// "#Workflow") under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("failed to resolve schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and requires a concrete result.
// The returned error keeps CUE positions for convertCUEErrors.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinWorkflowSchema = `
#Duration: number & >=0 | =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Guard: bool | string

#Items: [...] | string

#Retry: {
	max_attempts?:   int & >=1
	delay?:          #Duration
	backoff_factor?: number & >=1
	max_delay?:      #Duration
	retry_on?: [...string]
}

#Task: {
	// Action reference
	name: string & !=""

	// Graph key, defaults to name
	id?: string & =~"^[A-Za-z0-9_.-]+$"

	args?: {[string]: _}
	set_to?: string & =~"^[A-Za-z_][A-Za-z0-9_]*$"

	when?:   #Guard
	unless?: #Guard

	loop?:       #Items
	with_items?: #Items

	until?:              string
	until_max_attempts?: int & >=1
	max_iterations?:     int & >=1
	until_delay?:        #Duration

	retry?:         #Retry
	ignore_errors?: bool
	always?:        bool

	depends_on?: string | [...string]
	rescue?: [...#Task]
}

#Workflow: {
	name?:        string
	description?: string
	vars?: {[string]: _}
	tasks: [#Task, ...#Task]
}
`
