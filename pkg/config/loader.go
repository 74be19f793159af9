package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// Format is the syntax of a workflow document.
type Format string

const (
	// FormatYAML is a YAML document with a top-level "workflow" key.
	FormatYAML Format = "yaml"

	// FormatCUE is a CUE file with a top-level "workflow" field.
	FormatCUE Format = "cue"
)

// FormatFromPath picks the document format from the file extension.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return FormatCUE
	}
	return FormatYAML
}

// Loader parses workflow documents, validates them against the #Workflow
// schema and converts them to engine task specs.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a new workflow loader.
func NewLoader() *Loader {
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// SchemaRegistry returns the registry used for validation.
func (l *Loader) SchemaRegistry() *SchemaRegistry {
	return l.schemas
}

// LoadFile reads and parses the workflow at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Workflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	return l.Load(ctx, path, content, FormatFromPath(path))
}

// Load parses content in the given format. source names the document in
// error messages. Every document problem is returned as a ConfigurationError
// wrapping a *ParseError.
func (l *Loader) Load(ctx context.Context, source string, content []byte, format Format) (*Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		file *WorkflowFile
		errs []ValidationError
	)
	switch format {
	case FormatCUE:
		file, errs = l.parseCUE(source, content)
	case FormatYAML, "":
		file, errs = l.parseYAML(source, content)
	default:
		return nil, fmt.Errorf("unsupported workflow format: %s", format)
	}
	if len(errs) == 0 {
		errs = l.validateStruct(source, file)
	}
	if len(errs) > 0 {
		return nil, invalid(source, errs)
	}

	tasks, errs := ToTaskSpecs(file.Workflow.Tasks)
	if len(errs) > 0 {
		for i := range errs {
			errs[i].File = source
		}
		return nil, invalid(source, errs)
	}

	return &Workflow{
		Name:        file.Workflow.Name,
		Description: file.Workflow.Description,
		Source:      source,
		Vars:        file.Workflow.Vars,
		Tasks:       tasks,
	}, nil
}

func invalid(source string, errs []ValidationError) error {
	return engine.NewConfigurationError("invalid workflow document",
		&ParseError{Source: source, Errors: errs}).WithCode(engine.ErrCodeValidation)
}

// parseYAML decodes the document generically, checks it against the schema,
// then decodes it into the typed form.
func (l *Loader) parseYAML(source string, content []byte) (*WorkflowFile, []ValidationError) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, []ValidationError{yamlError(source, err)}
	}
	doc, ok := raw["workflow"]
	if !ok {
		return nil, []ValidationError{{File: source, Path: "workflow", Message: "missing top-level workflow key", Severity: "error"}}
	}

	val := l.schemas.Context().Encode(doc)
	if err := val.Err(); err != nil {
		return nil, []ValidationError{{File: source, Path: "workflow", Message: err.Error(), Severity: "error"}}
	}
	if _, err := l.schemas.Unify("workflow", val); err != nil {
		return nil, convertCUEErrors(source, err)
	}

	var file WorkflowFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, []ValidationError{yamlError(source, err)}
	}
	return &file, nil
}

// parseCUE compiles the document, unifies its workflow field with the schema
// and decodes the concrete result.
func (l *Loader) parseCUE(source string, content []byte) (*WorkflowFile, []ValidationError) {
	val := l.schemas.Context().CompileBytes(content, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(source, err)
	}
	doc := val.LookupPath(cue.ParsePath("workflow"))
	if !doc.Exists() {
		return nil, []ValidationError{{File: source, Path: "workflow", Message: "missing top-level workflow field", Severity: "error"}}
	}

	unified, err := l.schemas.Unify("workflow", doc)
	if err != nil {
		return nil, convertCUEErrors(source, err)
	}

	var generic interface{}
	if err := unified.Decode(&generic); err != nil {
		return nil, convertCUEErrors(source, err)
	}

	// Re-encode through YAML so CUE and YAML documents share one decoder.
	data, err := yaml.Marshal(map[string]interface{}{"workflow": generic})
	if err != nil {
		return nil, []ValidationError{{File: source, Message: fmt.Sprintf("failed to encode workflow: %v", err), Severity: "error"}}
	}
	var file WorkflowFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, []ValidationError{yamlError(source, err)}
	}
	return &file, nil
}

func (l *Loader) validateStruct(source string, file *WorkflowFile) []ValidationError {
	err := l.validator.Struct(file)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{File: source, Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			File:     source,
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
			Severity: "error",
		})
	}
	return out
}

// ToTaskSpecs normalizes task configs into engine specs. IDs default to the
// task name; repeated names without an explicit id get a numeric suffix
// (name_2, name_3, ...).
func ToTaskSpecs(tasks []TaskConfig) ([]engine.TaskSpec, []ValidationError) {
	var errs []ValidationError
	specs := make([]engine.TaskSpec, 0, len(tasks))
	used := make(map[string]bool, len(tasks))
	counts := make(map[string]int, len(tasks))
	for _, t := range tasks {
		if t.ID != "" {
			used[t.ID] = true
		}
	}

	for i := range tasks {
		spec, taskErrs := toTaskSpec(&tasks[i], fmt.Sprintf("workflow.tasks[%d]", i))
		errs = append(errs, taskErrs...)

		if tasks[i].ID == "" {
			base := spec.Name
			counts[base]++
			if n := counts[base]; n > 1 || used[base] {
				if n < 2 {
					n = 2
				}
				for used[fmt.Sprintf("%s_%d", base, n)] {
					n++
				}
				counts[base] = n
				spec.Name = fmt.Sprintf("%s_%d", base, n)
			}
			used[spec.Name] = true
		}
		specs = append(specs, spec)
	}
	return specs, errs
}

func toTaskSpec(t *TaskConfig, path string) (engine.TaskSpec, []ValidationError) {
	var errs []ValidationError
	fail := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{
			Path:     path + "." + field,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	spec := engine.TaskSpec{
		Name:             t.ID,
		Action:           t.Name,
		Args:             t.Args,
		SetTo:            t.SetTo,
		Until:            t.Until,
		UntilMaxAttempts: t.UntilMaxAttempts,
		MaxIterations:    t.MaxIterations,
		IgnoreErrors:     t.IgnoreErrors,
		Always:           t.Always,
	}
	if spec.Name == "" {
		spec.Name = t.Name
	}

	var err error
	if spec.When, err = guardString(t.When); err != nil {
		fail("when", "%v", err)
	}
	if spec.Unless, err = guardString(t.Unless); err != nil {
		fail("unless", "%v", err)
	}

	switch {
	case t.Loop != nil && t.WithItems != nil:
		fail("loop", "loop and with_items are mutually exclusive")
	case t.Loop != nil:
		spec.Loop = t.Loop
	case t.WithItems != nil:
		spec.Loop = t.WithItems
	}

	if t.UntilDelay != nil {
		if spec.UntilDelay, err = ParseDuration(t.UntilDelay); err != nil {
			fail("until_delay", "%v", err)
		}
	}
	if t.UntilMaxAttempts > 0 && t.Until == "" {
		fail("until_max_attempts", "until_max_attempts requires until")
	}
	if t.MaxIterations > 0 && t.Until == "" && spec.Loop == nil {
		fail("max_iterations", "max_iterations requires loop, with_items or until")
	}

	if t.Retry != nil {
		policy, rerr := t.Retry.Policy()
		if rerr != nil {
			fail("retry", "%v", rerr)
		} else {
			spec.Retry = policy
		}
	}

	if spec.DependsOn, err = stringList(t.DependsOn); err != nil {
		fail("depends_on", "%v", err)
	}

	for i := range t.Rescue {
		rescue, rerrs := toTaskSpec(&t.Rescue[i], fmt.Sprintf("%s.rescue[%d]", path, i))
		errs = append(errs, rerrs...)
		if len(rescue.DependsOn) > 0 {
			fail(fmt.Sprintf("rescue[%d].depends_on", i), "rescue steps cannot declare depends_on")
		}
		spec.Rescue = append(spec.Rescue, rescue)
	}

	return spec, errs
}

// Policy applies the engine defaults to omitted retry fields.
func (r *RetryConfig) Policy() (*engine.RetryPolicy, error) {
	policy := engine.DefaultRetryPolicy()
	if r.MaxAttempts != nil {
		policy.MaxAttempts = *r.MaxAttempts
	}
	if r.BackoffFactor != nil {
		policy.BackoffFactor = *r.BackoffFactor
	}
	var err error
	if r.Delay != nil {
		if policy.InitialDelay, err = ParseDuration(r.Delay); err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
	}
	if r.MaxDelay != nil {
		if policy.MaxDelay, err = ParseDuration(r.MaxDelay); err != nil {
			return nil, fmt.Errorf("max_delay: %w", err)
		}
	}
	policy.RetryOn = append([]string(nil), r.RetryOn...)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// ParseDuration accepts a number of seconds or a Go duration string.
func ParseDuration(v interface{}) (time.Duration, error) {
	var d time.Duration
	switch val := v.(type) {
	case int:
		d = time.Duration(val) * time.Second
	case int64:
		d = time.Duration(val) * time.Second
	case float64:
		d = time.Duration(val * float64(time.Second))
	case time.Duration:
		d = val
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", val)
		}
		d = parsed
	default:
		return 0, fmt.Errorf("invalid duration of type %T", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0, got %s", d)
	}
	return d, nil
}

func guardString(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case string:
		return val, nil
	default:
		return "", fmt.Errorf("must be a bool or an expression string, got %T", v)
	}
}

func stringList(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if val == "" {
			return nil, nil
		}
		return []string{val}, nil
	case []string:
		return val, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected task ids, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a task id or a list of task ids, got %T", v)
	}
}

func yamlError(source string, err error) ValidationError {
	return ValidationError{File: source, Message: err.Error(), Severity: "error"}
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func convertCUEErrors(source string, err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:     source,
			Message:  e.Error(),
			Severity: "error",
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == source {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: source, Message: err.Error(), Severity: "error"})
	}
	return out
}
