package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// Default limits enforced by the built-in policies.
const (
	DefaultMaxRetryAttempts = 10
	DefaultMaxRetryDelay    = time.Hour
	DefaultMaxUntilAttempts = 1000
)

// Metrics receives a count of every violation found. telemetry.Metrics
// satisfies it.
type Metrics interface {
	RecordPolicyViolation(policy, severity string)
}

// Config configures the limits the built-in policies enforce.
type Config struct {
	// ForbiddenActions are action names no task may reference.
	ForbiddenActions []string

	MaxRetryAttempts int
	MaxRetryDelay    time.Duration
	MaxUntilAttempts int

	// Metrics is optional.
	Metrics Metrics
}

// DefaultConfig returns the default policy limits.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		MaxRetryDelay:    DefaultMaxRetryDelay,
		MaxUntilAttempts: DefaultMaxUntilAttempts,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.MaxUntilAttempts <= 0 {
		c.MaxUntilAttempts = DefaultMaxUntilAttempts
	}
	return c
}

// data is the document exposed to policies as data.flowctl.config.
func (c Config) data() map[string]interface{} {
	forbidden := make([]interface{}, 0, len(c.ForbiddenActions))
	for _, a := range c.ForbiddenActions {
		forbidden = append(forbidden, a)
	}
	return map[string]interface{}{
		"flowctl": map[string]interface{}{
			"config": map[string]interface{}{
				"forbidden_actions":  forbidden,
				"max_retry_attempts": c.MaxRetryAttempts,
				"max_retry_delay":    c.MaxRetryDelay.Seconds(),
				"max_until_attempts": c.MaxUntilAttempts,
			},
		},
	}
}

// Engine evaluates Rego policies against workflows. It implements
// engine.Admission.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	disabled map[string]bool
	store    storage.Store
	logger   zerolog.Logger
	cfg      Config
	loader   *Loader
}

var _ engine.Admission = (*Engine)(nil)

type compiledPolicy struct {
	policy   Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		store:    inmem.NewFromObject(cfg.data()),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		cfg:      cfg,
	}
	e.loader = NewLoader(e.logger)

	ctx := context.Background()
	for _, p := range GetBuiltinPolicies() {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(e.policies)).
		Msg("Built-in policies loaded")

	return e, nil
}

// Admit rejects the workflow with a *DeniedError when any blocking violation
// is found. Warnings are logged.
func (e *Engine) Admit(ctx context.Context, specs []engine.TaskSpec) error {
	result, err := e.EvaluateTasks(ctx, specs)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("task", w.Task).
			Msg(w.Message)
	}

	if !result.Allowed {
		return &DeniedError{Violations: result.Violations}
	}
	return nil
}

// EvaluateTasks evaluates all enabled policies against a workflow.
func (e *Engine) EvaluateTasks(ctx context.Context, specs []engine.TaskSpec) (*Result, error) {
	return e.Evaluate(ctx, NewInput("", "admit", specs))
}

// Evaluate evaluates all enabled policies against input. A policy that fails
// to evaluate is reported in Result.Errors and does not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled || e.disabled[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
			}
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(start)

	e.logger.Debug().
		Int("policies", len(result.EvaluatedPolicies)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(&cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Task != violations[j].Task {
			return violations[i].Task < violations[j].Task
		}
		return violations[i].Message < violations[j].Message
	})

	return violations, nil
}

// createViolation converts one element of a deny set.
func createViolation(policy *Policy, value interface{}) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if task, ok := d["task"].(string); ok {
			v.Task = task
		}
		if sev, ok := d["severity"].(string); ok {
			switch s := Severity(sev); s {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				v.Severity = s
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}

	if v.Severity == "" {
		v.Severity = SeverityError
	}
	return v
}

// compile parses the policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// AddPolicy compiles and adds a policy, replacing one with the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies[policy.Name] = cp
	return nil
}

// LoadPolicies loads policy files and adds them to the engine. Nothing is
// added if any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded")

	return nil
}

// ReplacePolicies swaps every non built-in policy for policies. On a compile
// error the current set is kept.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if cp.policy.Builtin {
			if _, override := compiled[name]; !override {
				compiled[name] = cp
			}
		}
	}
	e.policies = compiled
	return nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return nil, fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}
	return compiled, nil
}

// Watch reloads policies from paths whenever a file under them changes.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// StopWatching stops a watch started with Watch.
func (e *Engine) StopWatching() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := cp.policy
	p.Enabled = p.Enabled && !e.disabled[name]
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := e.sortedNames()
	policies := make([]Policy, 0, len(names))
	for _, name := range names {
		p := e.policies[name].policy
		p.Enabled = p.Enabled && !e.disabled[name]
		policies = append(policies, p)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. The setting survives reloads.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}

	if enabled {
		delete(e.disabled, name)
		cp.policy.Enabled = true
	} else {
		e.disabled[name] = true
	}

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames must be called with mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
