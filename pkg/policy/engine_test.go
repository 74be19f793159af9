package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowctl/pkg/engine"
)

type mockMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *mockMetrics) RecordPolicyViolation(policy, severity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[policy+"/"+severity]++
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig())

	policies := eng.ListPolicies()
	expected := []string{PolicyForbiddenActions, PolicyRetryLimits, PolicyUntilDelay, PolicyUntilLimits}
	if len(policies) != len(expected) {
		t.Fatalf("expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin || !policies[i].Enabled {
			t.Errorf("expected %s to be an enabled built-in", name)
		}
	}
}

func TestEvaluate_Clean(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig())

	result, err := eng.EvaluateTasks(context.Background(), []engine.TaskSpec{
		{Name: "a", Action: "echo"},
		{Name: "b", Action: "echo", DependsOn: []string{"a"}, Retry: &engine.RetryPolicy{MaxAttempts: 3, BackoffFactor: 2}},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected workflow to be allowed, got violations %v", result.Violations)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("expected 4 evaluated policies, got %d", len(result.EvaluatedPolicies))
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no evaluation errors, got %v", result.Errors)
	}
}

func TestEvaluate_BuiltinLimits(t *testing.T) {
	tests := []struct {
		name     string
		spec     engine.TaskSpec
		policy   string
		severity Severity
		blocking bool
	}{
		{
			name:     "retry attempts",
			spec:     engine.TaskSpec{Name: "t", Action: "echo", Retry: &engine.RetryPolicy{MaxAttempts: 11, BackoffFactor: 1}},
			policy:   PolicyRetryLimits,
			severity: SeverityError,
			blocking: true,
		},
		{
			name:     "retry delay",
			spec:     engine.TaskSpec{Name: "t", Action: "echo", Retry: &engine.RetryPolicy{MaxAttempts: 2, BackoffFactor: 1, MaxDelay: 2 * time.Hour}},
			policy:   PolicyRetryLimits,
			severity: SeverityError,
			blocking: true,
		},
		{
			name:     "until attempts",
			spec:     engine.TaskSpec{Name: "t", Action: "echo", Until: "true", UntilMaxAttempts: 5000, UntilDelay: time.Second},
			policy:   PolicyUntilLimits,
			severity: SeverityError,
			blocking: true,
		},
		{
			name:     "until attempts via max_iterations",
			spec:     engine.TaskSpec{Name: "t", Action: "echo", Until: "true", MaxIterations: 5000, UntilDelay: time.Second},
			policy:   PolicyUntilLimits,
			severity: SeverityError,
			blocking: true,
		},
		{
			name:     "forbidden action",
			spec:     engine.TaskSpec{Name: "t", Action: "command"},
			policy:   PolicyForbiddenActions,
			severity: SeverityCritical,
			blocking: true,
		},
		{
			name:     "forbidden action in rescue",
			spec:     engine.TaskSpec{Name: "t", Action: "echo", Rescue: []engine.TaskSpec{{Name: "r", Action: "command"}}},
			policy:   PolicyForbiddenActions,
			severity: SeverityCritical,
			blocking: true,
		},
		{
			name:     "until without delay",
			spec:     engine.TaskSpec{Name: "t", Action: "echo", Until: "true"},
			policy:   PolicyUntilDelay,
			severity: SeverityWarning,
			blocking: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ForbiddenActions = []string{"command"}
			eng := newTestEngine(t, cfg)

			result, err := eng.EvaluateTasks(context.Background(), []engine.TaskSpec{tt.spec})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			if result.Allowed == tt.blocking {
				t.Errorf("expected allowed=%v, got %v", !tt.blocking, result.Allowed)
			}

			found := result.Violations
			if !tt.blocking {
				found = result.Warnings
			}
			if len(found) != 1 {
				t.Fatalf("expected 1 finding, got violations=%v warnings=%v", result.Violations, result.Warnings)
			}
			if found[0].Policy != tt.policy {
				t.Errorf("expected policy %s, got %s", tt.policy, found[0].Policy)
			}
			if found[0].Severity != tt.severity {
				t.Errorf("expected severity %s, got %s", tt.severity, found[0].Severity)
			}
			if found[0].Task == "" || found[0].Message == "" {
				t.Errorf("expected task and message to be set, got %+v", found[0])
			}
		})
	}
}

func TestEvaluate_CustomLimits(t *testing.T) {
	eng := newTestEngine(t, Config{MaxRetryAttempts: 2})

	result, err := eng.EvaluateTasks(context.Background(), []engine.TaskSpec{
		{Name: "t", Action: "echo", Retry: &engine.RetryPolicy{MaxAttempts: 3, BackoffFactor: 1}},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected retry limit of 2 to reject 3 attempts")
	}
	if !strings.Contains(result.Violations[0].Message, "exceeds the limit of 2") {
		t.Errorf("unexpected message: %s", result.Violations[0].Message)
	}
}

func TestAdmit(t *testing.T) {
	metrics := &mockMetrics{}
	cfg := DefaultConfig()
	cfg.ForbiddenActions = []string{"command"}
	cfg.Metrics = metrics
	eng := newTestEngine(t, cfg)

	ctx := context.Background()
	if err := eng.Admit(ctx, []engine.TaskSpec{{Name: "ok", Action: "echo"}}); err != nil {
		t.Fatalf("expected clean workflow to be admitted, got %v", err)
	}

	err := eng.Admit(ctx, []engine.TaskSpec{{Name: "rm", Action: "command"}})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if len(denied.Violations) != 1 || denied.Violations[0].Task != "rm" {
		t.Errorf("unexpected violations: %v", denied.Violations)
	}
	if !strings.Contains(err.Error(), "forbidden") {
		t.Errorf("expected error to mention the forbidden action, got %q", err.Error())
	}

	if metrics.counts[PolicyForbiddenActions+"/critical"] != 1 {
		t.Errorf("expected 1 recorded violation, got %v", metrics.counts)
	}

	// Warnings alone do not reject.
	if err := eng.Admit(ctx, []engine.TaskSpec{{Name: "poll", Action: "echo", Until: "true"}}); err != nil {
		t.Errorf("expected warning-only workflow to be admitted, got %v", err)
	}
}

func TestAdmit_WithScheduler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForbiddenActions = []string{"command"}
	eng := newTestEngine(t, cfg)

	registry := engine.NewRegistry()
	_ = registry.RegisterFunc("command", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		return nil, nil
	})
	scheduler := engine.NewScheduler(registry, nil, engine.Options{Admission: eng})

	_, err := scheduler.Plan(context.Background(), []engine.TaskSpec{{Name: "rm", Action: "command"}}, nil)
	if err == nil {
		t.Fatal("expected plan to be rejected")
	}
	if !engine.IsConfigurationError(err) {
		t.Errorf("expected a configuration error, got %v", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Errorf("expected DeniedError in chain, got %v", err)
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:     "names",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package custom.names

import rego.v1

deny contains msg if {
	some task in input.tasks
	startswith(task.name, "tmp")
	msg := sprintf("task %s looks temporary", [task.name])
}

deny contains violation if {
	some task in input.tasks
	task.name == "prod"
	violation := {"message": "prod is reserved", "task": task.name, "severity": "critical"}
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	result, err := eng.EvaluateTasks(ctx, []engine.TaskSpec{
		{Name: "tmp1", Action: "echo"},
		{Name: "prod", Action: "echo"},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(result.Warnings) != 1 || result.Warnings[0].Message != "task tmp1 looks temporary" {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
	if len(result.Violations) != 1 || result.Violations[0].Severity != SeverityCritical {
		t.Errorf("unexpected violations: %v", result.Violations)
	}
	if result.Allowed {
		t.Error("expected critical severity override to block")
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig())

	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\n\ndeny[msg] {"})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("expected broken policy not to be stored")
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shell.rego"), `# Disallow the sleep action.
# severity: critical
package custom.shell

import rego.v1

deny contains violation if {
	some task in input.tasks
	task.action == "sleep"
	violation := {"message": "sleep is not allowed", "task": task.name}
}
`)

	eng := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("shell")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", p.Severity)
	}
	if p.Description != "Disallow the sleep action." {
		t.Errorf("unexpected description: %q", p.Description)
	}

	err = eng.Admit(ctx, []engine.TaskSpec{{Name: "nap", Action: "sleep"}})
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Violations[0].Policy != "shell" {
		t.Errorf("expected shell policy to deny, got %v", err)
	}
}

func TestReplacePolicies_KeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	if err := eng.AddPolicy(ctx, Policy{Name: "old", Enabled: true, Rego: "package old\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"}); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	err := eng.ReplacePolicies(ctx, []Policy{
		{Name: "new", Enabled: true, Rego: "package new\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"},
	})
	if err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	if _, err := eng.GetPolicy("old"); err == nil {
		t.Error("expected old policy to be replaced")
	}
	if _, err := eng.GetPolicy("new"); err != nil {
		t.Errorf("expected new policy, got %v", err)
	}
	if _, err := eng.GetPolicy(PolicyRetryLimits); err != nil {
		t.Errorf("expected built-in policy to survive, got %v", err)
	}

	// A bad set leaves the current one in place.
	if err := eng.ReplacePolicies(ctx, []Policy{{Name: "bad", Rego: "not rego"}}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("new"); err != nil {
		t.Errorf("expected new policy to remain after failed replace, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForbiddenActions = []string{"command"}
	eng := newTestEngine(t, cfg)
	ctx := context.Background()
	specs := []engine.TaskSpec{{Name: "rm", Action: "command"}}

	if err := eng.DisablePolicy(PolicyForbiddenActions); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	p, _ := eng.GetPolicy(PolicyForbiddenActions)
	if p.Enabled {
		t.Error("expected policy to be disabled")
	}
	if err := eng.Admit(ctx, specs); err != nil {
		t.Errorf("expected disabled policy not to deny, got %v", err)
	}

	if err := eng.EnablePolicy(PolicyForbiddenActions); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.Admit(ctx, specs); err == nil {
		t.Error("expected re-enabled policy to deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.EvaluateTasks(ctx, []engine.TaskSpec{{Name: "a", Action: "echo"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
