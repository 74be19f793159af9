package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, jsonOutput = "", false, false
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func initWorkspace(t *testing.T) (dir, cfg string) {
	t.Helper()
	dir = t.TempDir()
	out, err := execute(t, "init", "--dir", dir)
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, out)
	}
	return dir, filepath.Join(dir, "flowctl.yaml")
}

func TestInit(t *testing.T) {
	dir, cfg := initWorkspace(t)

	for _, f := range []string{cfg, filepath.Join(dir, "hello.yaml"), filepath.Join(dir, "policies", "sleep.rego"), filepath.Join(dir, ".flowctl", "history.db")} {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("expected %s to exist: %v", f, err)
		}
	}

	// A second init keeps existing files.
	out, err := execute(t, "init", "--dir", dir)
	if err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if !strings.Contains(out, "File already exists") {
		t.Errorf("expected existing files to be kept, got:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	dir, cfg := initWorkspace(t)

	out, err := execute(t, "--config", cfg, "validate", filepath.Join(dir, "hello.yaml"))
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "✓") || !strings.Contains(out, "4 tasks, 5 nodes") {
		t.Errorf("unexpected output:\n%s", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeTestFile(t, bad, `workflow:
  tasks:
    - name: echo
      depends_on: missing
`)
	out, err = execute(t, "--config", cfg, "validate", bad)
	if err == nil {
		t.Fatalf("expected validation error, got:\n%s", out)
	}
	if !strings.Contains(out, "✗") {
		t.Errorf("expected failure marker, got:\n%s", out)
	}
}

func TestValidate_PolicyDenied(t *testing.T) {
	dir, cfg := initWorkspace(t)

	wf := filepath.Join(dir, "nap.yaml")
	writeTestFile(t, wf, `workflow:
  tasks:
    - name: sleep
      args: {seconds: 120}
`)

	out, err := execute(t, "--config", cfg, "--json", "validate", wf)
	if err == nil {
		t.Fatalf("expected policy denial, got:\n%s", out)
	}

	var results []validationResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(results) != 1 || len(results[0].Policy) != 1 {
		t.Fatalf("expected one policy violation, got %+v", results)
	}
	if results[0].Policy[0].Policy != "sleep" {
		t.Errorf("expected workspace sleep policy, got %s", results[0].Policy[0].Policy)
	}
}

func TestPlan(t *testing.T) {
	dir, cfg := initWorkspace(t)
	hello := filepath.Join(dir, "hello.yaml")

	out, err := execute(t, "--config", cfg, "plan", hello)
	if err != nil {
		t.Fatalf("plan failed: %v\n%s", err, out)
	}
	for _, want := range []string{"Wave 1:", "greet", "visit[0]", "visit[1]", "Wave 4:"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in plan output:\n%s", want, out)
		}
	}

	out, err = execute(t, "--config", cfg, "plan", "--dot", hello)
	if err != nil {
		t.Fatalf("plan --dot failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph Workflow {") {
		t.Errorf("expected DOT output, got:\n%s", out)
	}
}

func TestRunAndHistory(t *testing.T) {
	dir, cfg := initWorkspace(t)

	out, err := execute(t, "--config", cfg, "run", filepath.Join(dir, "hello.yaml"), "--var", "greeting=hi")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "succeeded") {
		t.Errorf("expected succeeded run, got:\n%s", out)
	}
	if !strings.Contains(out, "attempts=2") {
		t.Errorf("expected the flaky task to be retried, got:\n%s", out)
	}

	out, err = execute(t, "--config", cfg, "--json", "history", "list")
	if err != nil {
		t.Fatalf("history list failed: %v", err)
	}
	var runs []struct {
		ID       string `json:"id"`
		Workflow string `json:"workflow"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].Workflow != "hello" || runs[0].Status != "succeeded" {
		t.Fatalf("unexpected history: %+v", runs)
	}

	out, err = execute(t, "--config", cfg, "history", "show", runs[0].ID, "--events")
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	if !strings.Contains(out, "visit[1]") || !strings.Contains(out, "run_completed") {
		t.Errorf("unexpected show output:\n%s", out)
	}

	if _, err := execute(t, "--config", cfg, "history", "delete", runs[0].ID); err != nil {
		t.Fatalf("history delete failed: %v", err)
	}
	if _, err := execute(t, "--config", cfg, "history", "show", runs[0].ID); err == nil {
		t.Error("expected deleted run to be gone")
	}
}

func TestRun_Failure(t *testing.T) {
	dir, cfg := initWorkspace(t)

	wf := filepath.Join(dir, "fail.yaml")
	writeTestFile(t, wf, `workflow:
  name: broken
  tasks:
    - name: fail
      args: {msg: boom}
    - name: echo
      depends_on: fail
`)

	out, err := execute(t, "--config", cfg, "run", wf, "--no-history")
	if err == nil {
		t.Fatalf("expected failed run to return an error, got:\n%s", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("expected failure message in output:\n%s", out)
	}

	out, err = execute(t, "--config", cfg, "--json", "history", "list")
	if err != nil {
		t.Fatalf("history list failed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected no recorded runs with --no-history, got %s", out)
	}
}

func TestPolicyList(t *testing.T) {
	_, cfg := initWorkspace(t)

	out, err := execute(t, "--config", cfg, "policy", "list")
	if err != nil {
		t.Fatalf("policy list failed: %v", err)
	}
	for _, want := range []string{"forbidden-actions", "retry-limits", "sleep", "builtin"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"n=3", "on=true", "name=web", "empty=", "list=[a, b]"})
	if err != nil {
		t.Fatalf("parseVars failed: %v", err)
	}
	if vars["n"] != 3 {
		t.Errorf("expected int 3, got %#v", vars["n"])
	}
	if vars["on"] != true {
		t.Errorf("expected true, got %#v", vars["on"])
	}
	if vars["name"] != "web" || vars["empty"] != "" {
		t.Errorf("unexpected strings: %#v %#v", vars["name"], vars["empty"])
	}
	if l, ok := vars["list"].([]interface{}); !ok || len(l) != 2 {
		t.Errorf("expected list, got %#v", vars["list"])
	}

	if _, err := parseVars([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
