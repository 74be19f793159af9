package expression

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Eval(t *testing.T) {
	evaluator := NewStarlarkEvaluator(Options{Timeout: 5 * time.Second})
	ctx := context.Background()

	vars := map[string]interface{}{
		"count": 5,
		"name":  "web",
		"hosts": []interface{}{"a", "b", "c"},
		"result": map[string]interface{}{
			"status": "ok",
			"code":   200,
		},
	}

	tests := []struct {
		name    string
		expr    string
		want    interface{}
		wantErr bool
	}{
		{name: "arithmetic", expr: "count * 2", want: int64(10)},
		{name: "string concat", expr: `name + "-backup"`, want: "web-backup"},
		{name: "index access", expr: `result["status"]`, want: "ok"},
		{name: "attribute access", expr: "result.code", want: int64(200)},
		{name: "vars dict", expr: `vars["name"]`, want: "web"},
		{name: "list comprehension", expr: "[h.upper() for h in hosts]", want: []interface{}{"A", "B", "C"}},
		{name: "template braces", expr: "{{ count + 1 }}", want: int64(6)},
		{name: "lowercase literals", expr: "true and not false", want: true},
		{name: "none literal", expr: "none", want: nil},
		{name: "tuple to list", expr: "(1, 2)", want: []interface{}{int64(1), int64(2)}},
		{name: "undefined variable", expr: "missing + 1", wantErr: true},
		{name: "syntax error", expr: "count +", wantErr: true},
		{name: "empty", expr: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Eval(ctx, tt.expr, vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Eval() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var evalErr *EvalError
				if !errors.As(err, &evalErr) {
					t.Errorf("Expected *EvalError, got %T", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestStarlarkEvaluator_EvalBool(t *testing.T) {
	evaluator := NewStarlarkEvaluator(Options{})
	ctx := context.Background()

	vars := map[string]interface{}{
		"attempt": 3,
		"items":   []interface{}{},
		"result":  map[string]interface{}{"ready": true},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"attempt >= 3", true},
		{"attempt > 3", false},
		{"items", false},
		{"len(items) == 0", true},
		{"result.ready", true},
		{`"ready" in result`, true},
		{`result.get("missing") == None`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evaluator.EvalBool(ctx, tt.expr, vars)
			if err != nil {
				t.Fatalf("EvalBool() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := evaluator.Eval(context.Background(), "[x for x in range(100000000)]", nil)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Evaluation was not interrupted, took %v", time.Since(start))
	}
}

func TestStarlarkEvaluator_MaxSteps(t *testing.T) {
	evaluator := NewStarlarkEvaluator(Options{MaxSteps: 100})

	_, err := evaluator.Eval(context.Background(), "[x for x in range(10000)]", nil)
	if err == nil {
		t.Fatal("Expected step limit error")
	}
}

func TestToStarlarkValue_TypedCollections(t *testing.T) {
	type host struct {
		Name string `json:"name"`
		Port int    `json:"port"`
	}

	evaluator := NewStarlarkEvaluator(Options{})
	vars := map[string]interface{}{
		"host":  host{Name: "db", Port: 5432},
		"ports": map[string]int{"http": 80},
		"tags":  []string{"x", "y"},
	}

	got, err := evaluator.Eval(context.Background(), `host.name + ":" + str(host.port) + ":" + str(ports["http"]) + ":" + tags[1]`, vars)
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if got != "db:5432:80:y" {
		t.Errorf("Expected db:5432:80:y, got %v", got)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
		wantErr bool
	}{
		{"", "*expression.StarlarkEvaluator", false},
		{DialectStarlark, "*expression.StarlarkEvaluator", false},
		{DialectHCL, "*expression.HCLEvaluator", false},
		{"jinja", "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			ev, err := New(tt.dialect, Options{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := reflect.TypeOf(ev).String(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
