package expression

import (
	"context"
	"reflect"
	"testing"
)

func TestHCLEvaluator_Eval(t *testing.T) {
	evaluator := NewHCLEvaluator(Options{})
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
		{name: "fraction", expr: "count / 2", want: 2.5},
		{name: "template", expr: "${name}-backup", want: "web-backup"},
		{name: "attribute access", expr: "result.status", want: "ok"},
		{name: "index access", expr: `result["code"]`, want: int64(200)},
		{name: "vars object", expr: "vars.name", want: "web"},
		{name: "function call", expr: "length(hosts)", want: int64(3)},
		{name: "for expression", expr: "[for h in hosts : upper(h)]", want: []interface{}{"A", "B", "C"}},
		{name: "template braces", expr: "{{ count + 1 }}", want: int64(6)},
		{name: "conditional", expr: `count > 3 ? "big" : "small"`, want: "big"},
		{name: "undefined variable", expr: "missing + 1", wantErr: true},
		{name: "syntax error", expr: "count +", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Eval(ctx, tt.expr, vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Eval() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestHCLEvaluator_EvalBool(t *testing.T) {
	evaluator := NewHCLEvaluator(Options{})
	ctx := context.Background()

	vars := map[string]interface{}{
		"attempt": 3,
		"flag":    "true",
		"hosts":   []interface{}{"a"},
		"nothing": nil,
	}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{expr: "attempt >= 3", want: true},
		{expr: "attempt > 3 || length(hosts) == 0", want: false},
		{expr: "flag", want: true},
		{expr: "nothing", want: false},
		{expr: `upper(hosts[0]) == "A"`, want: true},
		{expr: "hosts", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evaluator.EvalBool(ctx, tt.expr, vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EvalBool() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
