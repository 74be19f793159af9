package engine

import (
	"context"
	"testing"

	"github.com/openfroyo/flowctl/pkg/expression"
)

func TestConditionEvaluator_LiteralsWithoutEvaluator(t *testing.T) {
	c := NewConditionEvaluator(nil)
	ctx := context.Background()

	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"True", true},
		{"yes", true},
		{"on", true},
		{"1", true},
		{"{{ true }}", true},
		{"false", false},
		{"no", false},
		{"off", false},
		{"0", false},
		{"''", false},
		{"{{ false }}", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := c.Evaluate(ctx, "when", tt.expr, true, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestConditionEvaluator_NoEvaluator(t *testing.T) {
	c := NewConditionEvaluator(nil)

	_, err := c.Evaluate(context.Background(), "when", "count > 1", true, nil)
	if !IsConditionError(err) {
		t.Fatalf("Expected condition error, got %v", err)
	}
	if err.(*EngineError).Operation != "when" {
		t.Errorf("Expected operation when, got %s", err.(*EngineError).Operation)
	}
}

func TestConditionEvaluator_ShouldRun(t *testing.T) {
	c := NewConditionEvaluator(expression.NewStarlarkEvaluator(expression.Options{}))
	ctx := context.Background()
	vars := map[string]interface{}{"env": "prod", "count": 3}

	tests := []struct {
		name    string
		when    string
		unless  string
		want    bool
		wantErr bool
	}{
		{name: "no guards", want: true},
		{name: "when true", when: `env == "prod"`, want: true},
		{name: "when false", when: `env == "dev"`, want: false},
		{name: "unless true", unless: "count > 2", want: false},
		{name: "unless false", unless: "count > 5", want: true},
		{name: "when and unless", when: `env == "prod"`, unless: "count > 2", want: false},
		{name: "template when", when: "{{ count == 3 }}", want: true},
		{name: "undefined name", when: "missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ShouldRun(ctx, tt.when, tt.unless, vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ShouldRun() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !IsConditionError(err) {
					t.Errorf("Expected condition error, got %v", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestTemplateExpression(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wrapped bool
	}{
		{"{{ x > 1 }}", "x > 1", true},
		{"  {{x}}  ", "x", true},
		{"x > 1", "x > 1", false},
		{"{{ a }}-{{ b }}", "{{ a }}-{{ b }}", false},
	}
	for _, tt := range tests {
		got, wrapped := TemplateExpression(tt.in)
		if got != tt.want || wrapped != tt.wrapped {
			t.Errorf("TemplateExpression(%q) = %q, %v; expected %q, %v", tt.in, got, wrapped, tt.want, tt.wrapped)
		}
	}
}
