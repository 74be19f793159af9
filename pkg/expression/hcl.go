package expression

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// HCLEvaluator evaluates HCL native-syntax expressions. Strings containing
// "${" or "%{" are parsed as templates.
type HCLEvaluator struct {
	timeout   time.Duration
	functions map[string]function.Function
}

// NewHCLEvaluator creates a new HCL evaluator with the standard function set.
func NewHCLEvaluator(opts Options) *HCLEvaluator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &HCLEvaluator{
		timeout:   opts.Timeout,
		functions: hclFunctions(),
	}
}

func hclFunctions() map[string]function.Function {
	return map[string]function.Function{
		"abs":        stdlib.AbsoluteFunc,
		"coalesce":   stdlib.CoalesceFunc,
		"concat":     stdlib.ConcatFunc,
		"format":     stdlib.FormatFunc,
		"join":       stdlib.JoinFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"jsondecode": stdlib.JSONDecodeFunc,
		"keys":       stdlib.KeysFunc,
		"length":     stdlib.LengthFunc,
		"lower":      stdlib.LowerFunc,
		"max":        stdlib.MaxFunc,
		"min":        stdlib.MinFunc,
		"regex":      stdlib.RegexFunc,
		"split":      stdlib.SplitFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"upper":      stdlib.UpperFunc,
	}
}

// Eval evaluates expr and converts the result to a Go value.
func (he *HCLEvaluator) Eval(ctx context.Context, expr string, vars map[string]interface{}) (interface{}, error) {
	val, err := he.eval(ctx, expr, vars)
	if err != nil {
		return nil, err
	}
	out, err := fromCtyValue(val)
	if err != nil {
		return nil, &EvalError{Dialect: DialectHCL, Expression: expr, Err: err}
	}
	return out, nil
}

// EvalBool evaluates expr and converts the result to a bool. Null is false.
func (he *HCLEvaluator) EvalBool(ctx context.Context, expr string, vars map[string]interface{}) (bool, error) {
	val, err := he.eval(ctx, expr, vars)
	if err != nil {
		return false, err
	}
	if val.IsNull() {
		return false, nil
	}
	b, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, &EvalError{Dialect: DialectHCL, Expression: expr, Err: err}
	}
	return b.True(), nil
}

func (he *HCLEvaluator) eval(ctx context.Context, expr string, vars map[string]interface{}) (cty.Value, error) {
	src := normalize(expr)
	if src == "" {
		return cty.NilVal, &EvalError{Dialect: DialectHCL, Expression: expr, Err: fmt.Errorf("empty expression")}
	}

	evalCtx, cancel := context.WithTimeout(ctx, he.timeout)
	defer cancel()

	type outcome struct {
		val cty.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		val, err := he.evalSync(src, vars)
		done <- outcome{val: val, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return cty.NilVal, &EvalError{Dialect: DialectHCL, Expression: expr, Err: fmt.Errorf("evaluation aborted: %w", evalCtx.Err())}
	case o := <-done:
		if o.err != nil {
			return cty.NilVal, &EvalError{Dialect: DialectHCL, Expression: expr, Err: o.err}
		}
		return o.val, nil
	}
}

func (he *HCLEvaluator) evalSync(src string, vars map[string]interface{}) (cty.Value, error) {
	var (
		parsed hclsyntax.Expression
		diags  hcl.Diagnostics
	)
	start := hcl.Pos{Line: 1, Column: 1}
	if strings.Contains(src, "${") || strings.Contains(src, "%{") {
		parsed, diags = hclsyntax.ParseTemplate([]byte(src), "expr.hcl", start)
	} else {
		parsed, diags = hclsyntax.ParseExpression([]byte(src), "expr.hcl", start)
	}
	if diags.HasErrors() {
		return cty.NilVal, diags
	}

	variables, err := ctyVariables(vars)
	if err != nil {
		return cty.NilVal, err
	}
	val, diags := parsed.Value(&hcl.EvalContext{
		Variables: variables,
		Functions: he.functions,
	})
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	if !val.IsWhollyKnown() {
		return cty.NilVal, fmt.Errorf("expression result is not known")
	}
	return val, nil
}

// ctyVariables converts the scope to cty values and adds a `vars` object
// holding the whole scope.
func ctyVariables(vars map[string]interface{}) (map[string]cty.Value, error) {
	out := make(map[string]cty.Value, len(vars)+1)
	for name, v := range vars {
		cv, err := toCtyValue(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert variable %s: %w", name, err)
		}
		out[name] = cv
	}
	if _, ok := out["vars"]; !ok {
		out["vars"] = cty.ObjectVal(copyValues(out))
	}
	return out, nil
}

func copyValues(in map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// toCtyValue converts a Go value through its JSON form so that untyped maps
// and slices get an implied object or tuple type.
func toCtyValue(v interface{}) (cty.Value, error) {
	if v == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unsupported type %T: %w", v, err)
	}
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unable to infer cty.Type: %w", err)
	}
	return ctyjson.Unmarshal(data, ty)
}

// fromCtyValue converts a cty value back to plain Go values. Whole numbers
// become int64, other numbers float64.
func fromCtyValue(val cty.Value) (interface{}, error) {
	if val.IsNull() {
		return nil, nil
	}
	data, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return fromJSONNumbers(out), nil
}

func fromJSONNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []interface{}:
		for i := range val {
			val[i] = fromJSONNumbers(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = fromJSONNumbers(val[k])
		}
		return val
	default:
		return v
	}
}
