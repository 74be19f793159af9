package expression

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// StarlarkEvaluator evaluates single Starlark expressions.
//
// Every variable in scope is predeclared by name and also reachable through
// the `vars` dict. Maps are exposed as records that support both `m["key"]`
// and `m.key`. The lowercase literals true, false, none and null are accepted
// alongside True, False and None.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(opts Options) *StarlarkEvaluator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &StarlarkEvaluator{
		timeout:  opts.Timeout,
		maxSteps: opts.MaxSteps,
	}
}

// Eval evaluates expr and converts the result to a Go value.
func (se *StarlarkEvaluator) Eval(ctx context.Context, expr string, vars map[string]interface{}) (interface{}, error) {
	v, err := se.eval(ctx, expr, vars)
	if err != nil {
		return nil, err
	}
	out, err := fromStarlarkValue(v)
	if err != nil {
		return nil, &EvalError{Dialect: DialectStarlark, Expression: expr, Err: err}
	}
	return out, nil
}

// EvalBool evaluates expr and returns its Starlark truth value.
func (se *StarlarkEvaluator) EvalBool(ctx context.Context, expr string, vars map[string]interface{}) (bool, error) {
	v, err := se.eval(ctx, expr, vars)
	if err != nil {
		return false, err
	}
	return bool(v.Truth()), nil
}

func (se *StarlarkEvaluator) eval(ctx context.Context, expr string, vars map[string]interface{}) (result starlark.Value, err error) {
	src := normalize(expr)
	if src == "" {
		return nil, &EvalError{Dialect: DialectStarlark, Expression: expr, Err: fmt.Errorf("empty expression")}
	}

	env, err := predeclared(vars)
	if err != nil {
		return nil, &EvalError{Dialect: DialectStarlark, Expression: expr, Err: err}
	}

	thread := &starlark.Thread{
		Name:  "flowctl",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	if se.maxSteps > 0 {
		thread.SetMaxExecutionSteps(se.maxSteps)
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &EvalError{Dialect: DialectStarlark, Expression: expr, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	v, err := starlark.Eval(thread, "expr.star", src, env)
	if err != nil {
		if ctxErr := evalCtx.Err(); ctxErr != nil {
			err = fmt.Errorf("evaluation aborted: %w", ctxErr)
		}
		return nil, &EvalError{Dialect: DialectStarlark, Expression: expr, Err: err}
	}
	return v, nil
}

// predeclared builds the global environment for one evaluation.
func predeclared(vars map[string]interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"true":   starlark.True,
		"false":  starlark.False,
		"none":   starlark.None,
		"null":   starlark.None,
		"struct": starlarkstruct.Default,
	}

	all := starlark.NewDict(len(vars))
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert variable %s: %w", key, err)
		}
		if err := all.SetKey(starlark.String(key), sv); err != nil {
			return nil, err
		}
		env[key] = sv
	}
	if _, ok := vars["vars"]; !ok {
		env["vars"] = record{all}
	}
	return env, nil
}

// record is a dict whose string keys are also readable as attributes.
type record struct {
	*starlark.Dict
}

var (
	_ starlark.HasAttrs   = record{}
	_ starlark.Mapping    = record{}
	_ starlark.Comparable = record{}
)

func (r record) Type() string { return "record" }

func (r record) Attr(name string) (starlark.Value, error) {
	v, found, err := r.Dict.Get(starlark.String(name))
	if err != nil {
		return nil, err
	}
	if found {
		return v, nil
	}
	return r.Dict.Attr(name)
}

func (r record) AttrNames() []string {
	names := r.Dict.AttrNames()
	for _, k := range r.Dict.Keys() {
		if s, ok := k.(starlark.String); ok {
			names = append(names, string(s))
		}
	}
	sort.Strings(names)
	return names
}

func (r record) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	other, ok := y.(record)
	if !ok {
		return false, fmt.Errorf("cannot compare record with %s", y.Type())
	}
	return starlark.CompareDepth(op, r.Dict, other.Dict, depth)
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return record{dict}, nil
	default:
		// Structs and typed collections go through their JSON form.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var generic interface{}
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}
		return toStarlarkValue(fromJSONNumbers(generic))
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case record:
		return fromStarlarkDict(val.Dict)
	case *starlark.Dict:
		return fromStarlarkDict(val)
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	case starlark.Iterable:
		iter := val.Iterate()
		defer iter.Done()
		list := make([]interface{}, 0)
		var x starlark.Value
		for iter.Next(&x) {
			item, err := fromStarlarkValue(x)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkDict(d *starlark.Dict) (map[string]interface{}, error) {
	dict := make(map[string]interface{}, d.Len())
	for _, item := range d.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("dict key must be string")
		}
		value, err := fromStarlarkValue(item[1])
		if err != nil {
			return nil, err
		}
		dict[string(key)] = value
	}
	return dict, nil
}
