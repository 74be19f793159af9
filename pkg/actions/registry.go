package actions

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/flowctl/pkg/engine"
	"github.com/openfroyo/flowctl/pkg/transports/ssh"
)

// Options configure the built-in actions.
type Options struct {
	// SSHPool shares connections between ssh and upload tasks.
	SSHPool *ssh.Pool

	// SSH holds connection defaults for ssh and upload tasks.
	SSH RemoteDefaults

	// WasmMemoryPages is the default memory limit of wasm tasks.
	WasmMemoryPages uint32
}

// Builtins returns a fresh set of the built-in actions keyed by name.
func Builtins() map[string]engine.Action {
	return BuiltinsWith(Options{})
}

// BuiltinsWith is Builtins with configured remote actions.
func BuiltinsWith(opts Options) map[string]engine.Action {
	return map[string]engine.Action{
		"echo":    engine.ActionFunc(Echo),
		"set":     engine.ActionFunc(Set),
		"fail":    engine.ActionFunc(Fail),
		"sleep":   engine.ActionFunc(Sleep),
		"assert":  engine.ActionFunc(Assert),
		"flaky":   NewFlaky(),
		"command": &Command{},
		"file":    &File{},
		"ssh":     &Remote{Pool: opts.SSHPool, Defaults: opts.SSH},
		"upload":  &Upload{Pool: opts.SSHPool, Defaults: opts.SSH},
		"wasm":    &Wasm{MemoryLimitPages: opts.WasmMemoryPages},
	}
}

// Register adds every built-in action to r.
func Register(r *engine.Registry) error {
	return RegisterWith(r, Options{})
}

// RegisterWith adds every built-in action, configured by opts, to r.
func RegisterWith(r *engine.Registry, opts Options) error {
	for name, action := range BuiltinsWith(opts) {
		if err := r.Register(name, action); err != nil {
			return fmt.Errorf("failed to register built-in action: %w", err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in actions.
func NewRegistry() *engine.Registry {
	return NewRegistryWith(Options{})
}

// NewRegistryWith returns a registry holding the built-in actions
// configured by opts.
func NewRegistryWith(opts Options) *engine.Registry {
	r := engine.NewRegistry()
	if err := RegisterWith(r, opts); err != nil {
		panic(err)
	}
	return r
}

// Argument helpers. Values come from YAML, CUE or an expression result, so
// numbers may arrive as int, int64 or float64.

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

func intArg(args map[string]interface{}, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("argument %s: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("argument %s: expected integer, got %T", key, v)
	}
}

func boolArg(args map[string]interface{}, key string, def bool) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	return toBool(v)
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("expected boolean, got %q", b)
		}
		return parsed, nil
	case int:
		return b != 0, nil
	case int64:
		return b != 0, nil
	case float64:
		return b != 0, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

// durationArg accepts seconds as a number or a Go duration string.
func durationArg(args map[string]interface{}, key string) (time.Duration, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, nil
	}
	var d time.Duration
	switch n := v.(type) {
	case int:
		d = time.Duration(n) * time.Second
	case int64:
		d = time.Duration(n) * time.Second
	case float64:
		d = time.Duration(n * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("argument %s: %w", key, err)
		}
		d = parsed
	default:
		return 0, fmt.Errorf("argument %s: expected duration, got %T", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("argument %s: duration cannot be negative", key)
	}
	return d, nil
}

func stringSliceArg(args map[string]interface{}, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch s := v.(type) {
	case []string:
		return s, nil
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case string:
		return []string{s}, nil
	default:
		return nil, fmt.Errorf("argument %s: expected list, got %T", key, v)
	}
}
