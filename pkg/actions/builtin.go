package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// Echo logs args["msg"] and returns it. Without msg it returns the args.
func Echo(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	msg, ok := stringArg(args, "msg")
	if !ok {
		return copyArgs(args), nil
	}
	zerolog.Ctx(ctx).Info().Str("node", name).Msg(msg)
	return msg, nil
}

// Set returns its arguments as a map, so set_to can bind them.
func Set(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	return copyArgs(args), nil
}

// Fail always fails with args["msg"]. args["kind"] sets the retry
// classification.
func Fail(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	msg, ok := stringArg(args, "msg")
	if !ok {
		msg = "failed as requested"
	}
	kind, _ := stringArg(args, "kind")
	return nil, engine.NewActionError(kind, msg, nil).WithTask(name)
}

// Sleep waits args["duration"] or until ctx is done.
func Sleep(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	d, err := durationArg(args, "duration")
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return d.String(), nil
	}
}

// Assert fails unless args["that"] is true. that may be a single value or a
// list, in which case every element must be true.
func Assert(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	that, ok := args["that"]
	if !ok {
		return nil, fmt.Errorf("assert requires argument: that")
	}
	conditions, isList := that.([]interface{})
	if !isList {
		conditions = []interface{}{that}
	}

	for i, c := range conditions {
		b, err := toBool(c)
		if err != nil {
			return nil, fmt.Errorf("assertion %d: %w", i, err)
		}
		if !b {
			msg, ok := stringArg(args, "msg")
			if !ok {
				msg = fmt.Sprintf("assertion %d failed", i)
			}
			return nil, engine.NewActionError("AssertionError", msg, nil).WithTask(name)
		}
	}
	return true, nil
}

// Flaky fails the first args["failures"] calls for each node name, then
// succeeds. args["kind"] sets the retry classification of the failures and
// defaults to TemporaryFailure.
type Flaky struct {
	mu    sync.Mutex
	calls map[string]int
}

// NewFlaky creates a flaky action with no recorded calls.
func NewFlaky() *Flaky {
	return &Flaky{calls: make(map[string]int)}
}

// Execute implements engine.Action.
func (f *Flaky) Execute(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	failures, err := intArg(args, "failures", 1)
	if err != nil {
		return nil, err
	}
	kind, ok := stringArg(args, "kind")
	if !ok {
		kind = engine.KindTemporary
	}

	f.mu.Lock()
	f.calls[name]++
	call := f.calls[name]
	f.mu.Unlock()

	if call <= failures {
		return nil, engine.NewActionError(kind, fmt.Sprintf("call %d of %d failed", call, failures+1), nil).WithTask(name)
	}
	return call, nil
}

// Calls returns how many times name was executed.
func (f *Flaky) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func copyArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
