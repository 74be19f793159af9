package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultWasmMemoryPages is the memory limit of a wasm task, 16 MiB.
const DefaultWasmMemoryPages = 256

// Wasm runs a WASI command module in its own wazero runtime. The module
// sees no filesystem and no network; it talks to the workflow through
// argv, environment, stdin and stdout.
//
// Arguments:
//
//	module        path to the .wasm file (required)
//	argv          arguments after the program name
//	env           map of environment variables
//	input         value passed as JSON on stdin
//	stdin         raw stdin text, used when input is absent
//	memory_pages  memory limit in 64 KiB pages (default 256)
//
// The result is a map with stdout, stderr, exit_code, duration and, when
// stdout holds a JSON document, output. A non-zero exit status is returned
// as an *ExitError. Compiled modules are cached for the life of the action.
type Wasm struct {
	// MemoryLimitPages overrides DefaultWasmMemoryPages.
	MemoryLimitPages uint32

	once  sync.Once
	cache wazero.CompilationCache
}

func (w *Wasm) compilationCache() wazero.CompilationCache {
	w.once.Do(func() {
		w.cache = wazero.NewCompilationCache()
	})
	return w.cache
}

// Execute implements engine.Action.
func (w *Wasm) Execute(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	path, ok := stringArg(args, "module")
	if !ok || path == "" {
		return nil, fmt.Errorf("wasm requires argument: module")
	}
	argv, err := stringSliceArg(args, "argv")
	if err != nil {
		return nil, err
	}

	limit := int(w.MemoryLimitPages)
	if limit == 0 {
		limit = DefaultWasmMemoryPages
	}
	pages, err := intArg(args, "memory_pages", limit)
	if err != nil {
		return nil, err
	}
	if pages < 1 || pages > 65536 {
		return nil, fmt.Errorf("memory_pages must be between 1 and 65536, got %d", pages)
	}

	var stdin io.Reader = strings.NewReader("")
	if input, ok := args["input"]; ok {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input: %w", err)
		}
		stdin = bytes.NewReader(data)
	} else if s, ok := stringArg(args, "stdin"); ok {
		stdin = strings.NewReader(s)
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(pages)).
		WithCloseOnContextDone(true).
		WithCompilationCache(w.compilationCache())

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(context.WithoutCancel(ctx))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module %s: %w", path, err)
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(append([]string{filepath.Base(path)}, argv...)...).
		WithStdin(stdin).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime()

	if env, ok := args["env"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			moduleConfig = moduleConfig.WithEnv(k, fmt.Sprint(env[k]))
		}
	}

	zerolog.Ctx(ctx).Debug().Str("node", name).Str("module", path).Int("memory_pages", pages).Msg("Running wasm module")

	start := time.Now()
	mod, err := runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if mod != nil {
		_ = mod.Close(ctx)
	}

	exitCode := 0
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wasm module %s failed: %w", path, err)
		}
		exitCode = int(exitErr.ExitCode())
	}

	result := map[string]interface{}{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
		"duration":  time.Since(start).Seconds(),
	}
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		var output interface{}
		if json.Unmarshal(out, &output) == nil {
			result["output"] = output
		}
	}

	if exitCode != 0 {
		return result, &ExitError{
			Command:  path,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
		}
	}
	return result, nil
}
