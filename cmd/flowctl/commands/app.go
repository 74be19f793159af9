package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowctl/pkg/actions"
	"github.com/openfroyo/flowctl/pkg/config"
	"github.com/openfroyo/flowctl/pkg/engine"
	"github.com/openfroyo/flowctl/pkg/expression"
	"github.com/openfroyo/flowctl/pkg/policy"
	"github.com/openfroyo/flowctl/pkg/stores"
	"github.com/openfroyo/flowctl/pkg/telemetry"
	"github.com/openfroyo/flowctl/pkg/transports/ssh"
)

// app holds the components shared by commands.
type app struct {
	cfg       *config.RuntimeConfig
	tel       *telemetry.Telemetry
	registry  *engine.Registry
	evaluator expression.Evaluator
	policies  *policy.Engine
	store     *stores.SQLiteStore
	sshPool   *ssh.Pool
}

// newApp loads the runtime configuration and builds telemetry, the action
// registry, the expression evaluator and the policy engine. The returned
// context carries the telemetry logger.
func newApp(ctx context.Context) (*app, context.Context, error) {
	cfg, err := config.LoadRuntimeConfig(configPath)
	if err != nil {
		return nil, ctx, err
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Telemetry.Logging.Level = lvl
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	evaluator, err := cfg.NewEvaluator()
	if err != nil {
		return nil, ctx, engine.NewConfigurationError("invalid expression settings", err)
	}

	a := &app{
		cfg:       cfg,
		tel:       tel,
		evaluator: evaluator,
	}

	opts := actions.Options{
		SSH: actions.RemoteDefaults{
			User:              cfg.Remote.User,
			PrivateKeyPath:    cfg.Remote.PrivateKey,
			KnownHostsPath:    cfg.Remote.KnownHosts,
			Insecure:          cfg.Remote.Insecure,
			ConnectionTimeout: cfg.Remote.ConnectTimeout,
		},
		WasmMemoryPages: cfg.Wasm.MemoryPages,
	}
	if cfg.Remote.Pool {
		a.sshPool = ssh.NewPool()
		opts.SSHPool = a.sshPool
	}
	a.registry = actions.NewRegistryWith(opts)

	if cfg.Policy.Enabled {
		if err := a.initPolicies(ctx); err != nil {
			return nil, ctx, err
		}
	}

	return a, ctx, nil
}

func (a *app) initPolicies(ctx context.Context) error {
	pcfg := policy.DefaultConfig()
	pcfg.ForbiddenActions = a.cfg.Policy.ForbiddenActions
	pcfg.Metrics = a.tel.Metrics

	eng, err := policy.NewEngine(*a.tel.Logger.Zerolog(), pcfg)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}

	if len(a.cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return engine.NewConfigurationError("failed to load policies", err)
		}
		if a.cfg.Policy.Watch {
			if err := eng.Watch(ctx, a.cfg.Policy.Paths); err != nil {
				a.tel.Logger.WithError(err).Warn("Policy watch disabled")
			}
		}
	}

	a.policies = eng
	return nil
}

// openStore opens and migrates the history database.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	if !a.cfg.Store.Enabled {
		return nil, errors.New("run history is disabled in the runtime config")
	}

	if dir := filepath.Dir(a.cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory %s: %w", dir, err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a.store = store
	return store, nil
}

// scheduler builds a scheduler for one workflow. With record set, runs are
// archived in the history store when it is enabled.
func (a *app) scheduler(ctx context.Context, workflow string, record bool) (*engine.Scheduler, error) {
	opts := a.cfg.EngineOptions()
	if a.policies != nil {
		opts.Admission = a.policies
	}

	if record && a.cfg.Store.Enabled {
		store, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		recorder := stores.NewRecorder(store, workflow)
		opts.Recorder = recorder
		opts.Sinks = append(opts.Sinks, recorder)
	}

	return engine.NewScheduler(a.registry, a.evaluator, a.tel.Instrument(opts)), nil
}

// loadWorkflow reads the workflow document at path. The workflow name
// defaults to the file name.
func (a *app) loadWorkflow(ctx context.Context, path string) (*config.Workflow, error) {
	wf, err := config.NewLoader().LoadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if wf.Name == "" {
		wf.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return wf, nil
}

func (a *app) close(ctx context.Context) {
	if a.policies != nil {
		_ = a.policies.StopWatching()
	}
	if a.sshPool != nil {
		if err := a.sshPool.Close(); err != nil {
			a.tel.Logger.WithError(err).Warn("Failed to close SSH connections")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.tel.Logger.WithError(err).Warn("Failed to close history store")
		}
	}
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		a.tel.Logger.WithError(err).Warn("Failed to flush telemetry")
	}
}

// parseVars turns key=value pairs into vars. Values are parsed as YAML
// scalars, so numbers and booleans keep their type.
func parseVars(pairs []string) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q (expected key=value)", pair)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
