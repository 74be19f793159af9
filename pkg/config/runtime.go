package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowctl/pkg/engine"
	"github.com/openfroyo/flowctl/pkg/expression"
	"github.com/openfroyo/flowctl/pkg/telemetry"
)

// RuntimeConfig is the flowctl process configuration, loaded from the file
// passed with --config.
type RuntimeConfig struct {
	Execution  ExecutionConfig  `yaml:"execution"`
	Expression ExpressionConfig `yaml:"expression"`
	Store      StoreConfig      `yaml:"store"`
	Policy     PolicyConfig     `yaml:"policy"`
	Remote     RemoteConfig     `yaml:"remote"`
	Wasm       WasmConfig       `yaml:"wasm"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// ExecutionConfig tunes the scheduler.
type ExecutionConfig struct {
	// Mode is sequential or parallel.
	Mode string `yaml:"mode" validate:"oneof=sequential parallel"`

	// MaxWorkers bounds the parallel worker pool.
	MaxWorkers int `yaml:"max_workers" validate:"min=1,max=1024"`

	// UntilMaxAttempts is the default cap for until loops.
	UntilMaxAttempts int `yaml:"until_max_attempts" validate:"min=1"`

	// Strict makes condition errors and loop exhaustion abort the run.
	Strict bool `yaml:"strict"`
}

// ExpressionConfig selects and bounds the expression evaluator.
type ExpressionConfig struct {
	Dialect  string        `yaml:"dialect" validate:"oneof=starlark hcl"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxSteps uint64        `yaml:"max_steps"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig configures workflow admission.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are .rego files or directories loaded next to the built-in policy.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads policies when a file under Paths changes.
	Watch bool `yaml:"watch"`

	// ForbiddenActions are rejected by the built-in policy.
	ForbiddenActions []string `yaml:"forbidden_actions" validate:"dive,required"`
}

// RemoteConfig holds connection defaults for the ssh and upload actions.
// Task arguments override every field.
type RemoteConfig struct {
	User       string `yaml:"user,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`

	// Insecure accepts any host key.
	Insecure bool `yaml:"insecure"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=0"`

	// Pool keeps one connection per user@host:port open for the whole run.
	Pool bool `yaml:"pool"`
}

// WasmConfig bounds the wasm action.
type WasmConfig struct {
	// MemoryPages is the default memory limit in 64 KiB pages.
	MemoryPages uint32 `yaml:"memory_pages" validate:"min=1,max=65536"`
}

// DefaultRuntimeConfig returns the configuration used when no file is given.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Execution: ExecutionConfig{
			Mode:             string(engine.ModeSequential),
			MaxWorkers:       engine.DefaultMaxWorkers,
			UntilMaxAttempts: engine.DefaultUntilMaxAttempts,
		},
		Expression: ExpressionConfig{
			Dialect: string(expression.DialectStarlark),
			Timeout: expression.DefaultTimeout,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(".flowctl", "history.db"),
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Remote: RemoteConfig{
			ConnectTimeout: 30 * time.Second,
			Pool:           true,
		},
		Wasm: WasmConfig{
			MemoryPages: 256,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadRuntimeConfig reads a YAML runtime configuration over the defaults.
// An empty path returns the defaults.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to parse config %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the struct tags and the embedded telemetry configuration.
func (c *RuntimeConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
			}
			return engine.NewConfigurationError("invalid runtime configuration", errors.Join(msgs...)).WithCode(engine.ErrCodeValidation)
		}
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewConfigurationError("invalid telemetry configuration", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// EngineOptions returns scheduler options for the execution settings.
// Sinks, Recorder, Admission and telemetry are attached by the caller.
func (c *RuntimeConfig) EngineOptions() engine.Options {
	return engine.Options{
		Mode:             engine.ExecutionMode(c.Execution.Mode),
		MaxWorkers:       c.Execution.MaxWorkers,
		UntilMaxAttempts: c.Execution.UntilMaxAttempts,
		Strict:           c.Execution.Strict,
	}
}

// NewEvaluator builds the configured expression evaluator.
func (c *RuntimeConfig) NewEvaluator() (expression.Evaluator, error) {
	return expression.New(expression.Dialect(c.Expression.Dialect), expression.Options{
		Timeout:  c.Expression.Timeout,
		MaxSteps: c.Expression.MaxSteps,
	})
}
