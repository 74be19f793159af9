package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowctl/pkg/config"
	"github.com/openfroyo/flowctl/pkg/stores"
)

const sampleWorkflow = `workflow:
  name: hello
  description: Example workflow created by flowctl init
  vars:
    greeting: hello
    targets: [alpha, beta]
  tasks:
    - name: echo
      id: greet
      args: {msg: "{{ greeting }} world"}

    - name: echo
      id: visit
      loop: "{{ targets }}"
      depends_on: greet
      args: {msg: "visiting {{ item }}"}

    - name: flaky
      id: unstable
      depends_on: visit
      retry: {max_attempts: 3, delay: 0.1}

    - name: echo
      id: done
      depends_on: unstable
      always: true
      args: {msg: finished}
`

const samplePolicy = `# Example admission policy. Tasks may not sleep longer than a minute.
# severity: error
package workspace.sleep

import rego.v1

deny contains violation if {
	some task in input.tasks
	task.action == "sleep"
	task.args.seconds > 60
	violation := {
		"message": sprintf("sleeps for %v seconds", [task.args.seconds]),
		"task": task.name,
	}
}
`

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a flowctl workspace",
		Long: `Initialize a workspace with a runtime config, an example workflow, an
example policy and the run history database.

Existing files are kept unless --force is given.`,
		Example: `  # Initialize the current directory
  flowctl init

  # Initialize another directory and run the example
  flowctl init --dir ./ops
  flowctl --config ./ops/flowctl.yaml run ./ops/hello.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			log.Debug().
				Str("dir", dir).
				Bool("force", force).
				Msg("Initializing workspace")

			policyDir := filepath.Join(dir, "policies")
			if err := os.MkdirAll(policyDir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", policyDir, err)
			}
			fmt.Fprintf(out, "✓ Created directory: %s\n", policyDir)

			cfg := config.DefaultRuntimeConfig()
			cfg.Store.Path = filepath.Join(dir, ".flowctl", "history.db")
			cfg.Policy.Paths = []string{policyDir}

			cfgData, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}

			path := configPath
			if path == "" {
				path = filepath.Join(dir, "flowctl.yaml")
			}
			files := []struct {
				path    string
				content []byte
			}{
				{path, append([]byte("# flowctl runtime configuration\n"), cfgData...)},
				{filepath.Join(dir, "hello.yaml"), []byte(sampleWorkflow)},
				{filepath.Join(policyDir, "sleep.rego"), []byte(samplePolicy)},
			}
			for _, f := range files {
				written, err := writeIfMissing(f.path, f.content, force)
				if err != nil {
					return err
				}
				if written {
					fmt.Fprintf(out, "✓ Created file: %s\n", f.path)
				} else {
					fmt.Fprintf(out, "✓ File already exists: %s\n", f.path)
				}
			}

			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return fmt.Errorf("failed to create history directory: %w", err)
			}
			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(out, "✓ Initialized history database: %s\n", cfg.Store.Path)

			fmt.Fprintf(out, "\nWorkspace initialized. Next steps:\n")
			fmt.Fprintf(out, "  flowctl --config %s validate %s\n", path, files[1].path)
			fmt.Fprintf(out, "  flowctl --config %s run %s\n", path, files[1].path)

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

func writeIfMissing(path string, content []byte, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}
