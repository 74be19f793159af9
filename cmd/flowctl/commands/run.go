package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/flowctl/pkg/engine"
	"github.com/openfroyo/flowctl/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		mode      string
		workers   int
		strict    bool
		vars      []string
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a workflow",
		Long: `Plan and execute a workflow document.

The workflow is checked against the admission policies, planned into a node
graph and executed. Each run is recorded in the history database unless
--no-history is given or history is disabled in the runtime config.

The command fails when the run does not succeed.`,
		Example: `  # Run a workflow sequentially
  flowctl run deploy.yaml

  # Run with up to 4 parallel workers
  flowctl run deploy.yaml --mode parallel --workers 4

  # Override workflow variables
  flowctl run deploy.yaml --var version=1.2.3 --var replicas=3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseVars(vars)
			if err != nil {
				return err
			}

			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if cmd.Flags().Changed("mode") {
				a.cfg.Execution.Mode = mode
			}
			if cmd.Flags().Changed("workers") {
				a.cfg.Execution.MaxWorkers = workers
			}
			if cmd.Flags().Changed("strict") {
				a.cfg.Execution.Strict = strict
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			report, err := runWorkflow(ctx, a, args[0], overrides, !noHistory)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}

			if !report.Success {
				return fmt.Errorf("run %s %s: %s", report.RunID, report.Status, report.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(engine.ModeSequential), "execution mode (sequential or parallel)")
	cmd.Flags().IntVarP(&workers, "workers", "w", engine.DefaultMaxWorkers, "maximum parallel workers")
	cmd.Flags().BoolVar(&strict, "strict", false, "abort the run on condition errors and exhausted loops")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "workflow variable override (key=value)")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run")

	return cmd
}

// runWorkflow loads, plans and executes the workflow at path.
func runWorkflow(ctx context.Context, a *app, path string, overrides map[string]interface{}, record bool) (report *engine.Report, err error) {
	op := telemetry.StartOperation(ctx, "flowctl.run", attribute.String("workflow.path", path))
	defer func() { op.End(err) }()

	wf, err := a.loadWorkflow(op.Ctx, path)
	if err != nil {
		return nil, err
	}

	scheduler, err := a.scheduler(op.Ctx, wf.Name, record)
	if err != nil {
		return nil, err
	}

	if a.cfg.Telemetry.Metrics.Enabled {
		metricsCtx, stop := context.WithCancel(op.Ctx)
		defer stop()
		go func() {
			if err := a.tel.Metrics.Serve(metricsCtx); err != nil {
				op.Logger.WithError(err).Warn("Metrics endpoint failed")
			}
		}()
	}

	op.Logger.WithWorkflow(wf.Name).
		WithField("tasks", len(wf.Tasks)).
		WithField("mode", a.cfg.Execution.Mode).
		Info("Starting workflow")

	return scheduler.Execute(op.Ctx, wf.Tasks, wf.WithVars(overrides))
}

func printReport(w io.Writer, report *engine.Report) {
	fmt.Fprintf(w, "Run %s %s in %s\n\n", report.RunID, report.Status, report.Duration.Round(time.Millisecond))

	for _, n := range report.Nodes {
		line := fmt.Sprintf("  %-32s %-10s", n.Name, n.State)
		if n.Attempts > 1 {
			line += fmt.Sprintf(" attempts=%d", n.Attempts)
		}
		if n.Reason != "" {
			line += " (" + n.Reason + ")"
		}
		if n.Error != "" {
			line += " error: " + n.Error
		}
		fmt.Fprintln(w, line)
	}

	s := report.Stats
	fmt.Fprintf(w, "\nTasks: %d  executed: %d  skipped: %d  failed: %d  rescued: %d  retried: %d  iterations: %d\n",
		s.TotalTasks, s.Executed, s.Skipped, s.Failed, s.Rescued, s.Retried, s.LoopIterations)

	if report.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", report.Error)
	}
}
