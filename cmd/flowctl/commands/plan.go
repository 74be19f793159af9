package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/flowctl/pkg/config"
	"github.com/openfroyo/flowctl/pkg/engine"
	"github.com/openfroyo/flowctl/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		dot  bool
		vars []string
	)

	cmd := &cobra.Command{
		Use:   "plan <workflow>",
		Short: "Show the execution plan of a workflow",
		Long: `Build the node graph of a workflow without running any action.

Loops with literal items are expanded into one node per item. Nodes are
printed in waves: every node of a wave depends only on earlier waves.`,
		Example: `  # Show execution waves
  flowctl plan deploy.yaml

  # Render the graph with Graphviz
  flowctl plan deploy.yaml --dot | dot -Tsvg > deploy.svg`,
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

			wf, graph, err := planWorkflow(ctx, a, args[0], overrides)
			if err != nil {
				return err
			}

			switch {
			case dot:
				fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT())
				return nil
			case jsonOutput:
				return writeJSON(cmd.OutOrStdout(), graph.Nodes())
			default:
				return printPlan(cmd.OutOrStdout(), wf, graph)
			}
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "output the graph in Graphviz DOT format")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "workflow variable override (key=value)")

	return cmd
}

// planWorkflow loads the workflow at path and plans it. Admission policies
// and action references are checked.
func planWorkflow(ctx context.Context, a *app, path string, overrides map[string]interface{}) (wf *config.Workflow, graph *engine.Graph, err error) {
	op := telemetry.StartOperation(ctx, "flowctl.plan", attribute.String("workflow.path", path))
	defer func() { op.End(err) }()

	wf, err = a.loadWorkflow(op.Ctx, path)
	if err != nil {
		return nil, nil, err
	}

	scheduler, err := a.scheduler(op.Ctx, wf.Name, false)
	if err != nil {
		return nil, nil, err
	}

	graph, err = scheduler.Plan(op.Ctx, wf.Tasks, wf.WithVars(overrides))
	if err != nil {
		return nil, nil, err
	}
	return wf, graph, nil
}

func printPlan(w io.Writer, wf *config.Workflow, graph *engine.Graph) error {
	levels, err := graph.Levels()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Workflow %s: %d tasks, %d nodes\n", wf.Name, len(wf.Tasks), graph.Len())
	if wf.Description != "" {
		fmt.Fprintf(w, "%s\n", wf.Description)
	}

	for i, level := range levels {
		fmt.Fprintf(w, "\nWave %d:\n", i+1)
		for _, id := range level {
			n := graph.Node(id)
			line := "  " + n.Name
			var notes []string
			if n.Kind != engine.NodeKindTask {
				notes = append(notes, string(n.Kind))
			}
			if n.State != engine.NodeStatePending {
				notes = append(notes, string(n.State))
			}
			if len(n.Spec.DependsOn) > 0 {
				notes = append(notes, "after "+strings.Join(n.Spec.DependsOn, ", "))
			}
			if len(notes) > 0 {
				line += " (" + strings.Join(notes, "; ") + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
