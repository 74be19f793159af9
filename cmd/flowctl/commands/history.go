package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowctl/pkg/engine"
	"github.com/openfroyo/flowctl/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long:  `List, show and prune runs recorded in the history database.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryDeleteCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		workflow string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  # Last 10 failed runs of the deploy workflow
  flowctl history list --workflow deploy --status failed --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			runs, err := store.ListRuns(ctx, stores.RunFilter{
				Workflow: workflow,
				Status:   engine.RunStatus(status),
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tTASKS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
					r.ID, r.Workflow, r.Status,
					r.StartedAt.Local().Format(time.DateTime),
					r.Duration.Round(time.Millisecond),
					r.Stats.TotalTasks)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "only runs of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", stores.DefaultListLimit, "maximum number of runs")

	return cmd
}

// historyRun is the JSON form of history show.
type historyRun struct {
	*stores.RunRecord
	Nodes  []*stores.NodeRecord  `json:"nodes"`
	Events []*stores.EventRecord `json:"events,omitempty"`
}

func newHistoryShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			nodes, err := store.ListNodes(ctx, run.ID)
			if err != nil {
				return err
			}
			out := historyRun{RunRecord: run, Nodes: nodes}
			if events {
				if out.Events, err = store.ListEvents(ctx, run.ID); err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Run:      %s\n", run.ID)
			fmt.Fprintf(w, "Workflow: %s\n", run.Workflow)
			fmt.Fprintf(w, "Status:   %s\n", run.Status)
			fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
			fmt.Fprintf(w, "Duration: %s\n", run.Duration.Round(time.Millisecond))
			if run.Error != "" {
				fmt.Fprintf(w, "Error:    %s\n", run.Error)
			}

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\nNODE\tKIND\tSTATE\tATTEMPTS\tERROR")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", n.Name, n.Kind, n.State, n.Attempts, n.Error)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if events {
				fmt.Fprintln(w, "\nEvents:")
				for _, e := range out.Events {
					line := fmt.Sprintf("  %4d %s %s", e.Seq, e.Timestamp.Local().Format("15:04:05.000"), e.Type)
					if e.Node != "" {
						line += " " + e.Node
					}
					if e.To != "" {
						line += fmt.Sprintf(" %s -> %s", e.From, e.To)
					}
					fmt.Fprintln(w, line)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the event log")

	return cmd
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete recorded runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := store.DeleteRun(ctx, id); err != nil {
					return fmt.Errorf("failed to delete run %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", id)
			}
			return nil
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a given age",
		Example: `  # Keep one week of history
  flowctl history prune --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			n, err := store.PruneRuns(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s)\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of pruned runs")

	return cmd
}
