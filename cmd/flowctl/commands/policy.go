package commands

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if a.policies == nil {
				return errors.New("policies are disabled in the runtime config")
			}

			policies := a.policies.ListPolicies()
			if jsonOutput {
				for i := range policies {
					policies[i].Rego = ""
				}
				return writeJSON(cmd.OutOrStdout(), policies)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <workflow>",
		Short: "Evaluate policies against a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if a.policies == nil {
				return errors.New("policies are disabled in the runtime config")
			}

			wf, err := a.loadWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			result, err := a.policies.EvaluateTasks(ctx, wf.Tasks)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Evaluated: %s\n", strings.Join(result.EvaluatedPolicies, ", "))
				for _, v := range result.Violations {
					fmt.Fprintf(w, "  violation: %s\n", v)
				}
				for _, v := range result.Warnings {
					fmt.Fprintf(w, "  warning: %s\n", v)
				}
				for _, e := range result.Errors {
					fmt.Fprintf(w, "  error: %s\n", e)
				}
			}

			if !result.Allowed {
				return fmt.Errorf("workflow %s denied by %d violation(s)", wf.Name, len(result.Violations))
			}
			return nil
		},
	})

	return cmd
}
