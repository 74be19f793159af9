package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowctl/pkg/config"
	"github.com/openfroyo/flowctl/pkg/policy"
)

// validationResult is the JSON form of one validated file.
type validationResult struct {
	Path     string                   `json:"path"`
	Valid    bool                     `json:"valid"`
	Tasks    int                      `json:"tasks,omitempty"`
	Nodes    int                      `json:"nodes,omitempty"`
	Errors   []config.ValidationError `json:"errors,omitempty"`
	Policy   []policy.Violation       `json:"policy_violations,omitempty"`
	Warnings []policy.Violation       `json:"policy_warnings,omitempty"`
	Message  string                   `json:"message,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow>...",
		Short: "Validate workflow documents",
		Long: `Validate workflow documents without running them.

This command checks:
  - YAML or CUE syntax and the workflow schema
  - Task references, depends_on targets and cycles
  - Registered actions
  - Admission policies (OPA/rego)`,
		Example: `  # Validate one workflow
  flowctl validate deploy.yaml

  # Validate several workflows and print JSON
  flowctl validate --json flows/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			results := make([]validationResult, 0, len(args))
			failed := 0
			for _, path := range args {
				res := validationResult{Path: path, Valid: true}

				wf, graph, err := planWorkflow(ctx, a, path, nil)
				if err != nil {
					res.Valid = false
					res.Message = err.Error()
					var perr *config.ParseError
					if errors.As(err, &perr) {
						res.Errors = perr.Errors
					}
					var denied *policy.DeniedError
					if errors.As(err, &denied) {
						res.Policy = denied.Violations
					}
					failed++
				} else {
					res.Tasks = len(wf.Tasks)
					res.Nodes = graph.Len()
					if a.policies != nil {
						if pr, err := a.policies.EvaluateTasks(ctx, wf.Tasks); err == nil {
							res.Warnings = pr.Warnings
						}
					}
				}
				results = append(results, res)
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				printValidation(cmd, results)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d workflow(s) invalid", failed, len(args))
			}
			return nil
		},
	}

	return cmd
}

func printValidation(cmd *cobra.Command, results []validationResult) {
	w := cmd.OutOrStdout()
	for _, res := range results {
		if res.Valid {
			fmt.Fprintf(w, "✓ %s: %d tasks, %d nodes\n", res.Path, res.Tasks, res.Nodes)
			for _, v := range res.Warnings {
				fmt.Fprintf(w, "  warning: %s\n", v)
			}
			continue
		}

		fmt.Fprintf(w, "✗ %s\n", res.Path)
		switch {
		case len(res.Errors) > 0:
			for _, ve := range res.Errors {
				fmt.Fprintf(w, "  %s\n", ve)
			}
		case len(res.Policy) > 0:
			for _, v := range res.Policy {
				fmt.Fprintf(w, "  policy: %s\n", v)
			}
		default:
			fmt.Fprintf(w, "  %s\n", res.Message)
		}
	}
}
