package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/claims/workflow"
)

// NewPlaybooksCommand creates the playbooks command group.
func NewPlaybooksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playbooks",
		Short: "Inspect the built-in playbooks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List playbook types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, pb := range workflow.DefaultPlaybooks() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %d steps  %s\n", pb.Type, len(pb.Steps), pb.Name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <type>",
		Short: "Show one playbook's step graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, pb := range workflow.DefaultPlaybooks() {
				if pb.Type == args[0] {
					return writeOutput(cmd.OutOrStdout(), rootOpts.Format, pb)
				}
			}
			return fmt.Errorf("playbook %q: %w", args[0], workflow.ErrUnknownPlaybook)
		},
	})

	return cmd
}
