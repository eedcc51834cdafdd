package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/claims/rules"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Export and evaluate decision rule sets",
	}
	cmd.AddCommand(newRulesExportCommand())
	cmd.AddCommand(newRulesEvalCommand(rootOpts))
	return cmd
}

func newRulesExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the default rule set as a YAML rule-set file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rules.WriteRuleSet(cmd.OutOrStdout(), rules.DefaultRules())
		},
	}
}

func newRulesEvalCommand(rootOpts *RootOptions) *cobra.Command {
	var rulesFile, contextFile string

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a decision context against a rule set",
		Long: `Evaluate a decision context (YAML or JSON) against a rule set file.
Without --rules the default rule set is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := rules.DefaultRules()
			if rulesFile != "" {
				loaded, err := rules.LoadRuleSet(rulesFile)
				if err != nil {
					return err
				}
				set = loaded
			}

			var dc rules.Context
			if err := readInput(contextFile, &dc); err != nil {
				return err
			}

			store := rules.NewInMemoryRuleStore()
			if _, err := rules.Seed(store, set); err != nil {
				return err
			}
			engine, err := rules.NewEngine(store)
			if err != nil {
				return fmt.Errorf("failed to create decision engine: %w", err)
			}
			result, err := engine.Evaluate(dc)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, result)
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", "", "rule set file (defaults to the built-in rules)")
	cmd.Flags().StringVar(&contextFile, "context", "", "decision context file")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}
