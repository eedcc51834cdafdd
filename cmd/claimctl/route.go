package main

import (
	"github.com/spf13/cobra"

	"github.com/liamcoop/claims/routing"
)

// RouteOutput is the eligibility result with the path it selects.
type RouteOutput struct {
	Path   string          `json:"path"`
	Result *routing.Result `json:"result"`
}

// NewRouteCommand creates the route command.
func NewRouteCommand(rootOpts *RootOptions) *cobra.Command {
	var inputFile string
	var threshold float64

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Score a claim against the fast-track eligibility criteria",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in routing.Input
			if err := readInput(inputFile, &in); err != nil {
				return err
			}

			cfg := routing.DefaultConfig()
			if cmd.Flags().Changed("threshold") {
				cfg.Threshold = threshold
			}
			engine, err := routing.NewEngine(cfg)
			if err != nil {
				return err
			}
			path, result := engine.Route(in)
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, RouteOutput{Path: path, Result: result})
		},
	}

	cmd.Flags().StringVar(&inputFile, "input", "", "routing input file (YAML or JSON)")
	cmd.Flags().Float64Var(&threshold, "threshold", routing.DefaultConfig().Threshold, "fast-track score threshold")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
