package main

import (
	"github.com/spf13/cobra"

	"github.com/metalagman/deeprun/internal/governance"
	"github.com/metalagman/deeprun/internal/kernel"
)

func decideCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "decide <run-id>",
		Short: "Compute the signed governance decision for a terminal run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k *kernel.Kernel
			teardown, err := withRuntime(cmd.Context(), &k)
			if err != nil {
				return err
			}
			defer teardown()

			decision, err := k.Decide(cmd.Context(), args[0], governance.Options{
				StrictV1Ready: strict,
			})
			if err != nil {
				return err
			}
			return printJSON(decision)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict-v1-ready", false, "also require a passing v1-ready report")
	return cmd
}
