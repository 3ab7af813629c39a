package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check <reference-id>...",
		Short: "Verify reference ids exist in both the content and embedding tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.wire(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			inconsistent := 0
			for _, ref := range args {
				ok, err := a.Items.CheckConsistency(cmd.Context(), ref)
				if err != nil {
					return fmt.Errorf("check %s: %w", ref, err)
				}
				state := "consistent"
				if !ok {
					state = "inconsistent"
					inconsistent++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref, state)
			}
			if inconsistent > 0 {
				return fmt.Errorf("%d of %d references are inconsistent", inconsistent, len(args))
			}
			return nil
		},
	}
}
