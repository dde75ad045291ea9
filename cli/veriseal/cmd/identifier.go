package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newIdentifierCmd returns the command which generates fresh verification
// node identifiers, the same format the node manager assigns to simulated
// nodes.
func newIdentifierCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "identifier",
		Short: "Generate verification node identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be greater than zero, got %d", count)
			}
			for range count {
				fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of identifiers to generate")
	return cmd
}
