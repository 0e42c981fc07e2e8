package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kfarnham/hwkey-bridge/internal/hwkey"
)

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connected hardware keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := hwkey.Discover()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no hardware keys found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
