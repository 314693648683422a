package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIdentityCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this device's mesh address, creating the identity if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := a.identity()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Addr())
			return nil
		},
	}
}
