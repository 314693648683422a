package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/ngmesh/ngmesh/config"
	"github.com/TheusHen/ngmesh/ngmesh/config/sqlstore"
	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

// The running daemon reads these tables at startup; restart it to apply
// changes made here.
func newWhitelistCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Edit the set of devices allowed to talk to this one",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add ADDRESS...",
			Short: "Allow devices",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				ids, err := parseIDs(args)
				if err != nil {
					return err
				}
				return a.withStore(func(s *sqlstore.Store) error {
					return s.GroupChanges(func(tx config.Tx) error {
						for _, id := range ids {
							if err := tx.WhitelistAdd(id); err != nil {
								return err
							}
						}
						return nil
					})
				})
			},
		},
		&cobra.Command{
			Use:   "rm ADDRESS...",
			Short: "Revoke devices",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				ids, err := parseIDs(args)
				if err != nil {
					return err
				}
				return a.withStore(func(s *sqlstore.Store) error {
					return s.GroupChanges(func(tx config.Tx) error {
						for _, id := range ids {
							if err := tx.WhitelistRemove(id); err != nil {
								return err
							}
						}
						return nil
					})
				})
			},
		},
		&cobra.Command{
			Use:   "ls",
			Short: "List allowed devices",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStore(func(s *sqlstore.Store) error {
					ids, err := s.Whitelist()
					if err != nil {
						return err
					}
					for _, id := range ids {
						fmt.Fprintln(cmd.OutOrStdout(), id)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func parseIDs(args []string) ([]identity.DeviceID, error) {
	ids := make([]identity.DeviceID, 0, len(args))
	for _, arg := range args {
		id, err := identity.ParseDeviceID(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
