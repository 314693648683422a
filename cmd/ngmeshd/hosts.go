package main

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/spf13/cobra"

	"github.com/TheusHen/ngmesh/ngmesh/config/sqlstore"
)

func newHostsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Edit the mesh host table",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add HOSTNAME ADDRESS",
			Short: "Name a mesh address",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				addr, err := netip.ParseAddr(args[1])
				if err != nil {
					return err
				}
				return a.withStore(func(s *sqlstore.Store) error {
					return s.HostTableAdd(args[0], addr)
				})
			},
		},
		&cobra.Command{
			Use:   "rm HOSTNAME",
			Short: "Remove a host table entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return a.withStore(func(s *sqlstore.Store) error {
					return s.HostTableRemove(args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "ls",
			Short: "List host table entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStore(func(s *sqlstore.Store) error {
					hosts, err := s.HostTable()
					if err != nil {
						return err
					}
					names := make([]string, 0, len(hosts))
					for name := range hosts {
						names = append(names, name)
					}
					sort.Strings(names)
					for _, name := range names {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", hosts[name], name)
					}
					return nil
				})
			},
		},
	)
	return cmd
}
