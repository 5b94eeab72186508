package main

import (
	"github.com/ggoodman/oauth2-bearer-go/internal/discovery"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Fetch and print the issuer's discovery metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireIssuer(); err != nil {
				return err
			}
			log, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			meta, err := discovery.NewCache(g.client(), discovery.WithLogger(log)).Discover(cmd.Context(), g.issuer)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), meta)
		},
	}
}
