package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the schema or layout of the configured backend",
		Long: `init opens the configured backend, which creates its tables or
directory layout when missing, and verifies that it is reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.repo.Ping(commandContext(cmd)); err != nil {
				return fmt.Errorf("ping %s backend: %w", a.cfg.Backend, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session store ready (backend=%s, codec=%s)\n", a.cfg.Backend, a.cfg.Codec)
			return nil
		},
	}
}
