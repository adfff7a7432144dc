package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepExpiredCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-expired",
		Short: "Delete every form whose expires_at has passed, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			persistentStore, err := cfg.Store.Open()
			if err != nil {
				return err
			}
			defer persistentStore.Close()

			n, err := persistentStore.DeleteExpiredForms(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired form(s)\n", n)
			return nil
		},
	}
}
