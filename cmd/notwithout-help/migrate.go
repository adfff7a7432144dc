package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store's schema if it does not already exist, and exit",
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

			fmt.Fprintln(cmd.OutOrStdout(), "store schema up to date")
			return nil
		},
	}
}
