// Command notwithout-help hosts end-to-end-encrypted contact forms: it
// serves the HTTP API, or performs the expiry sweep and store migration as
// one-off operations for an external scheduler to invoke.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "notwithout-help",
		Short: "End-to-end-encrypted contact form server",
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file (required)")
	root.MarkPersistentFlagRequired("config")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSweepExpiredCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))

	return root
}
