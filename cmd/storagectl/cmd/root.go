package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var adminAddr string

var rootCmd = &cobra.Command{
	Use:   "storagectl",
	Short: "Query a running storaged's admin status surface",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:9400", "storaged admin HTTP address")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
