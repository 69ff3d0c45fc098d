package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the limbogate CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limbogate",
		Short: "Limbogate - network-wide login authority for mixed premium/cracked networks",
		Long: `Limbogate holds joining players in limbo until they prove who they
are (premium handshake, password, or second factor), keeps one
authoritative session per identity across all proxy instances, and
stores profiles in PostgreSQL, MySQL, or SQLite.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newAdminCmd())

	return cmd
}
