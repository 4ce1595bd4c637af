// Package cli wires the cargoctl command tree: batch import, audit,
// consistency check, orphan inspection, and remediation.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the cargoctl root command with all subcommands attached.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "cargoctl",
		Short:   "Operator tooling for the Cargohold migration pipeline",
		Long:    "cargoctl drives the staged migration pipeline: importing staged collections into items, auditing data quality, and remediating drift.",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newImportCmd(),
		newAuditCmd(),
		newCheckCmd(),
		newOrphansCmd(),
		newRemediateCmd(),
	)

	return rootCmd
}
