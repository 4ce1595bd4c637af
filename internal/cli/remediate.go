package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cargohold-io/cargohold/internal/reconcile"
)

func newRemediateCmd() *cobra.Command {
	remediateCmd := &cobra.Command{
		Use:   "remediate",
		Short: "Repair detected drift",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	remediateCmd.AddCommand(
		newRemediateCountsCmd(),
		newRemediateOrphansCmd(),
		newRemediateNamesCmd(),
	)

	return remediateCmd
}

func newRemediateCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Rewrite cached item counts from the live counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer conn.Close()

			fixed, err := engine.RenormalizeCounts(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "renormalized %d cached counts\n", fixed)

			return nil
		},
	}
}

func newRemediateOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphans <nullify|relabel|delete>",
		Short: "Clean up orphaned items with the given strategy",
		Long:  "nullify keeps the items but clears the dangling parent reference, relabel moves them under an orphaned:<parent-id> pseudo collection name, delete removes them. delete is destructive and not reversible.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := reconcile.ParseOrphanMode(args[0])
			if err != nil {
				return err
			}

			conn, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer conn.Close()

			affected, err := engine.CleanupOrphans(cmd.Context(), mode)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s applied to %d orphaned items\n", mode, affected)

			return nil
		},
	}
}

func newRemediateNamesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "names",
		Short: "Backfill missing collection names from the collection key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer conn.Close()

			fixed, err := engine.SyncCollectionNames(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "backfilled %d collection names\n", fixed)

			return nil
		},
	}
}
