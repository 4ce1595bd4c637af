package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Scan staged collections for missing names and persist a snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer conn.Close()

			snapshot, err := engine.RunAudit(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "audit %s: %d rows scanned, %d missing a collection name\n",
				snapshot.ID, snapshot.TotalRows, snapshot.MissingCount)

			for _, row := range snapshot.MissingSample {
				fmt.Fprintf(out, "  %s key=%q migrated_at=%s\n",
					row.ID, row.CollectionKey, row.MigratedAt.Format("2006-01-02 15:04:05"))
			}

			fmt.Fprintln(out, snapshot.Notes)

			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compare cached item counts against live counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer conn.Close()

			mismatches, err := engine.RunConsistencyCheck(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if len(mismatches) == 0 {
				fmt.Fprintln(out, "no count drift detected")

				return nil
			}

			for _, m := range mismatches {
				fmt.Fprintf(out, "%s (%s): cached=%d live=%d diff=%+d\n",
					m.CollectionKey, m.CollectionID, m.CachedCount, m.LiveCount, m.Diff())
			}

			fmt.Fprintf(out, "%d collections with count drift\n", len(mismatches))

			return nil
		},
	}
}

func newOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List items whose parent staged collection no longer exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer conn.Close()

			orphans, err := engine.FindOrphans(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if len(orphans) == 0 {
				fmt.Fprintln(out, "no orphaned items")

				return nil
			}

			for _, item := range orphans {
				fmt.Fprintf(out, "%s collection=%q index=%d imported_at=%s\n",
					item.ID, item.CollectionName, item.ItemIndex,
					item.ImportedAt.Format("2006-01-02 15:04:05"))
			}

			fmt.Fprintf(out, "%d orphaned items\n", len(orphans))

			return nil
		},
	}
}
