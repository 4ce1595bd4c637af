package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cargohold-io/cargohold/internal/events"
	"github.com/cargohold-io/cargohold/internal/importer"
	"github.com/cargohold-io/cargohold/internal/mirror"
	"github.com/cargohold-io/cargohold/internal/storage"
)

type importOpts struct {
	only        string
	batchSize   int
	dryRun      bool
	upsert      bool
	profilePath string
	retries     uint64
}

func newImportCmd() *cobra.Command {
	opts := &importOpts{}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import pending staged collections into items",
		Long:  "Reads every staged collection still pending, normalizes its payload, writes items in chunks, and marks each row imported once all chunks are committed. Row failures are reported but never abort the batch.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.only, "only", "", "restrict the run to one collection key")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", importer.DefaultBatchSize, "items per insert chunk")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "plan the run without writing anything")
	cmd.Flags().BoolVar(&opts.upsert, "upsert", false, "merge on the natural key instead of insert-only")
	cmd.Flags().StringVar(&opts.profilePath, "profile", "", "YAML run profile overlaid onto the flags")
	cmd.Flags().Uint64Var(&opts.retries, "chunk-retries", 0, "extra attempts for a transient chunk failure")

	return cmd
}

func runImport(cmd *cobra.Command, opts *importOpts) error {
	importOptions := importer.Options{
		BatchSize:      opts.batchSize,
		OnlyCollection: opts.only,
		DryRun:         opts.dryRun,
		Upsert:         opts.upsert,
		ChunkRetries:   opts.retries,
		Retryable:      storage.IsTransientWriteError,
	}

	mirrorCfg := mirror.LoadConfig()

	if opts.profilePath != "" {
		profile, err := importer.LoadProfile(opts.profilePath)
		if err != nil {
			return err
		}

		profile.Apply(&importOptions)

		if profile.MirrorDelayMS > 0 {
			mirrorCfg.PaceInterval = time.Duration(profile.MirrorDelayMS) * time.Millisecond
		}
	}

	conn, store, err := openStore()
	if err != nil {
		return err
	}
	defer conn.Close()

	if !importOptions.DryRun {
		publisher := events.NewPublisher(events.LoadBrokers(), "")
		defer func() { _ = publisher.Close() }()

		importOptions.Events = publisher
	}

	var itemMirror importer.Mirror

	if mirrorCfg.Enabled() {
		docMirror, err := mirror.New(cmd.Context(), mirrorCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to mirror store: %w", err)
		}

		defer func() { _ = docMirror.Close(cmd.Context()) }()

		itemMirror = docMirror
	}

	imp, err := importer.New(store, itemMirror, importOptions)
	if err != nil {
		return err
	}

	report, err := imp.Run(cmd.Context())
	if err != nil {
		return err
	}

	printReport(cmd, report)

	return nil
}

// printReport writes the per-row summary. Row-scoped failures are visible
// here but do not change the exit code: the batch itself completed.
func printReport(cmd *cobra.Command, report *importer.Report) {
	out := cmd.OutOrStdout()

	for i := range report.Rows {
		row := &report.Rows[i]

		fmt.Fprintf(out, "%-10s %s (%s, %s): %d items in %d chunks",
			row.Status, row.CollectionKey, row.CollectionID, row.PayloadKind, row.Items, row.Chunks)

		if row.Resumed {
			fmt.Fprint(out, " [resumed]")
		}

		if row.Err != nil {
			fmt.Fprintf(out, " [%d committed: %v]", row.ChunksCommitted, row.Err)
		}

		fmt.Fprintln(out)
	}

	label := "imported"
	if report.DryRun {
		label = "planned"
	}

	fmt.Fprintf(out, "%d %s, %d skipped, %d failed in %s\n",
		report.Imported()+countPlanned(report), label, report.Skipped(), report.Failed(), report.Duration().Round(time.Millisecond))
}

func countPlanned(report *importer.Report) int {
	n := 0

	for i := range report.Rows {
		if report.Rows[i].Status == importer.RowPlanned {
			n++
		}
	}

	return n
}
