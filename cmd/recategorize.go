package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/correction"
	"github.com/finbrief/news-pipeline/internal/ingest"
)

var recategorizeLimit int

var recategorizeCmd = &cobra.Command{
	Use:   "recategorize",
	Short: "Repair curated articles whose category drifted outside the taxonomy",
	Long: "Resets failed raw records, drains the pending backlog, then runs the " +
		"drift correction workflow: deterministic fixes first, model calls for the rest.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("recategorize"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		tax, err := loadTaxonomy()
		if err != nil {
			return err
		}
		engine := newEngine(tax)

		// Give previously failed records another chance before correcting
		// what is already curated.
		processor := ingest.NewProcessor(st, engine, tax)
		reset, err := processor.ResetFailed(ctx, recategorizeLimit)
		if err != nil {
			return err
		}
		if reset > 0 {
			if _, err := processor.Drain(ctx, cfg.Fetch.ProcessingLimit); err != nil {
				return eris.Wrap(err, "drain reset backlog")
			}
		}

		workflow := correction.New(st, engine, tax)
		stats, err := workflow.Run(ctx, recategorizeLimit)
		if err != nil {
			return eris.Wrap(err, "correction run")
		}

		zap.L().Info("recategorization complete",
			zap.Int("reset", reset),
			zap.Int("updated", stats.Updated),
			zap.Int("excluded_marked", stats.ExcludedMarked),
			zap.Int("failed", stats.Failed),
		)
		return nil
	},
}

func init() {
	recategorizeCmd.Flags().IntVar(&recategorizeLimit, "limit", 50, "max articles per correction batch")
	rootCmd.AddCommand(recategorizeCmd)
}
