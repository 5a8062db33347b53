package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/ingest"
)

var processDrain bool

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Classify pending raw records into curated articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("process"); err != nil {
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
		processor := ingest.NewProcessor(st, newEngine(tax), tax)

		run := processor.ProcessBatch
		if processDrain {
			run = processor.Drain
		}
		stats, err := run(ctx, cfg.Fetch.ProcessingLimit)
		if err != nil {
			return eris.Wrap(err, "process backlog")
		}

		zap.L().Info("processing complete",
			zap.Int("fetched", stats.Fetched),
			zap.Int("categorized", stats.Categorized),
			zap.Int("stored", stats.Stored),
			zap.Int("excluded", stats.ExcludedSkipped),
			zap.Int("duplicates", stats.DuplicatesClosed),
			zap.Int("failed", stats.Failed),
		)
		return nil
	},
}

func init() {
	processCmd.Flags().BoolVar(&processDrain, "drain", false, "keep processing batches until the backlog is empty")
	rootCmd.AddCommand(processCmd)
}
