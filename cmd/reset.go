package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/ingest"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

var resetFailedLimit int

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Move failed raw records back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		processor := ingest.NewProcessor(st, nil, loadTaxonomyOrDefault())
		n, err := processor.ResetFailed(ctx, resetFailedLimit)
		if err != nil {
			return err
		}

		zap.L().Info("reset complete", zap.Int("records", n))
		return nil
	},
}

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor SYMBOL SOURCE",
	Short: "Delete the fetch cursor for one (symbol, source) pair",
	Long:  "The next fetch for that pair starts from the default 24h backfill window (or from scratch for ID-paginated feeds).",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if err := st.DeleteCursor(ctx, args[0], args[1]); err != nil {
			return eris.Wrapf(err, "delete cursor %s/%s", args[0], args[1])
		}

		zap.L().Info("cursor deleted",
			zap.String("symbol", args[0]),
			zap.String("fetch_source", args[1]),
		)
		return nil
	},
}

func loadTaxonomyOrDefault() taxonomy.Taxonomy {
	t, err := loadTaxonomy()
	if err != nil {
		zap.L().Warn("taxonomy load failed, using built-in default", zap.Error(err))
		return taxonomy.Default()
	}
	return t
}

func init() {
	resetFailedCmd.Flags().IntVar(&resetFailedLimit, "limit", 100, "max records to reset")
	rootCmd.AddCommand(resetFailedCmd)
	rootCmd.AddCommand(resetCursorCmd)
}
