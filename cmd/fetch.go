package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finbrief/news-pipeline/internal/feeds"
	"github.com/finbrief/news-pipeline/internal/fetchstate"
	"github.com/finbrief/news-pipeline/internal/ingest"
	"github.com/finbrief/news-pipeline/internal/model"
	"github.com/finbrief/news-pipeline/internal/store"
)

var fetchNoProcess bool

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch news from all configured feeds and classify the backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("fetch"); err != nil {
			return err
		}
		if !fetchNoProcess {
			if err := cfg.Validate("process"); err != nil {
				return err
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		stats, err := runFetch(ctx, st)
		if err != nil {
			return err
		}
		zap.L().Info("fetch cycle complete",
			zap.Int("fetched", stats.Total),
			zap.Int("inserted", stats.Inserted),
			zap.Int("duplicates", stats.Duplicates),
		)

		if fetchNoProcess {
			return nil
		}

		tax, err := loadTaxonomy()
		if err != nil {
			return err
		}
		processor := ingest.NewProcessor(st, newEngine(tax), tax)
		pstats, err := processor.Drain(ctx, cfg.Fetch.ProcessingLimit)
		if err != nil {
			return eris.Wrap(err, "drain backlog")
		}
		zap.L().Info("backlog drained",
			zap.Int("stored", pstats.Stored),
			zap.Int("excluded", pstats.ExcludedSkipped),
			zap.Int("failed", pstats.Failed),
		)
		return nil
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchNoProcess, "no-process", false, "fetch only, leave the backlog pending")
	rootCmd.AddCommand(fetchCmd)
}

// fetchTarget pairs an adapter with the cursor key it advances.
type fetchTarget struct {
	adapter feeds.Adapter
	symbol  string
	idPaged bool
}

func buildTargets() []fetchTarget {
	client := feeds.NewClient(feeds.ClientOptions{})
	var targets []fetchTarget

	if cfg.Finnhub.APIKey != "" {
		for _, category := range cfg.Finnhub.Categories {
			targets = append(targets, fetchTarget{
				adapter: feeds.NewFinnhubGeneral(client, cfg.Finnhub.APIKey, category),
				symbol:  model.GeneralSymbol,
				idPaged: true,
			})
		}
		company := feeds.NewFinnhubCompany(client, cfg.Finnhub.APIKey)
		for _, symbol := range cfg.Fetch.Symbols {
			targets = append(targets, fetchTarget{adapter: company, symbol: symbol})
		}
	}

	if cfg.Polygon.APIKey != "" {
		targets = append(targets, fetchTarget{
			adapter: feeds.NewPolygon(client, cfg.Polygon.APIKey, cfg.Polygon.Limit),
			symbol:  model.GeneralSymbol,
		})
	}

	return targets
}

// runFetch pulls every configured feed once and bulk-inserts the results.
// Market-wide feeds run serially; per-symbol company news fans out. Per-feed
// failures are recorded on the cursor and do not stop the cycle.
func runFetch(ctx context.Context, st store.Store) (model.InsertStats, error) {
	manager := fetchstate.NewManager(st)

	var market, company []fetchTarget
	for _, target := range buildTargets() {
		if target.symbol == model.GeneralSymbol {
			market = append(market, target)
		} else {
			company = append(company, target)
		}
	}

	var total model.InsertStats
	for _, target := range market {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		addInsertStats(&total, fetchOne(ctx, st, manager, target))
	}

	results := make([]model.InsertStats, len(company))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, target := range company {
		g.Go(func() error {
			results[i] = fetchOne(gctx, st, manager, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	for _, stats := range results {
		addInsertStats(&total, stats)
	}

	return total, nil
}

func addInsertStats(total *model.InsertStats, stats model.InsertStats) {
	total.Total += stats.Total
	total.Inserted += stats.Inserted
	total.Duplicates += stats.Duplicates
	total.Failed += stats.Failed
}

func fetchOne(ctx context.Context, st store.Store, manager *fetchstate.Manager, target fetchTarget) model.InsertStats {
	source := target.adapter.Name()
	cursor := model.FetchCursor{Symbol: target.symbol, FetchSource: source}

	req := feeds.FetchRequest{Symbol: target.symbol}
	if target.idPaged {
		minID, err := manager.MaxID(ctx, target.symbol, source)
		if err != nil {
			zap.L().Warn("cursor read failed, fetching from scratch",
				zap.String("source", source),
				zap.Error(err),
			)
		}
		req.MinID = minID
	} else {
		req.From, req.To = manager.Window(ctx, target.symbol, source, cfg.Fetch.WindowBuffer)
		cursor.LastFrom, cursor.LastTo = req.From, req.To
	}

	items, result, err := target.adapter.Fetch(ctx, req)
	if err != nil {
		zap.L().Warn("feed fetch failed",
			zap.String("source", source),
			zap.String("symbol", target.symbol),
			zap.Error(err),
		)
		cursor.Status = model.CursorStatusFailed
		cursor.ErrorMessage = err.Error()
		manager.Commit(ctx, cursor)
		return model.InsertStats{}
	}
	cursor.MaxID = result.MaxID
	cursor.Fetched = len(items)

	stats, err := st.InsertRawItems(ctx, items)
	if err != nil {
		zap.L().Warn("raw insert failed",
			zap.String("source", source),
			zap.Error(err),
		)
		cursor.Status = model.CursorStatusFailed
		cursor.ErrorMessage = err.Error()
		manager.Commit(ctx, cursor)
		return model.InsertStats{Total: len(items), Failed: len(items)}
	}
	cursor.Stored = stats.Inserted
	cursor.Status = model.CursorStatusSuccess
	manager.Commit(ctx, cursor)

	zap.L().Info("feed fetched",
		zap.String("source", source),
		zap.String("symbol", target.symbol),
		zap.Int("fetched", stats.Total),
		zap.Int("inserted", stats.Inserted),
		zap.Int("duplicates", stats.Duplicates),
	)
	return stats
}
