package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/classifier"
	"github.com/finbrief/news-pipeline/internal/store"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
	"github.com/finbrief/news-pipeline/pkg/zhipu"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "news.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func loadTaxonomy() (taxonomy.Taxonomy, error) {
	if cfg.Taxonomy.Path == "" {
		return taxonomy.Default(), nil
	}
	tax, err := taxonomy.LoadFile(cfg.Taxonomy.Path)
	if err != nil {
		return taxonomy.Taxonomy{}, eris.Wrap(err, "load taxonomy")
	}
	zap.L().Info("loaded taxonomy override",
		zap.String("path", cfg.Taxonomy.Path),
		zap.String("version", tax.Version),
	)
	return tax, nil
}

func newEngine(tax taxonomy.Taxonomy) *classifier.Engine {
	client := zhipu.NewClient(cfg.LLM.APIKey,
		zhipu.WithBaseURL(cfg.LLM.BaseURL),
		zhipu.WithModel(cfg.LLM.Model),
		zhipu.WithTimeout(cfg.LLM.Timeout),
	)
	return classifier.New(client, classifier.Config{
		Model:            cfg.LLM.Model,
		FallbackModel:    cfg.LLM.FallbackModel,
		Temperature:      cfg.LLM.Temperature,
		BatchSize:        cfg.LLM.BatchSize,
		BatchDelay:       cfg.LLM.BatchDelay,
		Concurrency:      int64(cfg.LLM.Concurrency),
		MaxRetries:       cfg.LLM.MaxRetries,
		RateLimitBackoff: cfg.LLM.RateLimitBackoff,
		TransientBackoff: cfg.LLM.TransientBackoff,
	}, tax)
}
