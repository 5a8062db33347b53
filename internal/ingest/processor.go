// Package ingest drives raw records through classification into the curated
// store. It is the only writer of raw-record lifecycle transitions.
package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/classifier"
	"github.com/finbrief/news-pipeline/internal/model"
	"github.com/finbrief/news-pipeline/internal/store"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

// Store is the slice of the persistence layer the orchestrator uses.
type Store interface {
	PendingRaw(ctx context.Context, limit int) ([]model.RawRecord, error)
	MarkRaw(ctx context.Context, id string, status model.ProcessingStatus, errorLog string) error
	ResetFailedRaw(ctx context.Context, limit int) (int, error)
	InsertArticle(ctx context.Context, a model.Article) error
	ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error)
}

// Classifier produces one result per input, never an error.
type Classifier interface {
	Classify(ctx context.Context, items []classifier.Input) []classifier.Result
}

// Processor moves pending raw records through classification.
type Processor struct {
	store  Store
	engine Classifier
	tax    taxonomy.Taxonomy
	dedup  *DuplicateFilter
}

// NewProcessor creates a Processor.
func NewProcessor(s Store, engine Classifier, tax taxonomy.Taxonomy) *Processor {
	return &Processor{
		store:  s,
		engine: engine,
		tax:    tax,
		dedup:  NewDuplicateFilter(s),
	}
}

// ProcessBatch classifies up to limit pending raw records, oldest first.
// Every per-item failure degrades to a FAILED raw record; the batch itself
// only errors when the store is unreachable.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (model.ProcessStats, error) {
	var stats model.ProcessStats

	records, err := p.store.PendingRaw(ctx, limit)
	if err != nil {
		return stats, eris.Wrap(err, "ingest: load pending")
	}
	stats.Fetched = len(records)
	if len(records) == 0 {
		return stats, nil
	}

	records, filtered, err := p.dedup.FilterCompleted(ctx, records)
	if err != nil {
		return stats, err
	}
	stats.DuplicatesClosed = filtered
	if filtered > 0 {
		zap.L().Info("closed duplicate raw records", zap.Int("count", filtered))
	}

	// Records without a title stay pending: the cause may be an upstream
	// write race, so a later pass gets another look.
	classifiable := records[:0]
	for _, r := range records {
		if r.Item.Title == "" {
			continue
		}
		classifiable = append(classifiable, r)
	}
	if len(classifiable) == 0 {
		return stats, nil
	}

	inputs := make([]classifier.Input, len(classifiable))
	for i, r := range classifiable {
		summary := r.Item.Summary
		if summary == "" {
			summary = r.Item.Title
		}
		inputs[i] = classifier.Input{Title: r.Item.Title, Summary: summary}
		if err := p.store.MarkRaw(ctx, r.ID, model.StatusProcessing, ""); err != nil {
			zap.L().Warn("failed to mark raw processing", zap.String("id", r.ID), zap.Error(err))
		}
	}

	results := p.engine.Classify(ctx, inputs)

	for i, r := range classifiable {
		p.applyResult(ctx, r, results[i], &stats)
	}

	zap.L().Info("processed batch",
		zap.Int("fetched", stats.Fetched),
		zap.Int("categorized", stats.Categorized),
		zap.Int("stored", stats.Stored),
		zap.Int("excluded", stats.ExcludedSkipped),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// applyResult finalizes one raw record from its classification result.
func (p *Processor) applyResult(ctx context.Context, r model.RawRecord, res classifier.Result, stats *model.ProcessStats) {
	if res.Category != taxonomy.CategoryError {
		stats.Categorized++
	}

	// Non-substantive content completes without a curated row. Intentional
	// filtering, not an error.
	if p.tax.IsExcluded(res.Category) {
		p.markRaw(ctx, r.ID, model.StatusCompleted, "")
		stats.ExcludedSkipped++
		return
	}

	article := p.buildArticle(r, res)

	// ERROR results are persisted for audit, then the raw record fails.
	if res.Category == taxonomy.CategoryError {
		if err := p.store.InsertArticle(ctx, article); err != nil && !eris.Is(err, store.ErrDuplicateURL) {
			zap.L().Warn("failed to persist error article", zap.String("id", r.ID), zap.Error(err))
		}
		p.markRaw(ctx, r.ID, model.StatusFailed, res.ErrorReason)
		stats.Failed++
		return
	}

	err := p.store.InsertArticle(ctx, article)
	switch {
	case err == nil:
		p.markRaw(ctx, r.ID, model.StatusCompleted, "")
		stats.Stored++
	case eris.Is(err, store.ErrDuplicateURL):
		// Another run curated this URL already.
		p.markRaw(ctx, r.ID, model.StatusCompleted, "duplicate URL")
		stats.DuplicatesClosed++
	default:
		p.markRaw(ctx, r.ID, model.StatusFailed, err.Error())
		stats.Failed++
	}
}

func (p *Processor) buildArticle(r model.RawRecord, res classifier.Result) model.Article {
	symbol := res.Symbol
	if symbol == "" {
		symbol = r.Item.Symbol
	}
	if symbol == "" {
		symbol = model.GeneralSymbol
	}

	return model.Article{
		Title:       r.Item.Title,
		Summary:     r.Item.Summary,
		URL:         r.Item.URL,
		Source:      r.Item.Source,
		FetchSource: r.Item.Source,
		PublishedAt: r.Item.PublishedAt,
		Category:    res.Category,
		Symbol:      symbol,
		Confidence:  res.Confidence,
		ErrorLog:    res.ErrorReason,
	}
}

func (p *Processor) markRaw(ctx context.Context, id string, status model.ProcessingStatus, errorLog string) {
	if err := p.store.MarkRaw(ctx, id, status, errorLog); err != nil {
		zap.L().Warn("failed to mark raw record",
			zap.String("id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// Drain runs ProcessBatch until a pass fetches nothing. Callers bound it
// with a context deadline.
func (p *Processor) Drain(ctx context.Context, limit int) (model.ProcessStats, error) {
	var total model.ProcessStats
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		stats, err := p.ProcessBatch(ctx, limit)
		total.Add(stats)
		if err != nil {
			return total, err
		}
		if stats.Fetched == 0 || stats.Progress() == 0 {
			return total, nil
		}
	}
}

// ResetFailed moves up to limit FAILED raw records back to PENDING. Operator
// escape hatch for records failed by transient causes.
func (p *Processor) ResetFailed(ctx context.Context, limit int) (int, error) {
	n, err := p.store.ResetFailedRaw(ctx, limit)
	if err != nil {
		return 0, eris.Wrap(err, "ingest: reset failed")
	}
	if n > 0 {
		zap.L().Info("reset failed raw records", zap.Int("count", n))
	}
	return n, nil
}
