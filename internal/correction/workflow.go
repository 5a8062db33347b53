// Package correction finds curated articles whose category drifted outside
// the taxonomy and repairs them, spending remote classification only on what
// cheap deterministic fixes cannot handle.
package correction

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/classifier"
	"github.com/finbrief/news-pipeline/internal/model"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

// fillerToken marks generic nobody-cares chatter regardless of how the
// model spelled the category.
const fillerToken = "nobody"

// Store is the slice of the persistence layer the workflow uses.
type Store interface {
	CountDrifted(ctx context.Context, allowed []string) (int, error)
	ListDrifted(ctx context.Context, allowed []string, limit int) ([]model.Article, error)
	UpdateArticleCategory(ctx context.Context, id, category string, confidence float64, errorLog string) error
}

// Classifier produces one result per input, never an error.
type Classifier interface {
	Classify(ctx context.Context, items []classifier.Input) []classifier.Result
}

// Workflow repairs taxonomy drift on curated articles. It is the only
// writer that changes category on an already-completed article.
type Workflow struct {
	store  Store
	engine Classifier
	tax    taxonomy.Taxonomy
}

// New creates a correction workflow.
func New(store Store, engine Classifier, tax taxonomy.Taxonomy) *Workflow {
	return &Workflow{store: store, engine: engine, tax: tax}
}

// FindDrifted counts articles whose category is outside the allowed
// taxonomy and not the terminal ERROR sentinel.
func (w *Workflow) FindDrifted(ctx context.Context) (int, error) {
	n, err := w.store.CountDrifted(ctx, w.tax.Allowed)
	return n, eris.Wrap(err, "correction: count drifted")
}

// PrefilterCheap applies the two deterministic passes: filler-token
// categories are force-set to the excluded sentinel, and whitespace/hyphen
// variants of valid categories are rewritten to canonical form. Returns the
// number of articles fixed without a remote call.
func (w *Workflow) PrefilterCheap(ctx context.Context) (int, error) {
	total := 0
	for {
		articles, err := w.store.ListDrifted(ctx, w.tax.Allowed, 500)
		if err != nil {
			return total, eris.Wrap(err, "correction: list drifted")
		}
		if len(articles) == 0 {
			return total, nil
		}

		fixed := 0
		for _, a := range articles {
			category, note, ok := w.cheapFix(a.Category)
			if !ok {
				continue
			}
			if err := w.store.UpdateArticleCategory(ctx, a.ID, category, a.Confidence, note); err != nil {
				zap.L().Warn("cheap fix update failed", zap.String("id", a.ID), zap.Error(err))
				continue
			}
			fixed++
		}
		total += fixed

		// Everything left in the page needs a model call.
		if fixed == 0 {
			return total, nil
		}
	}
}

// cheapFix returns the corrected category and an audit note, or ok=false
// when only a model call can repair the row.
func (w *Workflow) cheapFix(category string) (string, string, bool) {
	if strings.Contains(strings.ToLower(category), fillerToken) {
		return w.tax.FillerSentinel, "cheap fix: filler token in " + category, true
	}

	normalized := taxonomy.Normalize(category)
	if normalized != category && (w.tax.IsAllowed(normalized) || w.tax.IsExcluded(normalized)) {
		return normalized, "cheap fix: normalized from " + category, true
	}
	return "", "", false
}

// RecategorizeBatch sends up to limit still-drifted articles through the
// classification engine. ERROR results become terminal; UNCATEGORIZED
// results stay drifted for a future run.
func (w *Workflow) RecategorizeBatch(ctx context.Context, limit int) (model.RecategorizeStats, error) {
	var stats model.RecategorizeStats

	articles, err := w.store.ListDrifted(ctx, w.tax.Allowed, limit)
	if err != nil {
		return stats, eris.Wrap(err, "correction: list drifted")
	}
	stats.Fetched = len(articles)
	if len(articles) == 0 {
		return stats, nil
	}

	inputs := make([]classifier.Input, len(articles))
	for i, a := range articles {
		summary := a.Summary
		if summary == "" {
			summary = a.Title
		}
		inputs[i] = classifier.Input{Title: a.Title, Summary: summary}
	}

	results := w.engine.Classify(ctx, inputs)

	for i, a := range articles {
		res := results[i]
		switch {
		case res.Category == taxonomy.CategoryError:
			// Terminal: excluded from all future drift selection.
			if err := w.store.UpdateArticleCategory(ctx, a.ID, taxonomy.CategoryError, 0, res.ErrorReason); err != nil {
				zap.L().Warn("recategorize update failed", zap.String("id", a.ID), zap.Error(err))
				continue
			}
			stats.Failed++
		case res.Category == taxonomy.Uncategorized:
			// Still drifted; a future run retries.
		case w.tax.IsExcluded(res.Category):
			if err := w.store.UpdateArticleCategory(ctx, a.ID, res.Category, res.Confidence, ""); err != nil {
				zap.L().Warn("recategorize update failed", zap.String("id", a.ID), zap.Error(err))
				continue
			}
			stats.ExcludedMarked++
		default:
			if err := w.store.UpdateArticleCategory(ctx, a.ID, res.Category, res.Confidence, ""); err != nil {
				zap.L().Warn("recategorize update failed", zap.String("id", a.ID), zap.Error(err))
				continue
			}
			stats.Updated++
		}
	}

	zap.L().Info("recategorized batch",
		zap.Int("fetched", stats.Fetched),
		zap.Int("updated", stats.Updated),
		zap.Int("excluded_marked", stats.ExcludedMarked),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// Run executes the full correction cycle: cheap passes first, then batched
// model calls until the drifted set is drained or a pass repairs nothing
// (so still-UNCATEGORIZED rows cannot loop forever within one invocation).
func (w *Workflow) Run(ctx context.Context, limit int) (model.RecategorizeStats, error) {
	var total model.RecategorizeStats

	drifted, err := w.FindDrifted(ctx)
	if err != nil {
		return total, err
	}
	if drifted == 0 {
		return total, nil
	}
	zap.L().Info("drift detected", zap.Int("count", drifted))

	cheap, err := w.PrefilterCheap(ctx)
	if err != nil {
		return total, err
	}
	if cheap > 0 {
		zap.L().Info("repaired without model calls", zap.Int("count", cheap))
	}

	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		stats, err := w.RecategorizeBatch(ctx, limit)
		total.Add(stats)
		if err != nil {
			return total, err
		}
		if stats.Fetched == 0 || stats.Updated+stats.ExcludedMarked+stats.Failed == 0 {
			return total, nil
		}
	}
}
