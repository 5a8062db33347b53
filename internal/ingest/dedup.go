package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/model"
)

// DuplicateFilter closes raw records whose URL already has a curated row,
// before any classification cost is paid.
type DuplicateFilter struct {
	store Store
}

// NewDuplicateFilter creates a filter backed by the given store.
func NewDuplicateFilter(store Store) *DuplicateFilter {
	return &DuplicateFilter{store: store}
}

// FilterCompleted marks records with an already-curated URL as COMPLETED and
// returns the remaining records plus the number filtered out.
func (f *DuplicateFilter) FilterCompleted(ctx context.Context, records []model.RawRecord) ([]model.RawRecord, int, error) {
	if len(records) == 0 {
		return records, 0, nil
	}

	urls := make([]string, 0, len(records))
	for _, r := range records {
		if r.Item.URL != "" {
			urls = append(urls, r.Item.URL)
		}
	}

	existing, err := f.store.ExistingURLs(ctx, urls)
	if err != nil {
		return nil, 0, eris.Wrap(err, "ingest: check existing urls")
	}

	remaining := records[:0]
	filtered := 0
	for _, r := range records {
		if r.Item.URL != "" && existing[r.Item.URL] {
			if err := f.store.MarkRaw(ctx, r.ID, model.StatusCompleted, "duplicate URL"); err != nil {
				zap.L().Warn("failed to close duplicate raw record",
					zap.String("id", r.ID),
					zap.Error(err),
				)
				continue
			}
			filtered++
			continue
		}
		remaining = append(remaining, r)
	}
	return remaining, filtered, nil
}
