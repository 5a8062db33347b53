// Package store persists raw ingest records, curated articles, and fetch
// cursors. Two backends implement the same interface: Postgres for
// production and SQLite for local runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/finbrief/news-pipeline/internal/model"
)

// ErrDuplicateURL is returned by InsertArticle when the curated table
// already holds a row with the same URL. Callers treat it as a no-op
// completion, not a failure.
var ErrDuplicateURL = eris.New("store: duplicate article url")

// Store defines the persistence interface for the news pipeline.
type Store interface {
	// Raw ingest records
	InsertRawItems(ctx context.Context, items []model.NormalizedItem) (model.InsertStats, error)
	PendingRaw(ctx context.Context, limit int) ([]model.RawRecord, error)
	MarkRaw(ctx context.Context, id string, status model.ProcessingStatus, errorLog string) error
	ResetFailedRaw(ctx context.Context, limit int) (int, error)
	RawStatusCounts(ctx context.Context) (model.RawStats, error)

	// Curated articles
	InsertArticle(ctx context.Context, a model.Article) error
	ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error)
	CountDrifted(ctx context.Context, allowed []string) (int, error)
	ListDrifted(ctx context.Context, allowed []string, limit int) ([]model.Article, error)
	UpdateArticleCategory(ctx context.Context, id, category string, confidence float64, errorLog string) error
	CategoryCounts(ctx context.Context) (map[string]int, error)

	// Fetch cursors
	LatestPublished(ctx context.Context, symbol, fetchSource string) (time.Time, error)
	GetCursor(ctx context.Context, symbol, fetchSource string) (*model.FetchCursor, error)
	UpsertCursor(ctx context.Context, c model.FetchCursor) error
	DeleteCursor(ctx context.Context, symbol, fetchSource string) error
	ListCursors(ctx context.Context) ([]model.FetchCursor, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// driftedSet returns the category list a curated row must NOT be in to need
// correction: the allowed taxonomy plus the terminal ERROR sentinel.
func driftedSet(allowed []string) []string {
	out := make([]string, 0, len(allowed)+1)
	out = append(out, allowed...)
	return append(out, "ERROR")
}
