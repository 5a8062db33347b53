package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbrief/news-pipeline/internal/model"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testItem(url, title string) model.NormalizedItem {
	return model.NormalizedItem{
		Source:      "finnhub",
		ExternalID:  "ext-1",
		URL:         url,
		Title:       title,
		Summary:     "summary of " + title,
		PublishedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Symbol:      model.GeneralSymbol,
	}
}

func TestSQLite_InsertRawItems_Dedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.InsertRawItems(ctx, []model.NormalizedItem{
		testItem("https://example.com/a", "first"),
		testItem("https://example.com/b", "second"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 0, stats.Duplicates)

	// Same canonical URLs again: all duplicates, zero inserted.
	stats, err = s.InsertRawItems(ctx, []model.NormalizedItem{
		testItem("https://example.com/a", "first"),
		testItem("HTTPS://EXAMPLE.COM/b", "second variant host case"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 2, stats.Duplicates)

	raw, err := s.RawStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, raw.Total)
	assert.Equal(t, 2, raw.Pending)
}

func TestSQLite_PendingRaw_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRawItems(ctx, []model.NormalizedItem{testItem("https://example.com/old", "old")})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.InsertRawItems(ctx, []model.NormalizedItem{testItem("https://example.com/new", "new")})
	require.NoError(t, err)

	records, err := s.PendingRaw(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "old", records[0].Item.Title)
	assert.Equal(t, "new", records[1].Item.Title)
	assert.Equal(t, model.StatusPending, records[0].Status)
	assert.NotEmpty(t, records[0].ContentHash)
}

func TestSQLite_MarkRaw_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRawItems(ctx, []model.NormalizedItem{testItem("https://example.com/a", "a")})
	require.NoError(t, err)
	records, err := s.PendingRaw(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	id := records[0].ID

	require.NoError(t, s.MarkRaw(ctx, id, model.StatusProcessing, ""))
	require.NoError(t, s.MarkRaw(ctx, id, model.StatusFailed, "insert blew up"))

	stats, err := s.RawStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)

	// Reset moves it back to pending and clears the error.
	n, err := s.ResetFailedRaw(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err = s.PendingRaw(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].ErrorLog)
}

func TestSQLite_MarkRaw_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkRaw(context.Background(), "missing-id", model.StatusCompleted, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_InsertArticle_DuplicateURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := model.Article{
		Title:       "Apple beats",
		URL:         "https://example.com/apple",
		Source:      "Reuters",
		FetchSource: "finnhub",
		PublishedAt: time.Now().UTC(),
		Category:    "CORPORATE_EARNINGS",
		Symbol:      "AAPL",
		Confidence:  0.93,
	}
	require.NoError(t, s.InsertArticle(ctx, a))

	err := s.InsertArticle(ctx, a)
	assert.ErrorIs(t, err, ErrDuplicateURL)

	existing, err := s.ExistingURLs(ctx, []string{"https://example.com/apple", "https://example.com/other"})
	require.NoError(t, err)
	assert.True(t, existing["https://example.com/apple"])
	assert.False(t, existing["https://example.com/other"])
}

func TestSQLite_DriftedSelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tax := taxonomy.Default()

	insert := func(url, category string) {
		t.Helper()
		require.NoError(t, s.InsertArticle(ctx, model.Article{
			Title:       url,
			URL:         url,
			PublishedAt: time.Now().UTC(),
			Category:    category,
		}))
	}

	insert("https://example.com/1", "CORPORATE_EARNINGS") // allowed
	insert("https://example.com/2", taxonomy.CategoryError)
	insert("https://example.com/3", taxonomy.Uncategorized)
	insert("https://example.com/4", "corporate  actions") // drifted variant
	insert("https://example.com/5", "TOTALLY_MADE_UP")

	count, err := s.CountDrifted(ctx, tax.Allowed)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	drifted, err := s.ListDrifted(ctx, tax.Allowed, 10)
	require.NoError(t, err)
	require.Len(t, drifted, 3)
	for _, a := range drifted {
		assert.NotEqual(t, "CORPORATE_EARNINGS", a.Category)
		assert.NotEqual(t, taxonomy.CategoryError, a.Category)
	}
}

func TestSQLite_DriftedZeroOnCleanStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tax := taxonomy.Default()

	require.NoError(t, s.InsertArticle(ctx, model.Article{
		Title: "a", URL: "https://example.com/a", PublishedAt: time.Now().UTC(),
		Category: "MACRO_ECONOMY",
	}))
	require.NoError(t, s.InsertArticle(ctx, model.Article{
		Title: "b", URL: "https://example.com/b", PublishedAt: time.Now().UTC(),
		Category: taxonomy.CategoryError,
	}))

	count, err := s.CountDrifted(ctx, tax.Allowed)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSQLite_UpdateArticleCategory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := model.Article{
		ID:          "art-1",
		Title:       "x",
		URL:         "https://example.com/x",
		PublishedAt: time.Now().UTC(),
		Category:    taxonomy.Uncategorized,
		ErrorLog:    "previous failure",
	}
	require.NoError(t, s.InsertArticle(ctx, a))

	require.NoError(t, s.UpdateArticleCategory(ctx, "art-1", "INCIDENT_LEGAL", 0.88, ""))

	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["INCIDENT_LEGAL"])
	assert.Equal(t, 0, counts[taxonomy.Uncategorized])

	err = s.UpdateArticleCategory(ctx, "missing", "INCIDENT_LEGAL", 0.5, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_CursorLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Absent cursor reads as nil, nil.
	c, err := s.GetCursor(ctx, "AAPL", "finnhub")
	require.NoError(t, err)
	assert.Nil(t, c)

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	require.NoError(t, s.UpsertCursor(ctx, model.FetchCursor{
		Symbol: "AAPL", FetchSource: "finnhub",
		LastFrom: from, LastTo: to,
		Fetched: 10, Stored: 8, Status: "success",
	}))

	c, err = s.GetCursor(ctx, "AAPL", "finnhub")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 10, c.Fetched)
	assert.True(t, c.LastTo.Equal(to))

	require.NoError(t, s.DeleteCursor(ctx, "AAPL", "finnhub"))
	c, err = s.GetCursor(ctx, "AAPL", "finnhub")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSQLite_CursorWatermarkMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCursor(ctx, model.FetchCursor{
		Symbol: model.GeneralSymbol, FetchSource: "finnhub", MaxID: 100, Status: "success",
	}))

	// A stale observation must never decrease the watermark.
	require.NoError(t, s.UpsertCursor(ctx, model.FetchCursor{
		Symbol: model.GeneralSymbol, FetchSource: "finnhub", MaxID: 40, Status: "success",
	}))

	c, err := s.GetCursor(ctx, model.GeneralSymbol, "finnhub")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(100), c.MaxID)

	require.NoError(t, s.UpsertCursor(ctx, model.FetchCursor{
		Symbol: model.GeneralSymbol, FetchSource: "finnhub", MaxID: 250, Status: "success",
	}))
	c, err = s.GetCursor(ctx, model.GeneralSymbol, "finnhub")
	require.NoError(t, err)
	assert.Equal(t, int64(250), c.MaxID)
}

func TestSQLite_LatestPublished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(url, source, symbol string, published time.Time) model.NormalizedItem {
		it := testItem(url, url)
		it.Source = source
		it.Symbol = symbol
		it.PublishedAt = published
		return it
	}

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	_, err := s.InsertRawItems(ctx, []model.NormalizedItem{
		mk("https://example.com/1", "finnhub_company_AAPL", "AAPL", base),
		mk("https://example.com/2", "finnhub_company_AAPL", "AAPL", base.Add(2*time.Hour)),
		mk("https://example.com/3", "finnhub_company_TSLA", "TSLA", base.Add(6*time.Hour)),
		mk("https://example.com/4", "polygon", "MSFT", base.Add(time.Hour)),
	})
	require.NoError(t, err)

	// Company rows are matched through the suffixed source name, per symbol.
	ts, err := s.LatestPublished(ctx, "AAPL", "finnhub_company")
	require.NoError(t, err)
	assert.True(t, ts.Equal(base.Add(2*time.Hour)))

	// The GENERAL cursor covers rows carrying any symbol.
	ts, err = s.LatestPublished(ctx, model.GeneralSymbol, "polygon")
	require.NoError(t, err)
	assert.True(t, ts.Equal(base.Add(time.Hour)))

	// No rows for the key yet: zero time, no error.
	ts, err = s.LatestPublished(ctx, "NVDA", "finnhub_company")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestSQLite_ListCursors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCursor(ctx, model.FetchCursor{Symbol: "MSFT", FetchSource: "polygon", Status: "success"}))
	require.NoError(t, s.UpsertCursor(ctx, model.FetchCursor{Symbol: "AAPL", FetchSource: "finnhub", Status: "failed", ErrorMessage: "boom"}))

	cursors, err := s.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, "AAPL", cursors[0].Symbol)
	assert.Equal(t, "boom", cursors[0].ErrorMessage)
	assert.Equal(t, "MSFT", cursors[1].Symbol)
}
