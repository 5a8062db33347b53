package correction

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbrief/news-pipeline/internal/classifier"
	"github.com/finbrief/news-pipeline/internal/model"
	"github.com/finbrief/news-pipeline/internal/store"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

type stubEngine struct {
	mu      sync.Mutex
	results map[string]classifier.Result
	calls   int
}

func (s *stubEngine) Classify(_ context.Context, items []classifier.Input) []classifier.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make([]classifier.Result, len(items))
	for i, it := range items {
		if r, ok := s.results[it.Title]; ok {
			out[i] = r
		} else {
			out[i] = classifier.Result{Category: taxonomy.Uncategorized}
		}
	}
	return out
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedArticle(t *testing.T, s *store.SQLiteStore, id, title, category string) {
	t.Helper()
	require.NoError(t, s.InsertArticle(context.Background(), model.Article{
		ID:          id,
		Title:       title,
		URL:         "https://example.com/" + id,
		PublishedAt: time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC),
		Category:    category,
		Confidence:  0.5,
	}))
}

func TestFindDrifted(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s, "a1", "fine", "CORPORATE_EARNINGS")
	seedArticle(t, s, "a2", "terminal", taxonomy.CategoryError)
	seedArticle(t, s, "a3", "retry me", taxonomy.Uncategorized)
	seedArticle(t, s, "a4", "hallucinated", "STONKS")

	w := New(s, &stubEngine{}, taxonomy.Default())
	n, err := w.FindDrifted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPrefilterCheap_NormalizesSpacedVariant(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s, "a1", "spaced", "corporate  actions")

	engine := &stubEngine{}
	w := New(s, engine, taxonomy.Default())

	fixed, err := w.PrefilterCheap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assert.Equal(t, 0, engine.calls) // deterministic fix, no remote cost

	counts, err := s.CategoryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["CORPORATE_ACTIONS"])
}

func TestPrefilterCheap_FillerTokenForcedToSentinel(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s, "a1", "filler", "Macro Nobody Cares")

	w := New(s, &stubEngine{}, taxonomy.Default())
	fixed, err := w.PrefilterCheap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	counts, err := s.CategoryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["MACRO_NOBODY"])
}

func TestPrefilterCheap_LeavesTrueDrift(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s, "a1", "unknown", "STONKS")
	seedArticle(t, s, "a2", "retry", taxonomy.Uncategorized)

	w := New(s, &stubEngine{}, taxonomy.Default())
	fixed, err := w.PrefilterCheap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fixed)

	n, err := w.FindDrifted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecategorizeBatch_Outcomes(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s, "a1", "fixable", taxonomy.Uncategorized)
	seedArticle(t, s, "a2", "still vague", taxonomy.Uncategorized)
	seedArticle(t, s, "a3", "actually fluff", "STONKS")
	seedArticle(t, s, "a4", "hopeless", "LEGACY_CAT")

	engine := &stubEngine{results: map[string]classifier.Result{
		"fixable":        {Category: "INCIDENT_LEGAL", Confidence: 0.9},
		"actually fluff": {Category: "NON_FINANCIAL", Confidence: 0.95},
		"hopeless":       {Category: taxonomy.CategoryError, ErrorReason: "parse failed"},
	}}
	w := New(s, engine, taxonomy.Default())

	stats, err := w.RecategorizeBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Fetched)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.ExcludedMarked)
	assert.Equal(t, 1, stats.Failed)

	counts, err := s.CategoryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["INCIDENT_LEGAL"])
	assert.Equal(t, 1, counts["NON_FINANCIAL"])
	assert.Equal(t, 1, counts[taxonomy.CategoryError])
	assert.Equal(t, 1, counts[taxonomy.Uncategorized]) // still drifted, future run

	// ERROR is terminal: it no longer counts as drifted.
	n, err := w.FindDrifted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_FullCycle(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s, "a1", "spaced", "market-sentiment")
	seedArticle(t, s, "a2", "needs model", taxonomy.Uncategorized)

	engine := &stubEngine{results: map[string]classifier.Result{
		"needs model": {Category: "GEOPOLITICAL_EVENT", Confidence: 0.85},
	}}
	w := New(s, engine, taxonomy.Default())

	stats, err := w.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	n, err := w.FindDrifted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRun_NoDriftNoModelCalls(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s, "a1", "fine", "MACRO_ECONOMY")

	engine := &stubEngine{}
	w := New(s, engine, taxonomy.Default())

	stats, err := w.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, model.RecategorizeStats{}, stats)
	assert.Equal(t, 0, engine.calls)
}

func TestRun_StopsWhenPassRepairsNothing(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s, "a1", "forever vague", taxonomy.Uncategorized)

	// Engine keeps answering UNCATEGORIZED; the loop must stop after one
	// unproductive pass instead of spinning.
	engine := &stubEngine{}
	w := New(s, engine, taxonomy.Default())

	done := make(chan struct{})
	go func() {
		defer close(done)
		stats, err := w.Run(context.Background(), 10)
		assert.NoError(t, err)
		assert.Equal(t, 0, stats.Updated)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate on an unproductive pass")
	}
	assert.Equal(t, 1, engine.calls)
}
