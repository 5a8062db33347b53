package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbrief/news-pipeline/internal/model"
	"github.com/finbrief/news-pipeline/internal/store"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestCollect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRawItems(ctx, []model.NormalizedItem{
		{Source: "finnhub_general", URL: "https://example.com/a", Title: "a", PublishedAt: time.Now().UTC()},
		{Source: "finnhub_general", URL: "https://example.com/b", Title: "b", PublishedAt: time.Now().UTC()},
	})
	require.NoError(t, err)

	require.NoError(t, s.InsertArticle(ctx, model.Article{
		ID: "a1", Title: "drifted", URL: "https://example.com/d",
		PublishedAt: time.Now().UTC(), Category: "STONKS",
	}))
	require.NoError(t, s.UpsertCursor(ctx, model.FetchCursor{
		Symbol: "GENERAL", FetchSource: "polygon",
		Status: model.CursorStatusFailed, ErrorMessage: "http 502",
	}))

	snap, err := NewCollector(s, taxonomy.Default()).Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.RawTotal)
	assert.Equal(t, 2, snap.RawPending)
	assert.Equal(t, 1, snap.Drifted)
	assert.Equal(t, 1, snap.CursorFailures)
	assert.Zero(t, snap.FailRate)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestEvaluate_FailureRate(t *testing.T) {
	a := NewAlerter(Thresholds{FailureRate: 0.25})

	// Below the minimum finished count: no alert regardless of rate.
	alerts := a.Evaluate(&MetricsSnapshot{RawCompleted: 1, RawFailed: 3, FailRate: 0.75})
	assert.Empty(t, alerts)

	alerts = a.Evaluate(&MetricsSnapshot{RawCompleted: 4, RawFailed: 4, FailRate: 0.5})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
}

func TestEvaluate_DriftAndCursors(t *testing.T) {
	a := NewAlerter(Thresholds{Drift: 10})

	alerts := a.Evaluate(&MetricsSnapshot{Drifted: 25, CursorFailures: 2})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDrift, alerts[0].Type)
	assert.Equal(t, AlertCursorFailure, alerts[1].Type)
}

func TestEvaluate_Healthy(t *testing.T) {
	a := NewAlerter(Thresholds{FailureRate: 0.25, Drift: 10})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{RawCompleted: 100, Drifted: 3}))
}

func TestSendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, AlertDrift, alert.Type)
		received.Add(1)
	}))
	defer srv.Close()

	a := NewAlerter(Thresholds{Drift: 1, WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), a.Evaluate(&MetricsSnapshot{Drifted: 5}))
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
}

func TestSendAlerts_LogOnlyWithoutWebhook(t *testing.T) {
	a := NewAlerter(Thresholds{Drift: 1})
	sent := a.SendAlerts(context.Background(), a.Evaluate(&MetricsSnapshot{Drifted: 5}))
	assert.Equal(t, 0, sent)
}

func TestChecker_StopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	checker := NewChecker(
		NewCollector(s, taxonomy.Default()),
		NewAlerter(Thresholds{}),
		10*time.Millisecond,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		checker.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop on cancel")
	}
}
