package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolygon_Fetch(t *testing.T) {
	from := time.Date(2026, 8, 10, 6, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/reference/news", r.URL.Path)
		assert.Equal(t, "2026-08-10T06:00:00Z", r.URL.Query().Get("published_utc.gt"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "test-key", r.URL.Query().Get("apiKey"))
		w.Write([]byte(`{
			"status": "OK",
			"count": 2,
			"results": [
				{
					"id": "abc123",
					"title": "Tesla recalls vehicles",
					"published_utc": "2026-08-10T08:30:00Z",
					"article_url": "https://example.com/tsla",
					"tickers": ["tsla", "GM"],
					"description": "NHTSA-prompted recall.",
					"publisher": {"name": "Newswire"}
				},
				{
					"id": "def456",
					"title": "Broad market wrap",
					"published_utc": "2026-08-10T09:00:00Z",
					"article_url": "https://example.com/wrap",
					"tickers": []
				}
			]
		}`))
	}))
	defer srv.Close()

	a := NewPolygon(testClient(), "test-key", 50)
	a.baseURL = srv.URL

	items, result, err := a.Fetch(context.Background(), FetchRequest{From: from})
	require.NoError(t, err)
	assert.Zero(t, result.MaxID)
	require.Len(t, items, 2)

	assert.Equal(t, "polygon", items[0].Source)
	assert.Equal(t, "abc123", items[0].ExternalID)
	assert.Equal(t, "TSLA", items[0].Symbol) // first ticker, upper-cased
	assert.Equal(t, "NHTSA-prompted recall.", items[0].Summary)
	assert.Equal(t, time.Date(2026, 8, 10, 8, 30, 0, 0, time.UTC), items[0].PublishedAt)

	assert.Empty(t, items[1].Symbol)
}

func TestPolygon_DefaultLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "300", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"status": "OK", "results": []}`))
	}))
	defer srv.Close()

	a := NewPolygon(testClient(), "test-key", 0)
	a.baseURL = srv.URL

	items, _, err := a.Fetch(context.Background(), FetchRequest{From: time.Now().UTC()})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPolygon_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewPolygon(testClient(), "bad-key", 0)
	a.baseURL = srv.URL

	_, _, err := a.Fetch(context.Background(), FetchRequest{From: time.Now().UTC()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch polygon news")
}
