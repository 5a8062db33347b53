package feeds

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/model"
)

const (
	polygonBaseURL      = "https://api.polygon.io"
	defaultPolygonLimit = 300
)

type polygonResponse struct {
	Results []polygonArticle `json:"results"`
	Status  string           `json:"status"`
	Count   int              `json:"count"`
}

type polygonArticle struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	PublishedUTC time.Time `json:"published_utc"`
	ArticleURL   string    `json:"article_url"`
	Tickers      []string  `json:"tickers"`
	Description  string    `json:"description"`
	Publisher    struct {
		Name string `json:"name"`
	} `json:"publisher"`
}

// PolygonAdapter pulls the cross-market Polygon news feed over a time
// window, newest first up to the configured limit.
type PolygonAdapter struct {
	client  *Client
	apiKey  string
	baseURL string
	limit   int
}

// NewPolygon creates the Polygon news adapter. limit <= 0 selects the
// default page size.
func NewPolygon(client *Client, apiKey string, limit int) *PolygonAdapter {
	if limit <= 0 {
		limit = defaultPolygonLimit
	}
	return &PolygonAdapter{client: client, apiKey: apiKey, baseURL: polygonBaseURL, limit: limit}
}

func (a *PolygonAdapter) Name() string {
	return "polygon"
}

func (a *PolygonAdapter) Fetch(ctx context.Context, req FetchRequest) ([]model.NormalizedItem, FetchResult, error) {
	q := url.Values{}
	q.Set("published_utc.gt", req.From.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(a.limit))
	q.Set("order", "asc")
	q.Set("apiKey", a.apiKey)

	var resp polygonResponse
	if err := a.client.GetJSON(ctx, a.baseURL+"/v2/reference/news?"+q.Encode(), &resp); err != nil {
		return nil, FetchResult{}, eris.Wrap(err, "feeds: fetch polygon news")
	}

	items := make([]model.NormalizedItem, 0, len(resp.Results))
	for _, art := range resp.Results {
		symbol := ""
		if len(art.Tickers) > 0 {
			symbol = strings.ToUpper(art.Tickers[0])
		}
		items = append(items, model.NormalizedItem{
			Source:      a.Name(),
			ExternalID:  art.ID,
			URL:         art.ArticleURL,
			Title:       strings.TrimSpace(art.Title),
			Summary:     strings.TrimSpace(art.Description),
			PublishedAt: art.PublishedUTC.UTC(),
			Symbol:      symbol,
		})
	}

	zap.L().Debug("fetched polygon feed", zap.Int("received", len(items)))
	return items, FetchResult{}, nil
}
