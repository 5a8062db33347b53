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

const finnhubBaseURL = "https://finnhub.io/api/v1"

// finnhubArticle is the wire shape shared by the general and company
// endpoints.
type finnhubArticle struct {
	ID       int64  `json:"id"`
	Category string `json:"category"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// FinnhubGeneralAdapter pulls a market-wide Finnhub feed (category general
// or merger). The feed is ID-paginated: minId excludes everything at or
// below the watermark, and the observed maximum is returned for the next
// cursor commit.
type FinnhubGeneralAdapter struct {
	client   *Client
	apiKey   string
	baseURL  string
	category string
}

// NewFinnhubGeneral creates an adapter for one general feed category.
func NewFinnhubGeneral(client *Client, apiKey, category string) *FinnhubGeneralAdapter {
	return &FinnhubGeneralAdapter{
		client:   client,
		apiKey:   apiKey,
		baseURL:  finnhubBaseURL,
		category: category,
	}
}

func (a *FinnhubGeneralAdapter) Name() string {
	return "finnhub_" + a.category
}

func (a *FinnhubGeneralAdapter) Fetch(ctx context.Context, req FetchRequest) ([]model.NormalizedItem, FetchResult, error) {
	q := url.Values{}
	q.Set("category", a.category)
	if req.MinID > 0 {
		q.Set("minId", strconv.FormatInt(req.MinID, 10))
	}
	q.Set("token", a.apiKey)

	var articles []finnhubArticle
	if err := a.client.GetJSON(ctx, a.baseURL+"/news?"+q.Encode(), &articles); err != nil {
		return nil, FetchResult{}, eris.Wrapf(err, "feeds: fetch %s", a.Name())
	}

	items := make([]model.NormalizedItem, 0, len(articles))
	var maxID int64
	for _, art := range articles {
		if art.ID > maxID {
			maxID = art.ID
		}
		// The API treats minId as inclusive on some categories; drop
		// anything at or below the watermark.
		if req.MinID > 0 && art.ID <= req.MinID {
			continue
		}
		items = append(items, normalizeFinnhub(a.Name(), "", art))
	}

	zap.L().Debug("fetched finnhub feed",
		zap.String("source", a.Name()),
		zap.Int("received", len(articles)),
		zap.Int("new", len(items)),
		zap.Int64("max_id", maxID),
	)
	return items, FetchResult{MaxID: maxID}, nil
}

// FinnhubCompanyAdapter pulls per-symbol company news over a time window.
type FinnhubCompanyAdapter struct {
	client  *Client
	apiKey  string
	baseURL string
}

// NewFinnhubCompany creates the company-news adapter. The symbol comes from
// the FetchRequest, one call per tracked symbol.
func NewFinnhubCompany(client *Client, apiKey string) *FinnhubCompanyAdapter {
	return &FinnhubCompanyAdapter{client: client, apiKey: apiKey, baseURL: finnhubBaseURL}
}

func (a *FinnhubCompanyAdapter) Name() string {
	return "finnhub_company"
}

func (a *FinnhubCompanyAdapter) Fetch(ctx context.Context, req FetchRequest) ([]model.NormalizedItem, FetchResult, error) {
	if req.Symbol == "" || req.Symbol == model.GeneralSymbol {
		return nil, FetchResult{}, eris.New("feeds: company news requires a symbol")
	}
	symbol := strings.ToUpper(req.Symbol)

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("from", req.From.UTC().Format("2006-01-02"))
	q.Set("to", req.To.UTC().Format("2006-01-02"))
	q.Set("token", a.apiKey)

	var articles []finnhubArticle
	if err := a.client.GetJSON(ctx, a.baseURL+"/company-news?"+q.Encode(), &articles); err != nil {
		return nil, FetchResult{}, eris.Wrapf(err, "feeds: fetch company news for %s", symbol)
	}

	items := make([]model.NormalizedItem, 0, len(articles))
	for _, art := range articles {
		// The endpoint rounds the window to whole days; re-apply the exact
		// bounds so overlapping cursor windows do not refetch.
		published := time.Unix(art.Datetime, 0).UTC()
		if published.Before(req.From) || published.After(req.To) {
			continue
		}
		items = append(items, normalizeFinnhub(a.Name()+"_"+symbol, symbol, art))
	}

	zap.L().Debug("fetched company news",
		zap.String("symbol", symbol),
		zap.Int("received", len(articles)),
		zap.Int("in_window", len(items)),
	)
	return items, FetchResult{}, nil
}

func normalizeFinnhub(source, symbol string, art finnhubArticle) model.NormalizedItem {
	return model.NormalizedItem{
		Source:      source,
		ExternalID:  strconv.FormatInt(art.ID, 10),
		URL:         art.URL,
		Title:       strings.TrimSpace(art.Headline),
		Summary:     strings.TrimSpace(art.Summary),
		PublishedAt: time.Unix(art.Datetime, 0).UTC(),
		Symbol:      symbol,
	}
}
