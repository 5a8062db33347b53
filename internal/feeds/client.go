package feeds

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/finbrief/news-pipeline/internal/resilience"
)

// ClientOptions configures the shared feed HTTP client.
type ClientOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// HostRate is requests/second granted per upstream host. Finnhub's free
	// tier allows 60/min, Polygon's 5/min; both fit under the default with
	// the per-cycle request volume this pipeline generates.
	HostRate    rate.Limit
	HostBurst   int
	BackoffBase time.Duration
}

// Client is a rate-limited JSON GET client shared by all feed adapters.
// One limiter per upstream host, created on first use.
type Client struct {
	http *http.Client
	opts ClientOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a feed client with per-host rate limiting and bounded
// retry on 429 and server errors.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "news-pipeline/1.0"
	}
	if opts.HostRate == 0 {
		opts.HostRate = 1
	}
	if opts.HostBurst == 0 {
		opts.HostBurst = 2
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}

	return &Client{
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(c.opts.HostRate, c.opts.HostBurst)
		c.limiters[host] = lim
	}
	return lim
}

// GetJSON fetches rawURL and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "feeds: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return eris.Wrap(err, "feeds: read response")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "feeds: decode response from %s", req.URL.Host)
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	lim := c.limiterFor(req.URL.String())

	cfg := resilience.RetryConfig{
		MaxAttempts:    c.opts.MaxRetries,
		InitialBackoff: c.opts.BackoffBase,
		OnRetry:        resilience.RetryLogger("feeds", req.URL.Host),
	}

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "feeds: rate limiter wait")
		}

		resp, err := c.http.Do(req.Clone(ctx))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "feeds: request to %s", req.URL.Host), 0)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		_ = resp.Body.Close()

		statusErr := eris.Errorf("feeds: unexpected status %d from %s", resp.StatusCode, req.URL.Host)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) || resp.StatusCode >= 500 {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	})
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, eris.Wrap(err, "feeds: all retries exhausted")
		}
		return nil, err
	}
	return resp, nil
}
