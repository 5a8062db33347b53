// Package classifier turns batches of news items into taxonomy categories
// via a remote chat-completions model. The engine is stateless with respect
// to storage: it only produces results, one per input, and never persists.
package classifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/finbrief/news-pipeline/internal/resilience"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
	"github.com/finbrief/news-pipeline/pkg/zhipu"
)

// Input is one item to classify.
type Input struct {
	Title   string
	Summary string
}

// Result is the classification outcome for one input. Category is always
// set: a taxonomy member, UNCATEGORIZED, or ERROR (with ErrorReason).
type Result struct {
	Category    string
	Symbol      string
	Confidence  float64
	ErrorReason string
}

// Config controls batching and the retry ladder.
type Config struct {
	Model            string
	FallbackModel    string
	Temperature      float64
	BatchSize        int
	BatchDelay       time.Duration
	Concurrency      int64
	MaxRetries       int
	RateLimitBackoff time.Duration
	TransientBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "glm-4-flash"
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 5 * time.Second
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = 3 * time.Second
	}
	return c
}

// Engine classifies items in concurrent sub-batches.
type Engine struct {
	client zhipu.Client
	cfg    Config
	tax    taxonomy.Taxonomy
	sem    *semaphore.Weighted

	mu       sync.Mutex
	model    string
	fellBack bool
}

// New creates an engine. cfg.MaxRetries counts retries after the first
// attempt; zero means a single attempt per sub-batch.
func New(client zhipu.Client, cfg Config, tax taxonomy.Taxonomy) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		client: client,
		cfg:    cfg,
		tax:    tax,
		sem:    semaphore.NewWeighted(cfg.Concurrency),
		model:  cfg.Model,
	}
}

// Classify returns one result per input, in input order. It never returns
// an error: every failure mode degrades to per-item ERROR or UNCATEGORIZED
// results so one bad sub-batch cannot block its batch-mates.
func (e *Engine) Classify(ctx context.Context, items []Input) []Result {
	if len(items) == 0 {
		return nil
	}

	results := make([]Result, len(items))

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(items); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		offset, sub := start, items[start:end]

		// Stagger launches so bursts stay under the provider rate limit.
		if start > 0 && e.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.BatchDelay):
			}
		}

		g.Go(func() error {
			if err := e.sem.Acquire(gctx, 1); err != nil {
				copy(results[offset:], errorResults(len(sub), err))
				return nil
			}
			defer e.sem.Release(1)

			copy(results[offset:], e.classifyBatch(gctx, sub))
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// classifyBatch runs the retry ladder for one sub-batch: linear backoff on
// rate limits, a one-way model fallback on transport timeouts, a shorter
// linear backoff on other transient failures. The loop is bounded by
// MaxRetries; recursion is never used.
func (e *Engine) classifyBatch(ctx context.Context, items []Input) []Result {
	temp := e.cfg.Temperature

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return errorResults(len(items), ctx.Err())
		}

		resp, err := e.client.ChatCompletion(ctx, zhipu.ChatCompletionRequest{
			Model:       e.activeModel(),
			Temperature: &temp,
			Messages: []zhipu.Message{
				{Role: "system", Content: buildSystemPrompt(e.tax)},
				{Role: "user", Content: buildUserPrompt(items)},
			},
		})
		if err == nil {
			return parseResults(e.tax, resp.Content(), len(items))
		}
		lastErr = err

		switch {
		case resilience.IsTimeout(err) && e.switchToFallback():
			// Retry immediately on the fallback model.
			continue
		case resilience.IsRateLimit(err):
			if !e.sleep(ctx, time.Duration(attempt+1)*e.cfg.RateLimitBackoff) {
				return errorResults(len(items), lastErr)
			}
		case resilience.IsTransient(err):
			if !e.sleep(ctx, time.Duration(attempt+1)*e.cfg.TransientBackoff) {
				return errorResults(len(items), lastErr)
			}
		default:
			return errorResults(len(items), err)
		}
	}

	zap.L().Warn("classification retries exhausted",
		zap.Int("items", len(items)),
		zap.String("model", e.activeModel()),
		zap.Error(lastErr),
	)
	return errorResults(len(items), lastErr)
}

// activeModel returns the model currently in use.
func (e *Engine) activeModel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// switchToFallback moves the engine to the fallback model. The switch
// happens at most once per engine and is never reversed, so a degraded
// primary cannot flap the pipeline between models.
func (e *Engine) switchToFallback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fellBack || e.cfg.FallbackModel == "" || e.cfg.FallbackModel == e.model {
		return false
	}

	zap.L().Warn("switching to fallback model",
		zap.String("from", e.model),
		zap.String("to", e.cfg.FallbackModel),
	)
	e.model = e.cfg.FallbackModel
	e.fellBack = true
	return true
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
