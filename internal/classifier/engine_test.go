package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbrief/news-pipeline/internal/resilience"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
	"github.com/finbrief/news-pipeline/pkg/zhipu"
)

// scriptedClient returns canned outcomes in call order and records every
// request it saw.
type scriptedClient struct {
	mu       sync.Mutex
	script   []scriptStep
	requests []zhipu.ChatCompletionRequest
}

type scriptStep struct {
	content string
	err     error
}

func (c *scriptedClient) ChatCompletion(_ context.Context, req zhipu.ChatCompletionRequest) (*zhipu.ChatCompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, req)
	if len(c.script) == 0 {
		return nil, errors.New("scripted client: no steps left")
	}
	step := c.script[0]
	c.script = c.script[1:]
	if step.err != nil {
		return nil, step.err
	}
	return &zhipu.ChatCompletionResponse{
		Choices: []zhipu.Choice{{Message: zhipu.Message{Role: "assistant", Content: step.content}}},
	}, nil
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedClient) modelsUsed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	models := make([]string, len(c.requests))
	for i, r := range c.requests {
		models[i] = r.Model
	}
	return models
}

func fastEngineConfig() Config {
	return Config{
		Model:            "glm-4-flash",
		FallbackModel:    "glm-4.5-flash",
		BatchSize:        5,
		BatchDelay:       time.Millisecond,
		Concurrency:      2,
		MaxRetries:       2,
		RateLimitBackoff: time.Millisecond,
		TransientBackoff: time.Millisecond,
	}
}

func batchContent(categories ...string) string {
	out := "["
	for i, c := range categories {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"news_id": %d, "primary_category": "%s", "secondary_category": "GENERAL", "confidence": 0.9}`, i+1, c)
	}
	return out + "]"
}

func TestClassify_EmptyInput(t *testing.T) {
	e := New(&scriptedClient{}, fastEngineConfig(), taxonomy.Default())
	assert.Nil(t, e.Classify(context.Background(), nil))
}

func TestClassify_SingleBatch(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		{content: batchContent("CORPORATE_EARNINGS", "MACRO_ECONOMY")},
	}}
	e := New(client, fastEngineConfig(), taxonomy.Default())

	results := e.Classify(context.Background(), []Input{
		{Title: "Apple beats estimates"},
		{Title: "CPI cools"},
	})

	require.Len(t, results, 2)
	assert.Equal(t, "CORPORATE_EARNINGS", results[0].Category)
	assert.Equal(t, "MACRO_ECONOMY", results[1].Category)
	assert.Equal(t, 1, client.calls())
}

func TestClassify_SubBatchesPreserveOrder(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.BatchSize = 2
	cfg.Concurrency = 1 // serialize so scripted responses line up with batches
	client := &scriptedClient{script: []scriptStep{
		{content: batchContent("CORPORATE_EARNINGS", "MACRO_ECONOMY")},
		{content: batchContent("INCIDENT_LEGAL", "NON_FINANCIAL")},
		{content: batchContent("MARKET_SENTIMENT")},
	}}
	e := New(client, cfg, taxonomy.Default())

	items := []Input{
		{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}, {Title: "e"},
	}
	results := e.Classify(context.Background(), items)

	require.Len(t, results, 5)
	want := []string{"CORPORATE_EARNINGS", "MACRO_ECONOMY", "INCIDENT_LEGAL", "NON_FINANCIAL", "MARKET_SENTIMENT"}
	for i, w := range want {
		assert.Equal(t, w, results[i].Category, "item %d", i)
	}
	assert.Equal(t, 3, client.calls())
}

func TestClassify_RateLimitRetriesThenSucceeds(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		{err: resilience.NewTransientError(errors.New("rate limited"), 429)},
		{content: batchContent("MACRO_ECONOMY")},
	}}
	e := New(client, fastEngineConfig(), taxonomy.Default())

	results := e.Classify(context.Background(), []Input{{Title: "x"}})
	require.Len(t, results, 1)
	assert.Equal(t, "MACRO_ECONOMY", results[0].Category)
	assert.Equal(t, 2, client.calls())
	// The primary model is still in use; rate limits never trigger fallback.
	assert.Equal(t, []string{"glm-4-flash", "glm-4-flash"}, client.modelsUsed())
}

func TestClassify_TimeoutSwitchesToFallbackOnce(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		{err: context.DeadlineExceeded},
		{content: batchContent("MACRO_ECONOMY")},
		{content: batchContent("INCIDENT_LEGAL")},
	}}
	e := New(client, fastEngineConfig(), taxonomy.Default())

	first := e.Classify(context.Background(), []Input{{Title: "x"}})
	require.Len(t, first, 1)
	assert.Equal(t, "MACRO_ECONOMY", first[0].Category)

	// The switch is sticky: later batches start on the fallback model.
	second := e.Classify(context.Background(), []Input{{Title: "y"}})
	require.Len(t, second, 1)
	assert.Equal(t, "INCIDENT_LEGAL", second[0].Category)

	assert.Equal(t, []string{"glm-4-flash", "glm-4.5-flash", "glm-4.5-flash"}, client.modelsUsed())
}

func TestClassify_TimeoutOnFallbackBacksOff(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.MaxRetries = 1
	client := &scriptedClient{script: []scriptStep{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
	}}
	e := New(client, cfg, taxonomy.Default())

	results := e.Classify(context.Background(), []Input{{Title: "x"}})
	require.Len(t, results, 1)
	// First timeout burns the one fallback switch; the second timeout runs
	// out of retries and degrades to ERROR.
	assert.Equal(t, taxonomy.CategoryError, results[0].Category)
	assert.NotEmpty(t, results[0].ErrorReason)
}

func TestClassify_PermanentErrorNoRetry(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		{err: errors.New("unexpected status 400: bad request")},
	}}
	e := New(client, fastEngineConfig(), taxonomy.Default())

	results := e.Classify(context.Background(), []Input{{Title: "x"}, {Title: "y"}})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, taxonomy.CategoryError, r.Category)
		assert.Contains(t, r.ErrorReason, "bad request")
	}
	assert.Equal(t, 1, client.calls())
}

func TestClassify_ExhaustsRetries(t *testing.T) {
	transient := func() scriptStep {
		return scriptStep{err: resilience.NewTransientError(errors.New("bad gateway"), 502)}
	}
	client := &scriptedClient{script: []scriptStep{transient(), transient(), transient()}}
	e := New(client, fastEngineConfig(), taxonomy.Default())

	results := e.Classify(context.Background(), []Input{{Title: "x"}})
	require.Len(t, results, 1)
	assert.Equal(t, taxonomy.CategoryError, results[0].Category)
	assert.Equal(t, 3, client.calls()) // initial + MaxRetries
}

func TestClassify_ParseFailurePoisonsOnlyItsBatch(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.BatchSize = 1
	cfg.Concurrency = 1
	client := &scriptedClient{script: []scriptStep{
		{content: "the model rambled instead of emitting JSON"},
		{content: batchContent("MACRO_ECONOMY")},
	}}
	e := New(client, cfg, taxonomy.Default())

	results := e.Classify(context.Background(), []Input{{Title: "x"}, {Title: "y"}})
	require.Len(t, results, 2)
	assert.Equal(t, taxonomy.CategoryError, results[0].Category)
	assert.Equal(t, "MACRO_ECONOMY", results[1].Category)
}

func TestClassify_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{}
	e := New(client, fastEngineConfig(), taxonomy.Default())

	results := e.Classify(ctx, []Input{{Title: "x"}, {Title: "y"}})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, taxonomy.CategoryError, r.Category)
	}
	assert.Equal(t, 0, client.calls())
}

func TestClassify_PromptContainsNumberedItems(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		{content: batchContent("MACRO_ECONOMY", "MACRO_ECONOMY")},
	}}
	e := New(client, fastEngineConfig(), taxonomy.Default())

	e.Classify(context.Background(), []Input{
		{Title: "First headline", Summary: "First summary"},
		{Title: "Second headline"},
	})

	require.Equal(t, 1, client.calls())
	req := client.requests[0]
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[0].Content, "CORPORATE_EARNINGS")
	assert.Contains(t, req.Messages[0].Content, "JSON array")
	assert.Contains(t, req.Messages[1].Content, "1. Title: First headline")
	assert.Contains(t, req.Messages[1].Content, "2. Title: Second headline")
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.3, *req.Temperature, 0.001)
}
