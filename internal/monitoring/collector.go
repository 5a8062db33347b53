// Package monitoring watches pipeline health: raw backlog state, category
// drift, and feed cursor failures. Breached thresholds are logged and
// optionally delivered to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/finbrief/news-pipeline/internal/model"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	RawTotal      int     `json:"raw_total"`
	RawPending    int     `json:"raw_pending"`
	RawProcessing int     `json:"raw_processing"`
	RawCompleted  int     `json:"raw_completed"`
	RawFailed     int     `json:"raw_failed"`
	FailRate      float64 `json:"fail_rate"`

	Drifted        int `json:"drifted"`
	ErrorArticles  int `json:"error_articles"`
	CursorFailures int `json:"cursor_failures"`

	CollectedAt time.Time `json:"collected_at"`
}

// MetricsStore is the slice of the persistence layer the collector reads.
type MetricsStore interface {
	RawStatusCounts(ctx context.Context) (model.RawStats, error)
	CountDrifted(ctx context.Context, allowed []string) (int, error)
	CategoryCounts(ctx context.Context) (map[string]int, error)
	ListCursors(ctx context.Context) ([]model.FetchCursor, error)
}

// Collector gathers a MetricsSnapshot from the store.
type Collector struct {
	store MetricsStore
	tax   taxonomy.Taxonomy
}

// NewCollector creates a metrics collector.
func NewCollector(store MetricsStore, tax taxonomy.Taxonomy) *Collector {
	return &Collector{store: store, tax: tax}
}

// Collect reads all health metrics. Any single failing read fails the whole
// snapshot; partial snapshots would make threshold checks misleading.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	raw, err := c.store.RawStatusCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: raw status counts")
	}

	drifted, err := c.store.CountDrifted(ctx, c.tax.Allowed)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count drifted")
	}

	categories, err := c.store.CategoryCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: category counts")
	}

	cursors, err := c.store.ListCursors(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list cursors")
	}
	cursorFailures := 0
	for _, cur := range cursors {
		if cur.Status == model.CursorStatusFailed {
			cursorFailures++
		}
	}

	snap := &MetricsSnapshot{
		RawTotal:       raw.Total,
		RawPending:     raw.Pending,
		RawProcessing:  raw.Processing,
		RawCompleted:   raw.Completed,
		RawFailed:      raw.Failed,
		Drifted:        drifted,
		ErrorArticles:  categories[taxonomy.CategoryError],
		CursorFailures: cursorFailures,
		CollectedAt:    time.Now().UTC(),
	}

	if finished := raw.Completed + raw.Failed; finished > 0 {
		snap.FailRate = float64(raw.Failed) / float64(finished)
	}

	return snap, nil
}
