// Package fetchstate tracks per-(symbol, source) fetch progress so each run
// only asks upstream feeds for data it has not seen. ID-paginated sources
// use a monotonic watermark; time-windowed sources anchor on the newest
// stored publication time.
package fetchstate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/model"
)

// backfillWindow bounds the first fetch for a key: a day of history, never
// the full archive.
const backfillWindow = 24 * time.Hour

// CursorStore is the slice of the store the manager needs.
type CursorStore interface {
	LatestPublished(ctx context.Context, symbol, fetchSource string) (time.Time, error)
	GetCursor(ctx context.Context, symbol, fetchSource string) (*model.FetchCursor, error)
	UpsertCursor(ctx context.Context, c model.FetchCursor) error
}

// Manager derives fetch windows and watermarks from stored cursors.
type Manager struct {
	store CursorStore
	now   func() time.Time
}

// NewManager creates a Manager backed by the given cursor store.
func NewManager(store CursorStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Window returns the (from, to) pair for a time-windowed fetch. from
// anchors on the newest published_at already stored for the key, minus
// buffer: upstream feeds index articles late, so the last window end alone
// can leave a permanent gap. Keys with no stored rows fall back to the
// cursor's window end, then to the bounded 24h backfill. The overlap this
// creates is deduplicated downstream by content hash.
func (m *Manager) Window(ctx context.Context, symbol, fetchSource string, buffer time.Duration) (time.Time, time.Time) {
	now := m.now().UTC()
	from := now.Add(-backfillWindow)

	anchor, err := m.store.LatestPublished(ctx, symbol, fetchSource)
	if err != nil {
		zap.L().Warn("latest published read failed, falling back to cursor",
			zap.String("symbol", symbol),
			zap.String("fetch_source", fetchSource),
			zap.Error(err),
		)
		anchor = time.Time{}
	}

	if anchor.IsZero() {
		c, err := m.store.GetCursor(ctx, symbol, fetchSource)
		if err != nil {
			zap.L().Warn("cursor read failed, using default window",
				zap.String("symbol", symbol),
				zap.String("fetch_source", fetchSource),
				zap.Error(err),
			)
			return from, now
		}
		if c != nil {
			anchor = c.LastTo
		}
	}

	if !anchor.IsZero() {
		from = anchor.Add(-buffer)
		if from.After(now) {
			from = now.Add(-backfillWindow)
		}
	}
	return from, now
}

// MaxID returns the stored ID watermark for an ID-paginated source, zero
// when no cursor exists yet.
func (m *Manager) MaxID(ctx context.Context, symbol, fetchSource string) (int64, error) {
	c, err := m.store.GetCursor(ctx, symbol, fetchSource)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, nil
	}
	return c.MaxID, nil
}

// Commit records the outcome of a fetch cycle. The store keeps the ID
// watermark monotonic, so committing a stale observation can never move it
// backwards. Commit failures are logged and swallowed: the next run simply
// re-derives an overlapping window.
func (m *Manager) Commit(ctx context.Context, c model.FetchCursor) {
	if err := m.store.UpsertCursor(ctx, c); err != nil {
		zap.L().Warn("cursor commit failed",
			zap.String("symbol", c.Symbol),
			zap.String("fetch_source", c.FetchSource),
			zap.Error(err),
		)
	}
}
