// Package feeds fetches articles from upstream news providers and normalizes
// them for raw ingestion. Each adapter owns one provider endpoint family;
// pagination state (time window or ID watermark) is supplied by the caller.
package feeds

import (
	"context"
	"time"

	"github.com/finbrief/news-pipeline/internal/model"
)

// FetchRequest carries the pagination state for one fetch. Time-window
// adapters read From/To; ID-paginated adapters read MinID.
type FetchRequest struct {
	Symbol string
	From   time.Time
	To     time.Time
	MinID  int64
}

// FetchResult reports what the adapter observed upstream. MaxID is the
// highest article ID seen, 0 for adapters without ID pagination.
type FetchResult struct {
	MaxID int64
}

// Adapter fetches and normalizes articles from one upstream source. Name is
// the fetch_source recorded on cursors and raw records.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) ([]model.NormalizedItem, FetchResult, error)
}
