// Package model defines the record types shared across the ingestion and
// classification pipeline.
package model

import "time"

// ProcessingStatus is the lifecycle state of a raw ingest record.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// GeneralSymbol tags items that are not tied to a specific company.
const GeneralSymbol = "GENERAL"

// NormalizedItem is the source-independent shape every feed adapter produces.
// Immutable once created; identity for dedup purposes is ContentHash.
type NormalizedItem struct {
	Source      string    `json:"fetch_source"`
	ExternalID  string    `json:"external_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	PublishedAt time.Time `json:"published_at"`
	Symbol      string    `json:"symbol,omitempty"`
}

// RawRecord wraps a NormalizedItem with ingest bookkeeping. Rows live in the
// raw_news table until an orchestrator pass moves them to a terminal status.
type RawRecord struct {
	ID          string           `json:"id"`
	Item        NormalizedItem   `json:"item"`
	ContentHash string           `json:"content_hash"`
	Status      ProcessingStatus `json:"status"`
	ErrorLog    string           `json:"error_log,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Article is a curated, categorized news row. Category is either a member of
// the allowed taxonomy or one of the sentinels (UNCATEGORIZED, ERROR).
type Article struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	FetchSource string    `json:"fetch_source"`
	PublishedAt time.Time `json:"published_at"`
	Category    string    `json:"category"`
	Symbol      string    `json:"symbol"`
	Confidence  float64   `json:"confidence"`
	ErrorLog    string    `json:"error_log,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Cursor statuses record the outcome of a fetch cycle, separate from the
// raw record lifecycle above.
const (
	CursorStatusSuccess = "success"
	CursorStatusFailed  = "failed"
)

// FetchCursor records, per (symbol, fetch source) pair, how far fetching has
// progressed. ID-paginated sources use MaxID; time-windowed sources use the
// LastFrom/LastTo pair. Rows are created lazily and only removed by an
// explicit operator reset.
type FetchCursor struct {
	Symbol       string    `json:"symbol"`
	FetchSource  string    `json:"fetch_source"`
	LastFrom     time.Time `json:"last_fetch_from"`
	LastTo       time.Time `json:"last_fetch_to"`
	MaxID        int64     `json:"max_id,omitempty"`
	Fetched      int       `json:"articles_fetched"`
	Stored       int       `json:"articles_stored"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProcessStats summarizes one orchestrator batch.
type ProcessStats struct {
	Fetched          int `json:"fetched"`
	Categorized      int `json:"categorized"`
	Stored           int `json:"stored"`
	ExcludedSkipped  int `json:"excluded_skipped"`
	DuplicatesClosed int `json:"duplicates_closed"`
	Failed           int `json:"failed"`
}

// Progress reports how many records reached a terminal status this batch.
// Zero progress with a non-empty fetch means the remaining records are
// stuck (e.g. missing titles) and a drain loop must stop.
func (s ProcessStats) Progress() int {
	return s.Stored + s.ExcludedSkipped + s.DuplicatesClosed + s.Failed
}

// Add accumulates another batch's counters.
func (s *ProcessStats) Add(other ProcessStats) {
	s.Fetched += other.Fetched
	s.Categorized += other.Categorized
	s.Stored += other.Stored
	s.ExcludedSkipped += other.ExcludedSkipped
	s.DuplicatesClosed += other.DuplicatesClosed
	s.Failed += other.Failed
}

// RecategorizeStats summarizes one correction batch.
type RecategorizeStats struct {
	Fetched        int `json:"fetched"`
	Updated        int `json:"updated"`
	ExcludedMarked int `json:"excluded_marked"`
	Failed         int `json:"failed"`
}

// Add accumulates another batch's counters.
func (s *RecategorizeStats) Add(other RecategorizeStats) {
	s.Fetched += other.Fetched
	s.Updated += other.Updated
	s.ExcludedMarked += other.ExcludedMarked
	s.Failed += other.Failed
}

// RawStats reports raw_news lifecycle counts.
type RawStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// InsertStats reports the outcome of a bulk raw insert.
type InsertStats struct {
	Total      int `json:"total"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}
