package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/finbrief/news-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS raw_news (
	id           TEXT PRIMARY KEY,
	fetch_source TEXT NOT NULL,
	external_id  TEXT,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL,
	summary      TEXT,
	published_at DATETIME NOT NULL,
	symbol       TEXT,
	content_hash TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL DEFAULT 'pending',
	error_log    TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_raw_news_status_created ON raw_news(status, created_at);

CREATE TABLE IF NOT EXISTS stock_news (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	summary      TEXT,
	url          TEXT NOT NULL UNIQUE,
	source       TEXT,
	fetch_source TEXT,
	published_at DATETIME NOT NULL,
	category     TEXT NOT NULL,
	symbol       TEXT,
	confidence   REAL NOT NULL DEFAULT 0,
	error_log    TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_stock_news_category ON stock_news(category);
CREATE INDEX IF NOT EXISTS idx_stock_news_published_at ON stock_news(published_at DESC);

CREATE TABLE IF NOT EXISTS fetch_state (
	symbol           TEXT NOT NULL,
	fetch_source     TEXT NOT NULL,
	last_fetch_from  DATETIME,
	last_fetch_to    DATETIME,
	max_id           INTEGER NOT NULL DEFAULT 0,
	articles_fetched INTEGER NOT NULL DEFAULT 0,
	articles_stored  INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'success',
	error_message    TEXT,
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (symbol, fetch_source)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertRawItems(ctx context.Context, items []model.NormalizedItem) (model.InsertStats, error) {
	stats := model.InsertStats{Total: len(items)}
	if len(items) == 0 {
		return stats, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: begin insert raw")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, it := range items {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO raw_news (id, fetch_source, external_id, url, title, summary, published_at, symbol, content_hash, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), it.Source, it.ExternalID, it.URL, it.Title,
			it.Summary, it.PublishedAt.UTC(), it.Symbol, model.ContentHash(it),
			string(model.StatusPending), now, now,
		)
		if err != nil {
			stats.Failed++
			continue
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			stats.Duplicates++
		} else {
			stats.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, eris.Wrap(err, "sqlite: commit insert raw")
	}
	return stats, nil
}

func (s *SQLiteStore) PendingRaw(ctx context.Context, limit int) ([]model.RawRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fetch_source, external_id, url, title, summary, published_at, symbol,
		        content_hash, status, COALESCE(error_log, ''), created_at, updated_at
		 FROM raw_news WHERE status = 'pending'
		 ORDER BY created_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending raw")
	}
	defer rows.Close()

	var records []model.RawRecord
	for rows.Next() {
		r, err := scanRawRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw record")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: pending raw iterate")
}

func (s *SQLiteStore) MarkRaw(ctx context.Context, id string, status model.ProcessingStatus, errorLog string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_news SET status = ?, error_log = NULLIF(?, ''), updated_at = ? WHERE id = ?`,
		string(status), errorLog, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark raw %s", id)
	}
	return checkRowsAffected(res, "raw record", id)
}

func (s *SQLiteStore) ResetFailedRaw(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_news SET status = 'pending', error_log = NULL, updated_at = datetime('now')
		 WHERE id IN (SELECT id FROM raw_news WHERE status = 'failed' ORDER BY created_at ASC LIMIT ?)`,
		limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed raw")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) RawStatusCounts(ctx context.Context) (model.RawStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM raw_news GROUP BY status`)
	if err != nil {
		return model.RawStats{}, eris.Wrap(err, "sqlite: raw status counts")
	}
	defer rows.Close()

	var stats model.RawStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.RawStats{}, eris.Wrap(err, "sqlite: scan status count")
		}
		applyStatusCount(&stats, status, count)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: raw status counts iterate")
}

func (s *SQLiteStore) InsertArticle(ctx context.Context, a model.Article) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stock_news (id, title, summary, url, source, fetch_source, published_at, category, symbol, confidence, error_log, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		a.ID, a.Title, a.Summary, a.URL, a.Source, a.FetchSource,
		a.PublishedAt.UTC(), a.Category, a.Symbol, a.Confidence, a.ErrorLog, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateURL
		}
		return eris.Wrap(err, "sqlite: insert article")
	}
	return nil
}

func (s *SQLiteStore) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(urls))
	if len(urls) == 0 {
		return existing, nil
	}

	args := make([]any, len(urls))
	for i, u := range urls {
		args[i] = u
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM stock_news WHERE url IN (`+placeholders(len(urls))+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing urls")
	}
	defer rows.Close()

	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan url")
		}
		existing[u] = true
	}
	return existing, eris.Wrap(rows.Err(), "sqlite: existing urls iterate")
}

func (s *SQLiteStore) CountDrifted(ctx context.Context, allowed []string) (int, error) {
	set := driftedSet(allowed)
	args := make([]any, len(set))
	for i, c := range set {
		args[i] = c
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stock_news WHERE category NOT IN (`+placeholders(len(set))+`)`,
		args...,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count drifted")
}

func (s *SQLiteStore) ListDrifted(ctx context.Context, allowed []string, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 100
	}

	set := driftedSet(allowed)
	args := make([]any, 0, len(set)+1)
	for _, c := range set {
		args = append(args, c)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, COALESCE(summary, ''), url, COALESCE(source, ''), COALESCE(fetch_source, ''),
		        published_at, category, COALESCE(symbol, ''), confidence, COALESCE(error_log, ''), created_at, updated_at
		 FROM stock_news WHERE category NOT IN (`+placeholders(len(set))+`)
		 ORDER BY updated_at ASC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list drifted")
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan article")
		}
		articles = append(articles, a)
	}
	return articles, eris.Wrap(rows.Err(), "sqlite: list drifted iterate")
}

func (s *SQLiteStore) UpdateArticleCategory(ctx context.Context, id, category string, confidence float64, errorLog string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stock_news SET category = ?, confidence = ?, error_log = NULLIF(?, ''), updated_at = ? WHERE id = ?`,
		category, confidence, errorLog, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update article category %s", id)
	}
	return checkRowsAffected(res, "article", id)
}

func (s *SQLiteStore) CategoryCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM stock_news GROUP BY category`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: category counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var cat string
		var count int
		if err := rows.Scan(&cat, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category count")
		}
		counts[cat] = count
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: category counts iterate")
}

// LatestPublished returns the newest published_at among raw rows belonging
// to a cursor key. Per-symbol sources store rows under suffixed source names
// (finnhub_company_AAPL), so the source match includes those; the GENERAL
// cursor covers rows carrying any symbol.
func (s *SQLiteStore) LatestPublished(ctx context.Context, symbol, fetchSource string) (time.Time, error) {
	query := `SELECT published_at FROM raw_news WHERE (fetch_source = ? OR fetch_source LIKE ? || '_%')`
	args := []any{fetchSource, fetchSource}
	if symbol != model.GeneralSymbol {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY published_at DESC LIMIT 1`

	var ts time.Time
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: latest published %s/%s", symbol, fetchSource)
	}
	return ts.UTC(), nil
}

func (s *SQLiteStore) GetCursor(ctx context.Context, symbol, fetchSource string) (*model.FetchCursor, error) {
	var c model.FetchCursor
	var lastFrom, lastTo sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT symbol, fetch_source, last_fetch_from, last_fetch_to, max_id,
		        articles_fetched, articles_stored, status, COALESCE(error_message, ''), updated_at
		 FROM fetch_state WHERE symbol = ? AND fetch_source = ?`,
		symbol, fetchSource,
	).Scan(&c.Symbol, &c.FetchSource, &lastFrom, &lastTo, &c.MaxID,
		&c.Fetched, &c.Stored, &c.Status, &c.ErrorMessage, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cursor %s/%s", symbol, fetchSource)
	}

	if lastFrom.Valid {
		c.LastFrom = lastFrom.Time
	}
	if lastTo.Valid {
		c.LastTo = lastTo.Time
	}
	return &c, nil
}

func (s *SQLiteStore) UpsertCursor(ctx context.Context, c model.FetchCursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_state (symbol, fetch_source, last_fetch_from, last_fetch_to, max_id, articles_fetched, articles_stored, status, error_message, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		 ON CONFLICT (symbol, fetch_source) DO UPDATE SET
		   last_fetch_from = excluded.last_fetch_from,
		   last_fetch_to = excluded.last_fetch_to,
		   max_id = MAX(fetch_state.max_id, excluded.max_id),
		   articles_fetched = excluded.articles_fetched,
		   articles_stored = excluded.articles_stored,
		   status = excluded.status,
		   error_message = excluded.error_message,
		   updated_at = excluded.updated_at`,
		c.Symbol, c.FetchSource, nullableTime(c.LastFrom), nullableTime(c.LastTo),
		c.MaxID, c.Fetched, c.Stored, c.Status, c.ErrorMessage, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert cursor %s/%s", c.Symbol, c.FetchSource)
}

func (s *SQLiteStore) DeleteCursor(ctx context.Context, symbol, fetchSource string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fetch_state WHERE symbol = ? AND fetch_source = ?`,
		symbol, fetchSource,
	)
	return eris.Wrapf(err, "sqlite: delete cursor %s/%s", symbol, fetchSource)
}

func (s *SQLiteStore) ListCursors(ctx context.Context) ([]model.FetchCursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, fetch_source, last_fetch_from, last_fetch_to, max_id,
		        articles_fetched, articles_stored, status, COALESCE(error_message, ''), updated_at
		 FROM fetch_state ORDER BY symbol, fetch_source`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cursors")
	}
	defer rows.Close()

	var cursors []model.FetchCursor
	for rows.Next() {
		var c model.FetchCursor
		var lastFrom, lastTo sql.NullTime
		if err := rows.Scan(&c.Symbol, &c.FetchSource, &lastFrom, &lastTo, &c.MaxID,
			&c.Fetched, &c.Stored, &c.Status, &c.ErrorMessage, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cursor")
		}
		if lastFrom.Valid {
			c.LastFrom = lastFrom.Time
		}
		if lastTo.Valid {
			c.LastTo = lastTo.Time
		}
		cursors = append(cursors, c)
	}
	return cursors, eris.Wrap(rows.Err(), "sqlite: list cursors iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// placeholders builds "?, ?, ?" lists for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
