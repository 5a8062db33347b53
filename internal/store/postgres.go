package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/finbrief/news-pipeline/internal/db"
	"github.com/finbrief/news-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"pending_raw":      `SELECT id, fetch_source, external_id, url, title, summary, published_at, symbol, content_hash, status, COALESCE(error_log, ''), created_at, updated_at FROM raw_news WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`,
	"mark_raw":         `UPDATE raw_news SET status = $1, error_log = NULLIF($2, ''), updated_at = $3 WHERE id = $4`,
	"insert_article":   `INSERT INTO stock_news (id, title, summary, url, source, fetch_source, published_at, category, symbol, confidence, error_log, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)`,
	"update_category":  `UPDATE stock_news SET category = $1, confidence = $2, error_log = NULLIF($3, ''), updated_at = $4 WHERE id = $5`,
	"get_fetch_cursor": `SELECT symbol, fetch_source, last_fetch_from, last_fetch_to, max_id, articles_fetched, articles_stored, status, COALESCE(error_message, ''), updated_at FROM fetch_state WHERE symbol = $1 AND fetch_source = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS raw_news (
	id           TEXT PRIMARY KEY,
	fetch_source TEXT NOT NULL,
	external_id  TEXT,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL,
	summary      TEXT,
	published_at TIMESTAMPTZ NOT NULL,
	symbol       TEXT,
	content_hash TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL DEFAULT 'pending',
	error_log    TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_raw_news_status_created ON raw_news(status, created_at);

CREATE TABLE IF NOT EXISTS stock_news (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	summary      TEXT,
	url          TEXT NOT NULL UNIQUE,
	source       TEXT,
	fetch_source TEXT,
	published_at TIMESTAMPTZ NOT NULL,
	category     TEXT NOT NULL,
	symbol       TEXT,
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_log    TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stock_news_category ON stock_news(category);
CREATE INDEX IF NOT EXISTS idx_stock_news_published_at ON stock_news(published_at DESC);

CREATE TABLE IF NOT EXISTS fetch_state (
	symbol           TEXT NOT NULL,
	fetch_source     TEXT NOT NULL,
	last_fetch_from  TIMESTAMPTZ,
	last_fetch_to    TIMESTAMPTZ,
	max_id           BIGINT NOT NULL DEFAULT 0,
	articles_fetched INTEGER NOT NULL DEFAULT 0,
	articles_stored  INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'success',
	error_message    TEXT,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (symbol, fetch_source)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var rawColumns = []string{
	"id", "fetch_source", "external_id", "url", "title", "summary",
	"published_at", "symbol", "content_hash", "status", "created_at", "updated_at",
}

func (s *PostgresStore) InsertRawItems(ctx context.Context, items []model.NormalizedItem) (model.InsertStats, error) {
	stats := model.InsertStats{Total: len(items)}
	if len(items) == 0 {
		return stats, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		hash := model.ContentHash(it)
		if seen[hash] {
			stats.Duplicates++
			continue
		}
		seen[hash] = true
		rows = append(rows, []any{
			uuid.New().String(), it.Source, it.ExternalID, it.URL, it.Title,
			it.Summary, it.PublishedAt.UTC(), it.Symbol, hash,
			string(model.StatusPending), now, now,
		})
	}

	inserted, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:           "raw_news",
		Columns:         rawColumns,
		ConflictKeys:    []string{"content_hash"},
		IgnoreConflicts: true,
	}, rows)
	if err != nil {
		stats.Failed = len(rows)
		return stats, eris.Wrap(err, "postgres: bulk insert raw")
	}

	stats.Inserted = int(inserted)
	stats.Duplicates += len(rows) - int(inserted)
	return stats, nil
}

func (s *PostgresStore) PendingRaw(ctx context.Context, limit int) ([]model.RawRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, fetch_source, external_id, url, title, summary, published_at, symbol,
		        content_hash, status, COALESCE(error_log, ''), created_at, updated_at
		 FROM raw_news WHERE status = 'pending'
		 ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending raw")
	}
	defer rows.Close()

	var records []model.RawRecord
	for rows.Next() {
		r, err := scanRawRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan raw record")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: pending raw iterate")
}

func (s *PostgresStore) MarkRaw(ctx context.Context, id string, status model.ProcessingStatus, errorLog string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_news SET status = $1, error_log = NULLIF($2, ''), updated_at = $3 WHERE id = $4`,
		string(status), errorLog, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark raw %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("raw record not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ResetFailedRaw(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_news SET status = 'pending', error_log = NULL, updated_at = now()
		 WHERE id IN (SELECT id FROM raw_news WHERE status = 'failed' ORDER BY created_at ASC LIMIT $1)`,
		limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset failed raw")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RawStatusCounts(ctx context.Context) (model.RawStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM raw_news GROUP BY status`)
	if err != nil {
		return model.RawStats{}, eris.Wrap(err, "postgres: raw status counts")
	}
	defer rows.Close()

	var stats model.RawStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.RawStats{}, eris.Wrap(err, "postgres: scan status count")
		}
		applyStatusCount(&stats, status, count)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: raw status counts iterate")
}

func (s *PostgresStore) InsertArticle(ctx context.Context, a model.Article) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO stock_news (id, title, summary, url, source, fetch_source, published_at, category, symbol, confidence, error_log, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)`,
		a.ID, a.Title, a.Summary, a.URL, a.Source, a.FetchSource,
		a.PublishedAt.UTC(), a.Category, a.Symbol, a.Confidence, a.ErrorLog, now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateURL
		}
		return eris.Wrap(err, "postgres: insert article")
	}
	return nil
}

func (s *PostgresStore) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(urls))
	if len(urls) == 0 {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT url FROM stock_news WHERE url = ANY($1)`, urls)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing urls")
	}
	defer rows.Close()

	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "postgres: scan url")
		}
		existing[u] = true
	}
	return existing, eris.Wrap(rows.Err(), "postgres: existing urls iterate")
}

func (s *PostgresStore) CountDrifted(ctx context.Context, allowed []string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM stock_news WHERE NOT (category = ANY($1))`,
		driftedSet(allowed),
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count drifted")
}

func (s *PostgresStore) ListDrifted(ctx context.Context, allowed []string, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, title, COALESCE(summary, ''), url, COALESCE(source, ''), COALESCE(fetch_source, ''),
		        published_at, category, COALESCE(symbol, ''), confidence, COALESCE(error_log, ''), created_at, updated_at
		 FROM stock_news WHERE NOT (category = ANY($1))
		 ORDER BY updated_at ASC LIMIT $2`,
		driftedSet(allowed), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list drifted")
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan article")
		}
		articles = append(articles, a)
	}
	return articles, eris.Wrap(rows.Err(), "postgres: list drifted iterate")
}

func (s *PostgresStore) UpdateArticleCategory(ctx context.Context, id, category string, confidence float64, errorLog string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stock_news SET category = $1, confidence = $2, error_log = NULLIF($3, ''), updated_at = $4 WHERE id = $5`,
		category, confidence, errorLog, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update article category %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("article not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CategoryCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT category, COUNT(*) FROM stock_news GROUP BY category`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: category counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var cat string
		var count int
		if err := rows.Scan(&cat, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category count")
		}
		counts[cat] = count
	}
	return counts, eris.Wrap(rows.Err(), "postgres: category counts iterate")
}

// LatestPublished returns the newest published_at among raw rows belonging
// to a cursor key. Per-symbol sources store rows under suffixed source names
// (finnhub_company_AAPL), so the source match includes those; the GENERAL
// cursor covers rows carrying any symbol.
func (s *PostgresStore) LatestPublished(ctx context.Context, symbol, fetchSource string) (time.Time, error) {
	query := `SELECT published_at FROM raw_news WHERE (fetch_source = $1 OR fetch_source LIKE $1 || '_%')`
	args := []any{fetchSource}
	if symbol != model.GeneralSymbol {
		query += ` AND symbol = $2`
		args = append(args, symbol)
	}
	query += ` ORDER BY published_at DESC LIMIT 1`

	var ts time.Time
	err := s.pool.QueryRow(ctx, query, args...).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "postgres: latest published %s/%s", symbol, fetchSource)
	}
	return ts.UTC(), nil
}

func (s *PostgresStore) GetCursor(ctx context.Context, symbol, fetchSource string) (*model.FetchCursor, error) {
	var c model.FetchCursor
	var lastFrom, lastTo *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT symbol, fetch_source, last_fetch_from, last_fetch_to, max_id,
		        articles_fetched, articles_stored, status, COALESCE(error_message, ''), updated_at
		 FROM fetch_state WHERE symbol = $1 AND fetch_source = $2`,
		symbol, fetchSource,
	).Scan(&c.Symbol, &c.FetchSource, &lastFrom, &lastTo, &c.MaxID,
		&c.Fetched, &c.Stored, &c.Status, &c.ErrorMessage, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cursor %s/%s", symbol, fetchSource)
	}

	if lastFrom != nil {
		c.LastFrom = *lastFrom
	}
	if lastTo != nil {
		c.LastTo = *lastTo
	}
	return &c, nil
}

func (s *PostgresStore) UpsertCursor(ctx context.Context, c model.FetchCursor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fetch_state (symbol, fetch_source, last_fetch_from, last_fetch_to, max_id, articles_fetched, articles_stored, status, error_message, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		 ON CONFLICT (symbol, fetch_source) DO UPDATE SET
		   last_fetch_from = EXCLUDED.last_fetch_from,
		   last_fetch_to = EXCLUDED.last_fetch_to,
		   max_id = GREATEST(fetch_state.max_id, EXCLUDED.max_id),
		   articles_fetched = EXCLUDED.articles_fetched,
		   articles_stored = EXCLUDED.articles_stored,
		   status = EXCLUDED.status,
		   error_message = EXCLUDED.error_message,
		   updated_at = EXCLUDED.updated_at`,
		c.Symbol, c.FetchSource, nullableTime(c.LastFrom), nullableTime(c.LastTo),
		c.MaxID, c.Fetched, c.Stored, c.Status, c.ErrorMessage, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert cursor %s/%s", c.Symbol, c.FetchSource)
}

func (s *PostgresStore) DeleteCursor(ctx context.Context, symbol, fetchSource string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM fetch_state WHERE symbol = $1 AND fetch_source = $2`,
		symbol, fetchSource,
	)
	return eris.Wrapf(err, "postgres: delete cursor %s/%s", symbol, fetchSource)
}

func (s *PostgresStore) ListCursors(ctx context.Context) ([]model.FetchCursor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, fetch_source, last_fetch_from, last_fetch_to, max_id,
		        articles_fetched, articles_stored, status, COALESCE(error_message, ''), updated_at
		 FROM fetch_state ORDER BY symbol, fetch_source`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cursors")
	}
	defer rows.Close()

	var cursors []model.FetchCursor
	for rows.Next() {
		var c model.FetchCursor
		var lastFrom, lastTo *time.Time
		if err := rows.Scan(&c.Symbol, &c.FetchSource, &lastFrom, &lastTo, &c.MaxID,
			&c.Fetched, &c.Stored, &c.Status, &c.ErrorMessage, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cursor")
		}
		if lastFrom != nil {
			c.LastFrom = *lastFrom
		}
		if lastTo != nil {
			c.LastTo = *lastTo
		}
		cursors = append(cursors, c)
	}
	return cursors, eris.Wrap(rows.Err(), "postgres: list cursors iterate")
}

// helpers shared by both backends

type scannable interface {
	Scan(dest ...any) error
}

func scanRawRecord(row scannable) (model.RawRecord, error) {
	var r model.RawRecord
	err := row.Scan(&r.ID, &r.Item.Source, &r.Item.ExternalID, &r.Item.URL,
		&r.Item.Title, &r.Item.Summary, &r.Item.PublishedAt, &r.Item.Symbol,
		&r.ContentHash, &r.Status, &r.ErrorLog, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanArticle(row scannable) (model.Article, error) {
	var a model.Article
	err := row.Scan(&a.ID, &a.Title, &a.Summary, &a.URL, &a.Source, &a.FetchSource,
		&a.PublishedAt, &a.Category, &a.Symbol, &a.Confidence, &a.ErrorLog,
		&a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func applyStatusCount(stats *model.RawStats, status string, count int) {
	stats.Total += count
	switch model.ProcessingStatus(status) {
	case model.StatusPending:
		stats.Pending = count
	case model.StatusProcessing:
		stats.Processing = count
	case model.StatusCompleted:
		stats.Completed = count
	case model.StatusFailed:
		stats.Failed = count
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
