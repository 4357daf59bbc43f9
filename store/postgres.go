package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yhtsearch/crawler/logger"
)

// Schema is the DDL for the crawler tables. Applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS domains (
	id                BIGSERIAL PRIMARY KEY,
	host              TEXT NOT NULL UNIQUE,
	status            TEXT NOT NULL DEFAULT 'pending',
	category          TEXT NOT NULL DEFAULT '',
	robots_raw        TEXT NOT NULL DEFAULT '',
	robots_fetched_at TIMESTAMPTZ,
	crawl_delay_ms    BIGINT NOT NULL DEFAULT 0,
	priority          INT NOT NULL DEFAULT 50,
	error_count       INT NOT NULL DEFAULT 0,
	last_crawled_at   TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pages (
	id              BIGSERIAL PRIMARY KEY,
	domain_id       BIGINT NOT NULL REFERENCES domains(id),
	url             TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT '',
	lang            TEXT NOT NULL DEFAULT '',
	content_hash    TEXT NOT NULL DEFAULT '',
	etag            TEXT NOT NULL DEFAULT '',
	last_modified   TEXT NOT NULL DEFAULT '',
	canonical       TEXT NOT NULL DEFAULT '',
	meta            JSONB NOT NULL DEFAULT '{}',
	text_content    TEXT NOT NULL DEFAULT '',
	last_fetched_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS crawl_queue (
	id           BIGSERIAL PRIMARY KEY,
	domain_id    BIGINT NOT NULL REFERENCES domains(id),
	url          TEXT NOT NULL UNIQUE,
	priority     INT NOT NULL DEFAULT 50,
	scheduled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempts     INT NOT NULL DEFAULT 0,
	reason       TEXT NOT NULL DEFAULT 'link'
);
CREATE INDEX IF NOT EXISTS crawl_queue_pull_idx ON crawl_queue (priority DESC, scheduled_at ASC);

CREATE TABLE IF NOT EXISTS links (
	from_page_id  BIGINT NOT NULL REFERENCES pages(id),
	to_url        TEXT NOT NULL,
	nofollow      BOOLEAN NOT NULL DEFAULT false,
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (from_page_id, to_url)
);

CREATE TABLE IF NOT EXISTS fetch_logs (
	id          BIGSERIAL PRIMARY KEY,
	domain_id   BIGINT NOT NULL,
	url         TEXT NOT NULL,
	status      INT NOT NULL DEFAULT 0,
	bytes       BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS fetch_logs_recent_idx ON fetch_logs (created_at DESC);

CREATE TABLE IF NOT EXISTS page_index (
	page_id    BIGINT PRIMARY KEY REFERENCES pages(id),
	document   JSONB NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// NewPostgres connects a pool to databaseURL. poolSize bounds the pool.
func NewPostgres(ctx context.Context, databaseURL string, poolSize int, log logger.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if log == nil {
		log = logger.Noop()
	}
	return &Postgres{pool: pool, log: log.With("component", "store")}, nil
}

// Migrate applies the schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) CreateDomain(ctx context.Context, d *Domain) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO domains (host, status, category, robots_raw, robots_fetched_at, crawl_delay_ms, priority, error_count, last_crawled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (host) DO NOTHING
		RETURNING id, created_at`,
		d.Host, orDefault(d.Status, DomainPending), d.Category, d.RobotsRaw,
		nullTime(d.RobotsFetchedAt), d.CrawlDelay.Milliseconds(), d.Priority,
		d.ErrorCount, nullTime(d.LastCrawledAt),
	).Scan(&d.ID, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		existing, err := s.GetDomain(ctx, d.Host)
		if err != nil {
			return err
		}
		*d = *existing
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create domain: %w", err)
	}
	if d.Status == "" {
		d.Status = DomainPending
	}
	return nil
}

func (s *Postgres) GetDomain(ctx context.Context, host string) (*Domain, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, host, status, category, robots_raw, robots_fetched_at, crawl_delay_ms, priority, error_count, last_crawled_at, created_at
		FROM domains WHERE host = $1`, host)
	return scanDomain(row)
}

func (s *Postgres) UpdateDomain(ctx context.Context, d *Domain) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE domains
		SET status = $2, category = $3, robots_raw = $4, robots_fetched_at = $5,
		    crawl_delay_ms = $6, priority = $7, error_count = $8, last_crawled_at = $9
		WHERE id = $1`,
		d.ID, d.Status, d.Category, d.RobotsRaw, nullTime(d.RobotsFetchedAt),
		d.CrawlDelay.Milliseconds(), d.Priority, d.ErrorCount, nullTime(d.LastCrawledAt))
	if err != nil {
		return fmt.Errorf("failed to update domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListDomains(ctx context.Context) ([]*Domain, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, host, status, category, robots_raw, robots_fetched_at, crawl_delay_ms, priority, error_count, last_crawled_at, created_at
		FROM domains ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	var domains []*Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func (s *Postgres) CreatePage(ctx context.Context, p *Page) error {
	meta, err := json.Marshal(orEmptyMeta(p.Meta))
	if err != nil {
		return fmt.Errorf("failed to encode page meta: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO pages (domain_id, url, title, description, category, lang, content_hash, etag, last_modified, canonical, meta, text_content, last_fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (url) DO NOTHING
		RETURNING id, created_at, updated_at`,
		p.DomainID, p.URL, p.Title, p.Description, p.Category, p.Lang,
		p.ContentHash, p.ETag, p.LastModified, p.Canonical, meta, p.TextContent,
		nullTime(p.LastFetchedAt),
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		existing, err := s.GetPage(ctx, p.URL)
		if err != nil {
			return err
		}
		*p = *existing
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	return nil
}

func (s *Postgres) GetPage(ctx context.Context, url string) (*Page, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, domain_id, url, title, description, category, lang, content_hash, etag, last_modified, canonical, meta, text_content, last_fetched_at, created_at, updated_at
		FROM pages WHERE url = $1`, url)
	return scanPage(row)
}

// UpdatePage writes the full record when the content hash changed, and only
// advances last_fetched_at when it did not.
func (s *Postgres) UpdatePage(ctx context.Context, p *Page) error {
	existing, err := s.GetPage(ctx, p.URL)
	if err != nil {
		return err
	}

	if existing.ContentHash == p.ContentHash {
		_, err := s.pool.Exec(ctx,
			`UPDATE pages SET last_fetched_at = $2, etag = $3, last_modified = $4 WHERE id = $1`,
			existing.ID, nullTime(p.LastFetchedAt), p.ETag, p.LastModified)
		if err != nil {
			return fmt.Errorf("failed to touch page: %w", err)
		}
		p.ID = existing.ID
		return nil
	}

	meta, err := json.Marshal(orEmptyMeta(p.Meta))
	if err != nil {
		return fmt.Errorf("failed to encode page meta: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE pages
		SET title = $2, description = $3, category = $4, lang = $5, content_hash = $6,
		    etag = $7, last_modified = $8, canonical = $9, meta = $10, text_content = $11,
		    last_fetched_at = $12, updated_at = now()
		WHERE id = $1`,
		existing.ID, p.Title, p.Description, p.Category, p.Lang, p.ContentHash,
		p.ETag, p.LastModified, p.Canonical, meta, p.TextContent, nullTime(p.LastFetchedAt))
	if err != nil {
		return fmt.Errorf("failed to update page: %w", err)
	}
	p.ID = existing.ID
	return nil
}

func (s *Postgres) AddToCrawlQueue(ctx context.Context, item *QueueItem) error {
	return s.AddBatchToCrawlQueue(ctx, []*QueueItem{item})
}

func (s *Postgres) AddBatchToCrawlQueue(ctx context.Context, items []*QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, item := range items {
		scheduledAt := item.ScheduledAt
		if scheduledAt.IsZero() {
			scheduledAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO crawl_queue (domain_id, url, priority, scheduled_at, attempts, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (url) DO NOTHING`,
			item.DomainID, item.URL, item.Priority, scheduledAt, item.Attempts, item.Reason)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to enqueue batch: %w", err)
		}
	}
	return nil
}

func (s *Postgres) GetNextCrawlItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, domain_id, url, priority, scheduled_at, attempts, reason
		FROM crawl_queue
		WHERE scheduled_at <= now()
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to pull queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item := &QueueItem{}
		if err := rows.Scan(&item.ID, &item.DomainID, &item.URL, &item.Priority,
			&item.ScheduledAt, &item.Attempts, &item.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Postgres) IncrementAttempts(ctx context.Context, id int64, scheduledAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawl_queue SET attempts = attempts + 1, scheduled_at = $2 WHERE id = $1`,
		id, scheduledAt)
	if err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) RemoveItem(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM crawl_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove queue item: %w", err)
	}
	return nil
}

func (s *Postgres) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT reason, count(*) FROM crawl_queue GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{ByReason: map[string]int64{}}
	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats.ByReason[reason] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *Postgres) SaveLinks(ctx context.Context, links []*Link) error {
	if len(links) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, link := range links {
		discoveredAt := link.DiscoveredAt
		if discoveredAt.IsZero() {
			discoveredAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO links (from_page_id, to_url, nofollow, discovered_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (from_page_id, to_url) DO NOTHING`,
			link.FromPageID, link.ToURL, link.NoFollow, discoveredAt)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range links {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to save links: %w", err)
		}
	}
	return nil
}

func (s *Postgres) GetLinksFromPage(ctx context.Context, pageID int64) ([]*Link, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT from_page_id, to_url, nofollow, discovered_at
		FROM links WHERE from_page_id = $1 ORDER BY discovered_at`, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read links: %w", err)
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		link := &Link{}
		if err := rows.Scan(&link.FromPageID, &link.ToURL, &link.NoFollow, &link.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *Postgres) CreateFetchLog(ctx context.Context, log *FetchLog) error {
	return s.SaveFetchLogs(ctx, []*FetchLog{log})
}

func (s *Postgres) SaveFetchLogs(ctx context.Context, logs []*FetchLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		createdAt := l.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO fetch_logs (domain_id, url, status, bytes, duration_ms, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			l.DomainID, l.URL, l.Status, l.Bytes, l.Duration.Milliseconds(), l.Error, createdAt)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range logs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to save fetch logs: %w", err)
		}
	}
	return nil
}

func (s *Postgres) GetRecentFetchLogs(ctx context.Context, limit int) ([]*FetchLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, domain_id, url, status, bytes, duration_ms, error, created_at
		FROM fetch_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch logs: %w", err)
	}
	defer rows.Close()

	var logs []*FetchLog
	for rows.Next() {
		l := &FetchLog{}
		var durationMs int64
		if err := rows.Scan(&l.ID, &l.DomainID, &l.URL, &l.Status, &l.Bytes,
			&durationMs, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fetch log: %w", err)
		}
		l.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Postgres) GetFetchStats(ctx context.Context, window int) (*FetchStats, error) {
	stats := &FetchStats{}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status >= 200 AND status < 400 AND error = ''),
		       count(*) FILTER (WHERE status >= 400 OR error <> '')
		FROM (SELECT status, error FROM fetch_logs ORDER BY created_at DESC LIMIT $1) recent`,
		window).Scan(&stats.Total, &stats.Successes, &stats.Errors)
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch stats: %w", err)
	}
	return stats, nil
}

func (s *Postgres) IndexPageContent(ctx context.Context, pageID int64, payload *IndexPayload) error {
	document, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode index document: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO page_index (page_id, document, indexed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (page_id) DO UPDATE SET document = EXCLUDED.document, indexed_at = now()`,
		pageID, document)
	if err != nil {
		return fmt.Errorf("failed to index page content: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDomain(row rowScanner) (*Domain, error) {
	d := &Domain{}
	var robotsFetchedAt, lastCrawledAt *time.Time
	var crawlDelayMs int64
	err := row.Scan(&d.ID, &d.Host, &d.Status, &d.Category, &d.RobotsRaw,
		&robotsFetchedAt, &crawlDelayMs, &d.Priority, &d.ErrorCount,
		&lastCrawledAt, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan domain: %w", err)
	}
	d.CrawlDelay = time.Duration(crawlDelayMs) * time.Millisecond
	if robotsFetchedAt != nil {
		d.RobotsFetchedAt = *robotsFetchedAt
	}
	if lastCrawledAt != nil {
		d.LastCrawledAt = *lastCrawledAt
	}
	return d, nil
}

func scanPage(row rowScanner) (*Page, error) {
	p := &Page{}
	var meta []byte
	var lastFetchedAt *time.Time
	err := row.Scan(&p.ID, &p.DomainID, &p.URL, &p.Title, &p.Description,
		&p.Category, &p.Lang, &p.ContentHash, &p.ETag, &p.LastModified,
		&p.Canonical, &meta, &p.TextContent, &lastFetchedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan page: %w", err)
	}
	if lastFetchedAt != nil {
		p.LastFetchedAt = *lastFetchedAt
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode page meta: %w", err)
		}
	}
	return p, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func orEmptyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}
