// Package sqlite provides a single-file SQLite cache.Store for deployments
// without Redis. Upserts are INSERT … ON CONFLICT DO UPDATE statements that
// set only the columns the writer owns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nulpointcorp/product-cache/internal/cache"
	"github.com/nulpointcorp/product-cache/internal/cache/sqlite/migrations"
)

// Store provides SQLite-backed cache persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	// One writer keeps batch transactions from contending on the file lock.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) UpsertEntry(ctx context.Context, e *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e == nil || e.LocationID == "" || e.NormalizedTerm == "" {
		return fmt.Errorf("sqlite: upsert entry: location and normalized term are required")
	}
	products, err := json.Marshal(e.Products)
	if err != nil {
		return fmt.Errorf("sqlite: upsert entry: marshal products: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO product_search_cache (
	id, location_id, term, normalized_term, source, products, total,
	created_at, updated_at, expires_at, warmed_at, hit_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	location_id     = excluded.location_id,
	term            = excluded.term,
	normalized_term = excluded.normalized_term,
	source          = excluded.source,
	products        = excluded.products,
	total           = excluded.total,
	created_at      = excluded.created_at,
	updated_at      = excluded.updated_at,
	expires_at      = excluded.expires_at,
	warmed_at       = excluded.warmed_at
`,
		e.ID(),
		e.LocationID,
		e.Term,
		e.NormalizedTerm,
		e.Source,
		string(products),
		e.Total,
		e.CreatedAt.UTC().UnixMilli(),
		e.UpdatedAt.UTC().UnixMilli(),
		e.ExpiresAt.UTC().UnixMilli(),
		e.WarmedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert entry %s: %w", e.ID(), err)
	}
	return nil
}

func (s *Store) Entry(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	var (
		e                                 cache.Entry
		products                          string
		created, updated, expires, warmed int64
		lastAccessed                      sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT location_id, term, normalized_term, source, products, total,
	created_at, updated_at, expires_at, warmed_at, hit_count, last_accessed_at
FROM product_search_cache
WHERE id = ?
`, key.ID()).Scan(
		&e.LocationID, &e.Term, &e.NormalizedTerm, &e.Source, &products, &e.Total,
		&created, &updated, &expires, &warmed, &e.HitCount, &lastAccessed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get entry %s: %w", key.ID(), err)
	}
	if err := json.Unmarshal([]byte(products), &e.Products); err != nil {
		return nil, fmt.Errorf("sqlite: decode products %s: %w", key.ID(), err)
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	e.ExpiresAt = time.UnixMilli(expires).UTC()
	e.WarmedAt = time.UnixMilli(warmed).UTC()
	if lastAccessed.Valid {
		e.LastAccessedAt = time.UnixMilli(lastAccessed.Int64).UTC()
	}
	return &e, nil
}

func (s *Store) RecordHit(ctx context.Context, key cache.Key, at time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE product_search_cache
SET hit_count = hit_count + 1, last_accessed_at = ?
WHERE id = ?
`, at.UTC().UnixMilli(), key.ID())
	if err != nil {
		return fmt.Errorf("sqlite: record hit %s: %w", key.ID(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: record hit %s: %w", key.ID(), err)
	}
	if n == 0 {
		return cache.ErrNotFound
	}
	return nil
}

func (s *Store) Stats(ctx context.Context, locationID string) (*cache.WarmingStats, error) {
	st := cache.WarmingStats{LocationID: locationID}
	var last int64
	var warmType string
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT last_warmed_at, items_warmed, errors, warmed_by, warm_type
FROM warming_stats
WHERE location_id = ?
`, locationID).Scan(&last, &st.ItemsWarmed, &st.Errors, &st.WarmedBy, &warmType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get stats %s: %w", locationID, err)
	}
	st.LastWarmedAt = time.UnixMilli(last).UTC()
	st.WarmType = cache.WarmType(warmType)
	return &st, nil
}

func (s *Store) UpsertStats(ctx context.Context, st *cache.WarmingStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st == nil || st.LocationID == "" {
		return fmt.Errorf("sqlite: upsert stats: location is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO warming_stats (location_id, last_warmed_at, items_warmed, errors, warmed_by, warm_type)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(location_id) DO UPDATE SET
	last_warmed_at = MAX(warming_stats.last_warmed_at, excluded.last_warmed_at),
	items_warmed   = excluded.items_warmed,
	errors         = excluded.errors,
	warmed_by      = CASE WHEN excluded.warmed_by <> '' THEN excluded.warmed_by ELSE warming_stats.warmed_by END,
	warm_type      = excluded.warm_type
`,
		st.LocationID,
		st.LastWarmedAt.UTC().UnixMilli(),
		st.ItemsWarmed,
		st.Errors,
		st.WarmedBy,
		string(st.WarmType),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert stats %s: %w", st.LocationID, err)
	}
	return nil
}

func (s *Store) PutImage(ctx context.Context, img *cache.ImageEntry) error {
	if img == nil || img.ID == "" {
		return fmt.Errorf("sqlite: put image: id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO image_cache (id, prompt, url, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET prompt = excluded.prompt, url = excluded.url, created_at = excluded.created_at
`, img.ID, img.Prompt, img.URL, img.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: put image %s: %w", img.ID, err)
	}
	return nil
}

func (s *Store) FindStale(ctx context.Context, q cache.StaleQuery) ([]string, error) {
	table, column, err := tableFor(q.Collection)
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		return nil, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT id FROM "+table+" WHERE "+column+" < ? ORDER BY "+column+", id LIMIT ?",
		q.Before.UTC().UnixMilli(), q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find stale %s: %w", q.Collection, err)
	}
	defer rows.Close()

	ids := make([]string, 0, q.Limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate stale ids: %w", err)
	}
	return ids, nil
}

func (s *Store) DeleteBatch(ctx context.Context, collection cache.Collection, ids []string) error {
	table, _, err := tableFor(collection)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: delete batch %s: begin: %w", collection, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id IN ("+placeholders+")", args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: delete batch %s (%d ids): %w", collection, len(ids), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: delete batch %s: commit: %w", collection, err)
	}
	return nil
}

// SetAccountLocation records the store location configured by accountID.
func (s *Store) SetAccountLocation(ctx context.Context, accountID, locationID string, active bool) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO account_locations (account_id, location_id, active) VALUES (?, ?, ?)
ON CONFLICT(account_id) DO UPDATE SET location_id = excluded.location_id, active = excluded.active
`, accountID, locationID, active)
	if err != nil {
		return fmt.Errorf("sqlite: set account location %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) ActiveLocations(ctx context.Context, limit int) ([]string, error) {
	query := "SELECT DISTINCT location_id FROM account_locations WHERE active = 1 AND location_id <> '' ORDER BY location_id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: active locations: %w", err)
	}
	defer rows.Close()

	var locs []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("sqlite: scan location: %w", err)
		}
		locs = append(locs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate locations: %w", err)
	}
	return locs, nil
}

func tableFor(c cache.Collection) (table, column string, err error) {
	switch c {
	case cache.Products:
		return "product_search_cache", "expires_at", nil
	case cache.Images:
		return "image_cache", "created_at", nil
	}
	return "", "", fmt.Errorf("sqlite: unknown collection %q", c)
}

var _ cache.Store = (*Store)(nil)
