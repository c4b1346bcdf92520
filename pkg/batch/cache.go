package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Cache is a durable fingerprint -> payload store backed by SQLite. It
// outlives individual pipeline runs: a hit here satisfies a work item
// without touching the external service at all.
//
// Expiry is evaluated at read time. Stale rows stay in place until a fresh
// Put overwrites them; there is no background sweep.
type Cache struct {
	db  *sql.DB
	ttl time.Duration

	now func() time.Time
}

// OpenCache opens (creating if needed) the cache store at path. A ttl of
// zero disables expiry.
func OpenCache(path string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set cache pragmas: %w", err)
	}
	if _, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS geocode_cache (
            fingerprint TEXT NOT NULL PRIMARY KEY,
            payload     BLOB NOT NULL,
            created_at  INTEGER NOT NULL,

            CHECK (length(fingerprint) > 0)
        );
    `); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the payload for fingerprint if present and not expired.
// Expired rows are reported absent; they are not deleted.
func (c *Cache) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	payload, createdAt, ok, err := c.read(ctx, fingerprint)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.ttl > 0 && c.now().Sub(createdAt) >= c.ttl {
		return nil, false, nil
	}
	return payload, true, nil
}

// GetStale reads a payload ignoring expiry. Used only to materialize output
// rows for fingerprints a checkpoint already confirms resolved; never for
// fetch decisions.
func (c *Cache) GetStale(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	payload, _, ok, err := c.read(ctx, fingerprint)
	return payload, ok, err
}

func (c *Cache) read(ctx context.Context, fingerprint string) ([]byte, time.Time, bool, error) {
	var payload []byte
	var createdUnix int64
	err := c.db.QueryRowContext(ctx,
		"SELECT payload, created_at FROM geocode_cache WHERE fingerprint = ?",
		fingerprint,
	).Scan(&payload, &createdUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("read cache entry: %w", err)
	}
	return payload, time.Unix(createdUnix, 0), true, nil
}

// Put stores the payload for fingerprint, replacing any prior row.
// Last-writer-wins: payloads for the same fingerprint are expected stable.
func (c *Cache) Put(ctx context.Context, fingerprint string, payload []byte) error {
	return c.putAt(ctx, fingerprint, payload, c.now())
}

func (c *Cache) putAt(ctx context.Context, fingerprint string, payload []byte, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO geocode_cache (fingerprint, payload, created_at) VALUES (?, ?, ?)",
		fingerprint, payload, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}
