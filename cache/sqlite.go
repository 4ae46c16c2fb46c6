package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db   *sql.DB
	cfg  config
	once sync.Once

	// mu serializes writers and guards clock.
	mu    sync.Mutex
	clock int64
}

var (
	_ Backend        = (*sqliteBackend)(nil)
	_ BackendStatser = (*sqliteBackend)(nil)
)

// NewSQLiteBackend returns a new Backend stored in a SQLite database.
// If dbPath is empty or ":memory:", an in-memory database is used.
// The database is trimmed to WithMaxBytes after every Put, least recently
// used rows first.
func NewSQLiteBackend(ctx context.Context, dbPath string, opts ...Option) (Backend, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	cfg := applyOptions(opts)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbPath)
	}
	// a single connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS blobs (
			key BLOB PRIMARY KEY,
			value BLOB NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			accessed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blobs_lru ON blobs(accessed_at, created_at)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "init %s", dbPath)
		}
	}

	c := &sqliteBackend{db: db, cfg: cfg}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(accessed_at), 0) FROM blobs`).Scan(&c.clock); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "read clock %s", dbPath)
	}
	return c, nil
}

func (c *sqliteBackend) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *sqliteBackend) tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	return c.clock
}

func (c *sqliteBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var value []byte
	err := c.db.QueryRowContext(qctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Bump recency (best effort, don't fail the Get).
	_, _ = c.db.ExecContext(qctx, `UPDATE blobs SET accessed_at = ? WHERE key = ?`, c.tick(), key)
	return value, nil
}

func (c *sqliteBackend) Put(ctx context.Context, key []byte, value []byte) error {
	size := int64(len(value))
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	// a value that can never fit still replaces what was under key.
	if c.cfg.maxBytes > 0 && size > c.cfg.maxBytes {
		_, err := c.db.ExecContext(qctx, `DELETE FROM blobs WHERE key = ?`, key)
		return err
	}
	c.clock++

	tx, err := c.db.BeginTx(qctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(qctx,
		`INSERT INTO blobs (key, value, size, created_at, accessed_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, size = excluded.size,
		created_at = excluded.created_at, accessed_at = excluded.accessed_at`,
		key, value, size, time.Now().UnixNano(), c.clock,
	); err != nil {
		return err
	}
	if c.cfg.maxBytes > 0 {
		if err := c.trim(qctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// trim deletes least recently used rows until the table fits maxBytes.
func (c *sqliteBackend) trim(ctx context.Context, tx *sql.Tx) error {
	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM blobs`).Scan(&total); err != nil {
		return err
	}
	if total <= c.cfg.maxBytes {
		return nil
	}
	rows, err := tx.QueryContext(ctx, `SELECT key, size FROM blobs ORDER BY accessed_at, created_at`)
	if err != nil {
		return err
	}
	var victims [][]byte
	for total > c.cfg.maxBytes && rows.Next() {
		var key []byte
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			rows.Close()
			return err
		}
		victims = append(victims, key)
		total -= size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *sqliteBackend) DeleteAll(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(qctx, `DELETE FROM blobs`)
	return err
}

func (c *sqliteBackend) Stats(ctx context.Context) (BackendStats, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var s BackendStats
	err := c.db.QueryRowContext(qctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM blobs`).Scan(&s.Entries, &s.Bytes)
	return s, err
}

func (c *sqliteBackend) Close() error {
	var dbErr error
	c.once.Do(func() {
		dbErr = c.db.Close()
	})
	return dbErr
}
