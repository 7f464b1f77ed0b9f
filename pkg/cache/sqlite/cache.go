// Package sqlite implements the result cache backing degraded-state
// admission: the last successful result per operation and scope, with its
// age, so the throttling layer can serve cached or stale data instead of
// fresh execution.
package sqlite

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/outflow-ai/outflow/pkg/models"
)

// Cache stores the most recent successful result per (operation, scope).
type Cache struct {
	db     *sql.DB
	hits   atomic.Int64
	misses atomic.Int64
}

const createResultsTable = `
CREATE TABLE IF NOT EXISTS result_cache (
	operation_type TEXT NOT NULL,
	scope TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (operation_type, scope)
);
`

// New creates a Cache with the given database path.
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createResultsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Get retrieves the cached result and its age. The cache itself applies no
// TTL; freshness is judged by the throttling policy for the current state.
func (c *Cache) Get(kind models.OperationKind, scope string) ([]byte, time.Duration, bool) {
	var payload []byte
	var createdAt time.Time

	err := c.db.QueryRow(
		`SELECT payload, created_at FROM result_cache WHERE operation_type = ? AND scope = ?`,
		string(kind), scope,
	).Scan(&payload, &createdAt)

	if err != nil {
		c.misses.Add(1)
		return nil, 0, false
	}

	c.hits.Add(1)
	return payload, time.Since(createdAt), true
}

// Put stores a result, replacing any previous one for the same operation
// and scope.
func (c *Cache) Put(kind models.OperationKind, scope string, payload []byte) error {
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO result_cache (operation_type, scope, payload, created_at)
		 VALUES (?, ?, ?, ?)`,
		string(kind), scope, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Entries lists cached results, newest first. Listing does not count
// toward hit/miss stats.
func (c *Cache) Entries(limit int) ([]models.ResultEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.Query(
		`SELECT operation_type, scope, payload, created_at FROM result_cache
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cache entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ResultEntry
	for rows.Next() {
		var e models.ResultEntry
		var op string
		if err := rows.Scan(&op, &e.Scope, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.OperationType = models.OperationKind(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM result_cache`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. With olderThan > 0, only entries older than
// that age are removed.
func (c *Cache) Clear(olderThan time.Duration) error {
	var err error
	if olderThan > 0 {
		_, err = c.db.Exec(`DELETE FROM result_cache WHERE created_at < ?`,
			time.Now().UTC().Add(-olderThan))
	} else {
		_, err = c.db.Exec(`DELETE FROM result_cache`)
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
