// Package audit keeps the operator-facing dispatch log: one row per
// dispatch attempt with its correlation id and retry classification. The
// user-facing error surface stays generic; the detail lives here.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/outflow-ai/outflow/pkg/models"
	_ "modernc.org/sqlite"
)

// Logger writes and queries dispatch records in a SQLite database.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit database and creates the schema.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS dispatch_log (
		correlation_id  TEXT PRIMARY KEY,
		job_id          TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		operation_type  TEXT NOT NULL,
		attempt         INTEGER NOT NULL,
		outcome         TEXT NOT NULL,
		error           TEXT NOT NULL DEFAULT '',
		external_id     TEXT NOT NULL DEFAULT '',
		latency_ms      INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_dispatch_job ON dispatch_log(job_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_dispatch_created ON dispatch_log(created_at)`)
	return err
}

// Log inserts a dispatch record. A nil Logger is a no-op so the queue can
// run with auditing disabled.
func (l *Logger) Log(ctx context.Context, rec models.DispatchRecord) error {
	if l == nil || l.db == nil {
		return nil
	}

	errText := rec.Error
	if l.cfg.MaxErrorSize > 0 && len(errText) > l.cfg.MaxErrorSize {
		errText = errText[:l.cfg.MaxErrorSize]
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dispatch_log
		(correlation_id, job_id, idempotency_key, operation_type, attempt, outcome, error, external_id, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.JobID, rec.IdempotencyKey, string(rec.OperationType),
		rec.Attempt, rec.Outcome, errText, rec.ExternalID, rec.LatencyMs, rec.CreatedAt,
	)
	return err
}

// Query returns dispatch records matching the given options.
func (l *Logger) Query(ctx context.Context, opts models.DispatchQueryOpts) ([]models.DispatchRecord, error) {
	q := `SELECT correlation_id, job_id, idempotency_key, operation_type, attempt, outcome, error, external_id, latency_ms, created_at
		FROM dispatch_log WHERE 1=1`
	var args []any

	if opts.JobID != "" {
		q += " AND job_id = ?"
		args = append(args, opts.JobID)
	}
	if opts.OperationType != "" {
		q += " AND operation_type = ?"
		args = append(args, string(opts.OperationType))
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query dispatch log: %w", err)
	}
	defer rows.Close()

	var records []models.DispatchRecord
	for rows.Next() {
		var r models.DispatchRecord
		var op string
		if err := rows.Scan(
			&r.CorrelationID, &r.JobID, &r.IdempotencyKey, &op,
			&r.Attempt, &r.Outcome, &r.Error, &r.ExternalID,
			&r.LatencyMs, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dispatch row: %w", err)
		}
		r.OperationType = models.OperationKind(op)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats returns aggregate counts grouped by operation, day, and outcome.
func (l *Logger) Stats(ctx context.Context) ([]models.DispatchStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT operation_type, date(created_at) as day, outcome, count(*) as cnt
		 FROM dispatch_log GROUP BY operation_type, day, outcome ORDER BY day DESC, operation_type`)
	if err != nil {
		return nil, fmt.Errorf("dispatch stats: %w", err)
	}
	defer rows.Close()

	var stats []models.DispatchStat
	for rows.Next() {
		var s models.DispatchStat
		var day sql.NullString
		if err := rows.Scan(&s.OperationType, &day, &s.Outcome, &s.Count); err != nil {
			return nil, fmt.Errorf("scan dispatch stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes records older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM dispatch_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
