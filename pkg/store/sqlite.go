package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/outflow-ai/outflow/pkg/models"
)

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	operation_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	scheduled_at DATETIME NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, scheduled_at);
`

const createSpendTable = `
CREATE TABLE IF NOT EXISTS spend_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	operation_type TEXT NOT NULL,
	amount REAL NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spend_time ON spend_records(created_at);
`

// New opens a SQLiteStore and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate jobs table: %w", err)
	}
	if _, err := db.Exec(createSpendTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate spend table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// InsertJob persists a new job. The UNIQUE constraint on idempotency_key
// makes the insert atomic: a conflicting concurrent insert leaves exactly
// one row, and the loser observes inserted=false.
func (s *SQLiteStore) InsertJob(ctx context.Context, job models.QueuedJob) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, idempotency_key, operation_type, payload, attempts, status, scheduled_at, last_error, external_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		job.ID, job.IdempotencyKey, string(job.OperationType), job.Payload,
		job.Attempts, string(job.Status), job.ScheduledAt.UTC(),
		job.LastError, job.ExternalID, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return n > 0, nil
}

const jobColumns = `id, idempotency_key, operation_type, payload, attempts, status, scheduled_at, last_error, external_id, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*models.QueuedJob, error) {
	var j models.QueuedJob
	var op, status string
	if err := row.Scan(&j.ID, &j.IdempotencyKey, &op, &j.Payload, &j.Attempts,
		&status, &j.ScheduledAt, &j.LastError, &j.ExternalID, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.OperationType = models.OperationKind(op)
	j.Status = models.JobStatus(status)
	return &j, nil
}

// JobByKey returns the job with the given idempotency key, or nil if absent.
func (s *SQLiteStore) JobByKey(ctx context.Context, key string) (*models.QueuedJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job by key: %w", err)
	}
	return j, nil
}

// JobByID returns the job with the given id, or nil if absent.
func (s *SQLiteStore) JobByID(ctx context.Context, id string) (*models.QueuedJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job by id: %w", err)
	}
	return j, nil
}

// UpdateJob persists the job's mutable fields.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job models.QueuedJob) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempts = ?, status = ?, scheduled_at = ?, last_error = ?, external_id = ?, updated_at = ?
		 WHERE id = ?`,
		job.Attempts, string(job.Status), job.ScheduledAt.UTC(),
		job.LastError, job.ExternalID, time.Now().UTC(), job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// PendingJobs returns all queued and processing jobs, oldest first.
func (s *SQLiteStore) PendingJobs(ctx context.Context) ([]models.QueuedJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY scheduled_at ASC, created_at ASC`,
		string(models.JobQueued), string(models.JobProcessing))
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobsByStatus returns up to limit jobs with the given status, newest first.
func (s *SQLiteStore) JobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.QueuedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("jobs by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]models.QueuedJob, error) {
	var jobs []models.QueuedJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// RecordSpend appends a realized-cost record to the ledger.
func (s *SQLiteStore) RecordSpend(ctx context.Context, rec models.SpendRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_records (job_id, operation_type, amount, created_at) VALUES (?, ?, ?, ?)`,
		rec.JobID, string(rec.OperationType), rec.Amount, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// DailyTotal returns ledger spend since the start of at's UTC day.
func (s *SQLiteStore) DailyTotal(ctx context.Context, at time.Time) (float64, error) {
	at = at.UTC()
	since := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	return s.totalSince(ctx, since)
}

// MonthlyTotal returns ledger spend since the start of at's UTC month.
func (s *SQLiteStore) MonthlyTotal(ctx context.Context, at time.Time) (float64, error) {
	at = at.UTC()
	since := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return s.totalSince(ctx, since)
}

func (s *SQLiteStore) totalSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM spend_records WHERE created_at >= ?`, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spend total: %w", err)
	}
	return total, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
