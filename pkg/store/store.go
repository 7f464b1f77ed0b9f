package store

import (
	"context"
	"time"

	"github.com/outflow-ai/outflow/pkg/models"
)

// Store is the durable backing for queued jobs and the spend ledger. The
// durable row is the single source of truth for job status; the in-memory
// dispatch ring must be rebuildable entirely from it.
type Store interface {
	// InsertJob persists a new job. It returns inserted=false without
	// error when a row with the same idempotency key already exists.
	InsertJob(ctx context.Context, job models.QueuedJob) (inserted bool, err error)
	// JobByKey returns the job with the given idempotency key, or nil.
	JobByKey(ctx context.Context, idempotencyKey string) (*models.QueuedJob, error)
	// JobByID returns the job with the given id, or nil.
	JobByID(ctx context.Context, id string) (*models.QueuedJob, error)
	// UpdateJob persists the job's mutable fields (status, attempts,
	// scheduled_at, last_error, external_id).
	UpdateJob(ctx context.Context, job models.QueuedJob) error
	// PendingJobs returns all non-terminal jobs, oldest first. Used for
	// startup rehydration.
	PendingJobs(ctx context.Context) ([]models.QueuedJob, error)
	// JobsByStatus returns up to limit jobs with the given status, newest first.
	JobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.QueuedJob, error)

	// RecordSpend appends a realized-cost record to the ledger.
	RecordSpend(ctx context.Context, rec models.SpendRecord) error
	// DailyTotal returns ledger spend since the start of at's UTC day.
	DailyTotal(ctx context.Context, at time.Time) (float64, error)
	// MonthlyTotal returns ledger spend since the start of at's UTC month.
	MonthlyTotal(ctx context.Context, at time.Time) (float64, error)

	// Close releases resources.
	Close() error
}
