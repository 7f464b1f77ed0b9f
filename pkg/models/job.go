package models

import "time"

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobAbandoned  JobStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobAbandoned
}

// QueuedJob is one durable unit of outbound work. The durable row is the
// source of truth for status; the in-memory dispatch ring only caches
// pending work.
type QueuedJob struct {
	ID             string        `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	OperationType  OperationKind `json:"operation_type"`
	Payload        []byte        `json:"payload"`
	Attempts       int           `json:"attempts"`
	Status         JobStatus     `json:"status"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	LastError      string        `json:"last_error,omitempty"`
	ExternalID     string        `json:"external_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
