package models

import "time"

// DispatchRecord is one audited dispatch attempt of a queued job.
type DispatchRecord struct {
	CorrelationID  string        `json:"correlation_id"`
	JobID          string        `json:"job_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	OperationType  OperationKind `json:"operation_type"`
	Attempt        int           `json:"attempt"`
	Outcome        string        `json:"outcome"`
	Error          string        `json:"error,omitempty"`
	ExternalID     string        `json:"external_id,omitempty"`
	LatencyMs      int64         `json:"latency_ms"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Dispatch outcomes recorded in the audit log.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeTransient = "transient"
	OutcomeFatal     = "fatal"
	OutcomeAbandoned = "abandoned"
)

// AuditConfig controls the dispatch audit log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxErrorSize  int    `yaml:"max_error_size"` // bytes
}

// DispatchQueryOpts specifies filters for querying the dispatch audit log.
type DispatchQueryOpts struct {
	JobID         string
	OperationType OperationKind
	Outcome       string
	Since         time.Time
	Limit         int
}

// DispatchStat holds aggregate dispatch counts for an operation/day/outcome combination.
type DispatchStat struct {
	OperationType string
	Day           string
	Outcome       string
	Count         int
}
