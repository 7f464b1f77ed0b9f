package models

import "time"

// ResultEntry stores the last successful result for an operation, used to
// serve cached or stale responses in degraded throttling states.
type ResultEntry struct {
	OperationType OperationKind `json:"operation_type"`
	Scope         string        `json:"scope"`
	Payload       []byte        `json:"payload"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CacheStats reports result cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
