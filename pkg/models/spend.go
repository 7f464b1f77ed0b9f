package models

import "time"

// SpendRecord tracks the realized cost of one executed operation. Records
// are written only after the guarded action actually executed, never at
// admission time, so retries are not double-charged.
type SpendRecord struct {
	ID            int64         `json:"id"`
	JobID         string        `json:"job_id"`
	OperationType OperationKind `json:"operation_type"`
	Amount        float64       `json:"amount"`
	CreatedAt     time.Time     `json:"created_at"`
}

// BudgetHeadroom reports the remaining room under each cost ceiling.
// Values are clamped to zero, never negative.
type BudgetHeadroom struct {
	DailyRemaining   float64 `json:"daily_remaining"`
	MonthlyRemaining float64 `json:"monthly_remaining"`
}

// BudgetStatus shows current spend against the configured caps.
type BudgetStatus struct {
	DailyTotal   float64        `json:"daily_total"`
	MonthlyTotal float64        `json:"monthly_total"`
	DailyCap     float64        `json:"daily_cap"`
	MonthlyCap   float64        `json:"monthly_cap"`
	Headroom     BudgetHeadroom `json:"headroom"`
}
