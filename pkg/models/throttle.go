package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ThrottlingState is a graduated degradation level derived from resource
// usage. States are totally ordered by restrictiveness, ascending.
type ThrottlingState int

const (
	StateNormal ThrottlingState = iota
	StateAlert
	StateCacheExtended
	StateQuotaDegraded
	StateStaleOnly
	StateHardStop
)

var stateNames = map[ThrottlingState]string{
	StateNormal:        "normal",
	StateAlert:         "alert",
	StateCacheExtended: "cache_extended",
	StateQuotaDegraded: "quota_degraded",
	StateStaleOnly:     "stale_only",
	StateHardStop:      "hard_stop",
}

// String returns the wire name of the state.
func (s ThrottlingState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MoreRestrictiveThan reports whether s is strictly more restrictive than other.
func (s ThrottlingState) MoreRestrictiveThan(other ThrottlingState) bool {
	return s > other
}

// MarshalJSON encodes the state as its wire name.
func (s ThrottlingState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state from its wire name.
func (s *ThrottlingState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown throttling state %q", name)
}

// UsageSnapshot is a point-in-time reading of resource usage, computed by the
// caller from rolling billing data.
type UsageSnapshot struct {
	Percentage float64   `json:"percentage"`
	ObservedAt time.Time `json:"observed_at"`
}

// OperationKind identifies a logical class of outbound work.
type OperationKind string

const (
	OpPublishPost      OperationKind = "post.publish"
	OpGenerateContent  OperationKind = "content.generate"
	OpRefreshAnalytics OperationKind = "analytics.refresh"
	OpExportReport     OperationKind = "report.export"
)

// Machine-readable admission refusal reasons.
const (
	ReasonServicePaused      = "service-paused"
	ReasonHardStop           = "usage-hard-stop"
	ReasonStaleOnlyNoCache   = "stale-only-no-cache"
	ReasonOperationDisabled  = "operation-disabled"
	ReasonPerRequestExceeded = "per-request-cap-exceeded"
	ReasonDailyCapExceeded   = "daily-cap-exceeded"
	ReasonMonthlyCapExceeded = "monthly-cap-exceeded"
	ReasonPolicyViolation    = "policy-violation"
)

// AdmissionDecision is the immutable outcome of evaluating one request
// against the throttling state machine, kill switch, and budget guard.
type AdmissionDecision struct {
	Allowed        bool            `json:"allowed"`
	Reason         string          `json:"reason,omitempty"`
	State          ThrottlingState `json:"state"`
	UseCache       bool            `json:"use_cache"`
	CacheTTL       time.Duration   `json:"cache_ttl,omitempty"`
	StaleTimestamp *time.Time      `json:"stale_timestamp,omitempty"`
	Headroom       *BudgetHeadroom `json:"headroom,omitempty"`
}
