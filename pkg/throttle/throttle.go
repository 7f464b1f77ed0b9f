// Package throttle implements the graduated throttling state machine that
// degrades service as resource usage rises: first shorter freshness, then
// extended caching, then selective denial, then stale-only, then a hard stop.
package throttle

import (
	"time"

	"github.com/outflow-ai/outflow/pkg/models"
)

// Classification thresholds, in percent of the usage budget.
const (
	alertThreshold         = 70
	cacheExtendedThreshold = 80
	quotaDegradedThreshold = 90
	staleOnlyThreshold     = 95
	hardStopThreshold      = 100
)

// Policy describes the behavior of one throttling state.
type Policy struct {
	// AdmitFresh reports whether new upstream work may start in this state.
	AdmitFresh bool
	// PreferCache serves a cached result younger than the state's TTL
	// instead of fresh execution. Never set for the normal state, which
	// always admits fresh.
	PreferCache bool
	// ServeStale reports whether stale cached results are substituted for
	// fresh computation regardless of age.
	ServeStale bool
	// ShortTTL applies to lightweight operations, LongTTL to heavy ones.
	ShortTTL time.Duration
	LongTTL  time.Duration
	// Disabled lists operation kinds denied outright in this state.
	Disabled []models.OperationKind
}

// policies maps every throttling state to its behavior. Keep this table
// exhaustive over the state enum; Decide falls back to a deny otherwise.
var policies = map[models.ThrottlingState]Policy{
	models.StateNormal: {
		AdmitFresh: true,
		ShortTTL:   5 * time.Minute,
		LongTTL:    time.Hour,
	},
	models.StateAlert: {
		AdmitFresh:  true,
		PreferCache: true,
		ShortTTL:    15 * time.Minute,
		LongTTL:     2 * time.Hour,
	},
	models.StateCacheExtended: {
		AdmitFresh:  true,
		PreferCache: true,
		ShortTTL:    time.Hour,
		LongTTL:     6 * time.Hour,
	},
	models.StateQuotaDegraded: {
		AdmitFresh:  true,
		PreferCache: true,
		ShortTTL:    2 * time.Hour,
		LongTTL:     12 * time.Hour,
		Disabled:    []models.OperationKind{models.OpRefreshAnalytics, models.OpExportReport},
	},
	models.StateStaleOnly: {
		ServeStale: true,
		ShortTTL:   24 * time.Hour,
		LongTTL:    24 * time.Hour,
	},
	models.StateHardStop: {
		ServeStale: true,
	},
}

// heavyKinds use LongTTL; everything else uses ShortTTL.
var heavyKinds = map[models.OperationKind]bool{
	models.OpRefreshAnalytics: true,
	models.OpExportReport:     true,
}

// Classify maps a usage percentage to a throttling state. It is a pure
// function and monotonic: a higher percentage never yields a less
// restrictive state.
func Classify(percentage float64) models.ThrottlingState {
	switch {
	case percentage >= hardStopThreshold:
		return models.StateHardStop
	case percentage >= staleOnlyThreshold:
		return models.StateStaleOnly
	case percentage >= quotaDegradedThreshold:
		return models.StateQuotaDegraded
	case percentage >= cacheExtendedThreshold:
		return models.StateCacheExtended
	case percentage >= alertThreshold:
		return models.StateAlert
	default:
		return models.StateNormal
	}
}

// TTLFor returns the cache TTL for an operation kind in a given state.
func TTLFor(state models.ThrottlingState, kind models.OperationKind) time.Duration {
	p, ok := policies[state]
	if !ok {
		return 0
	}
	if heavyKinds[kind] {
		return p.LongTTL
	}
	return p.ShortTTL
}

// Decide evaluates one operation against the current state. hasCache and
// cacheAge describe the caller's cached result for this operation, if any.
func Decide(kind models.OperationKind, state models.ThrottlingState, hasCache bool, cacheAge time.Duration) models.AdmissionDecision {
	p, ok := policies[state]
	if !ok {
		// Unknown state: never silently allow.
		return models.AdmissionDecision{
			Allowed: false,
			Reason:  models.ReasonPolicyViolation,
			State:   state,
		}
	}

	if p.ServeStale {
		if hasCache {
			stale := time.Now().UTC().Add(-cacheAge)
			return models.AdmissionDecision{
				Allowed:        true,
				State:          state,
				UseCache:       true,
				StaleTimestamp: &stale,
			}
		}
		reason := models.ReasonStaleOnlyNoCache
		if state == models.StateHardStop {
			reason = models.ReasonHardStop
		}
		return models.AdmissionDecision{Allowed: false, Reason: reason, State: state}
	}

	for _, d := range p.Disabled {
		if d == kind {
			return models.AdmissionDecision{
				Allowed: false,
				Reason:  models.ReasonOperationDisabled,
				State:   state,
			}
		}
	}

	ttl := TTLFor(state, kind)
	if p.PreferCache && hasCache && cacheAge <= ttl {
		return models.AdmissionDecision{
			Allowed:  true,
			State:    state,
			UseCache: true,
			CacheTTL: ttl,
		}
	}

	if !p.AdmitFresh {
		return models.AdmissionDecision{Allowed: false, Reason: models.ReasonPolicyViolation, State: state}
	}

	return models.AdmissionDecision{Allowed: true, State: state, CacheTTL: ttl}
}

// Escalated reports whether next is strictly more restrictive than prev.
// Used to drive one-shot operator alerts on state transitions; repeated
// evaluation at the same or an improving state must not re-fire.
func Escalated(prev, next models.ThrottlingState) bool {
	return next.MoreRestrictiveThan(prev)
}
