// Package admission is the caller-facing gate in front of the queue. One
// evaluation runs the kill switch, the throttling state machine, and the
// budget guard in that order and folds the result into a single decision.
package admission

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/outflow-ai/outflow/pkg/budget"
	"github.com/outflow-ai/outflow/pkg/metrics"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/throttle"
)

// AlertFunc is invoked once per throttling escalation.
type AlertFunc func(prev, next models.ThrottlingState)

// Controller evaluates admission for outbound operations.
type Controller struct {
	guard   *budget.Guard
	alertFn AlertFunc

	mu           sync.Mutex
	lastState    models.ThrottlingState
	lastSnapshot models.UsageSnapshot
}

// New creates a Controller. alertFn may be nil; escalations are always
// logged.
func New(guard *budget.Guard, alertFn AlertFunc) *Controller {
	return &Controller{guard: guard, alertFn: alertFn}
}

// Request carries one admission evaluation's inputs. UsagePercentage comes
// from the caller's rolling billing data; HasCache and CacheAge describe
// the caller's cached result for this operation, if any.
type Request struct {
	UsagePercentage float64
	Operation       models.OperationKind
	HasCache        bool
	CacheAge        time.Duration
	EstimatedCost   float64
}

// Evaluate produces the admission decision for one request. The budget
// guard is consulted only for fresh execution; serving from cache costs
// nothing.
func (c *Controller) Evaluate(ctx context.Context, req Request) (models.AdmissionDecision, error) {
	state := throttle.Classify(req.UsagePercentage)
	c.note(req.UsagePercentage, state)

	budgetDec, err := c.guard.Check(ctx, req.Operation, req.EstimatedCost)
	if err != nil {
		return models.AdmissionDecision{}, err
	}
	if budgetDec.Reason == models.ReasonServicePaused {
		dec := models.AdmissionDecision{
			Allowed: false,
			Reason:  models.ReasonServicePaused,
			State:   state,
		}
		c.count(dec)
		return dec, nil
	}

	dec := throttle.Decide(req.Operation, state, req.HasCache, req.CacheAge)
	if !dec.Allowed || dec.UseCache {
		c.count(dec)
		return dec, nil
	}

	if !budgetDec.Allowed {
		dec = models.AdmissionDecision{
			Allowed:  false,
			Reason:   budgetDec.Reason,
			State:    state,
			Headroom: &budgetDec.Headroom,
		}
		c.count(dec)
		return dec, nil
	}

	dec.Headroom = &budgetDec.Headroom
	if budgetDec.Reason != "" {
		// Soft-mode breach: allowed, but the reason travels with the decision.
		dec.Reason = budgetDec.Reason
	}
	c.count(dec)
	return dec, nil
}

// Observed returns the last usage snapshot and its derived throttling state.
func (c *Controller) Observed() (models.UsageSnapshot, models.ThrottlingState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSnapshot, c.lastState
}

// note tracks the last observed usage and fires the one-shot escalation
// alert on strictly more restrictive transitions.
func (c *Controller) note(pct float64, next models.ThrottlingState) {
	c.mu.Lock()
	prev := c.lastState
	c.lastState = next
	c.lastSnapshot = models.UsageSnapshot{Percentage: pct, ObservedAt: time.Now().UTC()}
	c.mu.Unlock()

	if throttle.Escalated(prev, next) {
		metrics.EscalationsTotal.Inc()
		log.Printf("admission: throttling escalated %s -> %s", prev, next)
		if c.alertFn != nil {
			c.alertFn(prev, next)
		}
	}
}

func (c *Controller) count(dec models.AdmissionDecision) {
	outcome := "denied"
	switch {
	case dec.Allowed && dec.UseCache:
		outcome = "cached"
	case dec.Allowed:
		outcome = "allowed"
	}
	metrics.AdmissionsTotal.WithLabelValues(outcome, dec.State.String()).Inc()
}
