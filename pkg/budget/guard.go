// Package budget implements cost-ceiling admission control and the
// emergency kill switch. The guard is a stateless decision function: it
// reads ledger totals and returns a decision, and never mutates the ledger
// itself. The caller records spend only after the guarded action actually
// executed, so retries are not double-charged.
package budget

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/outflow-ai/outflow/pkg/config"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/store"
)

// Decision is the outcome of one budget check.
type Decision struct {
	Allowed  bool                  `json:"allowed"`
	Reason   string                `json:"reason,omitempty"`
	Headroom models.BudgetHeadroom `json:"headroom"`
}

// Guard checks estimated costs against configured ceilings.
type Guard struct {
	cfg    config.BudgetConfig
	ledger store.Store
	kill   *KillSwitch
}

// New creates a Guard reading totals from the given store.
func New(cfg config.BudgetConfig, kill *KillSwitch, ledger store.Store) *Guard {
	return &Guard{cfg: cfg, ledger: ledger, kill: kill}
}

// Check evaluates an estimated cost against the per-request, daily, and
// monthly ceilings, in that order. With fail_closed set, any breach denies;
// otherwise breaches are logged and allowed. The kill switch short-circuits
// everything with a service-paused reason.
func (g *Guard) Check(ctx context.Context, kind models.OperationKind, estimatedCost float64) (Decision, error) {
	if g.kill.Active(kind) {
		return Decision{Allowed: false, Reason: models.ReasonServicePaused}, nil
	}

	now := time.Now().UTC()
	dailyTotal, err := g.ledger.DailyTotal(ctx, now)
	if err != nil {
		return Decision{}, fmt.Errorf("budget check: %w", err)
	}
	monthlyTotal, err := g.ledger.MonthlyTotal(ctx, now)
	if err != nil {
		return Decision{}, fmt.Errorf("budget check: %w", err)
	}

	return g.evaluate(kind, estimatedCost, dailyTotal, monthlyTotal), nil
}

// evaluate is the pure decision core, separated from ledger reads.
func (g *Guard) evaluate(kind models.OperationKind, estimatedCost, dailyTotal, monthlyTotal float64) Decision {
	headroom := models.BudgetHeadroom{
		DailyRemaining:   clamp(g.cfg.DailyCap - dailyTotal),
		MonthlyRemaining: clamp(g.cfg.MonthlyCap - monthlyTotal),
	}

	reason := ""
	switch {
	case g.cfg.PerRequestMax > 0 && estimatedCost > g.cfg.PerRequestMax:
		reason = models.ReasonPerRequestExceeded
	case g.cfg.DailyCap > 0 && dailyTotal+estimatedCost > g.cfg.DailyCap:
		reason = models.ReasonDailyCapExceeded
	case g.cfg.MonthlyCap > 0 && monthlyTotal+estimatedCost > g.cfg.MonthlyCap:
		reason = models.ReasonMonthlyCapExceeded
	}

	if reason == "" {
		return Decision{Allowed: true, Headroom: headroom}
	}

	if !g.cfg.FailClosed {
		log.Printf("budget: %s for %s (estimated=%.4f daily=%.4f monthly=%.4f), soft mode allows",
			reason, kind, estimatedCost, dailyTotal, monthlyTotal)
		return Decision{Allowed: true, Reason: reason, Headroom: headroom}
	}

	return Decision{Allowed: false, Reason: reason, Headroom: headroom}
}

// Status returns current spend against the configured caps.
func (g *Guard) Status(ctx context.Context) (models.BudgetStatus, error) {
	now := time.Now().UTC()
	daily, err := g.ledger.DailyTotal(ctx, now)
	if err != nil {
		return models.BudgetStatus{}, fmt.Errorf("budget status: %w", err)
	}
	monthly, err := g.ledger.MonthlyTotal(ctx, now)
	if err != nil {
		return models.BudgetStatus{}, fmt.Errorf("budget status: %w", err)
	}
	return models.BudgetStatus{
		DailyTotal:   daily,
		MonthlyTotal: monthly,
		DailyCap:     g.cfg.DailyCap,
		MonthlyCap:   g.cfg.MonthlyCap,
		Headroom: models.BudgetHeadroom{
			DailyRemaining:   clamp(g.cfg.DailyCap - daily),
			MonthlyRemaining: clamp(g.cfg.MonthlyCap - monthly),
		},
	}, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
