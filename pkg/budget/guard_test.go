package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/outflow-ai/outflow/pkg/config"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/store"
)

func setup(t *testing.T) (*store.SQLiteStore, context.Context) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "budget_test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, context.Background()
}

func caps(failClosed bool) config.BudgetConfig {
	return config.BudgetConfig{
		PerRequestMax: 0.50,
		DailyCap:      7,
		MonthlyCap:    150,
		FailClosed:    failClosed,
	}
}

func TestCheckUnderBudget(t *testing.T) {
	s, ctx := setup(t)
	g := New(caps(true), NewKillSwitch(config.KillConfig{}), s)

	d, err := g.Check(ctx, models.OpGenerateContent, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Errorf("expected allow, got reason %q", d.Reason)
	}
	if d.Headroom.DailyRemaining != 7 {
		t.Errorf("expected 7 daily headroom, got %v", d.Headroom.DailyRemaining)
	}
}

func TestCheckPerRequestCap(t *testing.T) {
	s, ctx := setup(t)
	g := New(caps(true), NewKillSwitch(config.KillConfig{}), s)

	d, err := g.Check(ctx, models.OpGenerateContent, 0.75)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected deny over per-request cap")
	}
	if d.Reason != models.ReasonPerRequestExceeded {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestCheckDailyCapBoundary(t *testing.T) {
	s, ctx := setup(t)
	_ = s.RecordSpend(ctx, models.SpendRecord{
		JobID: "j1", OperationType: models.OpGenerateContent,
		Amount: 6.99, CreatedAt: time.Now().UTC(),
	})

	g := New(caps(true), NewKillSwitch(config.KillConfig{}), s)

	// 6.99 + 0.02 crosses the 7.00 cap.
	d, err := g.Check(ctx, models.OpGenerateContent, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected deny at daily boundary")
	}
	if d.Reason != models.ReasonDailyCapExceeded {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if d.Headroom.DailyRemaining < 0 {
		t.Errorf("headroom must never be negative, got %v", d.Headroom.DailyRemaining)
	}

	// 6.99 + 0.01 lands exactly on the cap and is still allowed.
	d, err = g.Check(ctx, models.OpGenerateContent, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Errorf("expected allow at exact cap, got reason %q", d.Reason)
	}
}

func TestCheckFailOpenAllowsWithReason(t *testing.T) {
	s, ctx := setup(t)
	g := New(caps(false), NewKillSwitch(config.KillConfig{}), s)

	d, err := g.Check(ctx, models.OpGenerateContent, 0.75)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("soft mode should allow on breach")
	}
	if d.Reason != models.ReasonPerRequestExceeded {
		t.Errorf("soft mode should still carry the breach reason, got %q", d.Reason)
	}
}

func TestKillSwitchBeatsHealthyBudget(t *testing.T) {
	s, ctx := setup(t)
	g := New(caps(true), NewKillSwitch(config.KillConfig{Enabled: true, Global: true}), s)

	d, err := g.Check(ctx, models.OpGenerateContent, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected deny with kill switch active")
	}
	if d.Reason != models.ReasonServicePaused {
		t.Errorf("expected service-paused, got %q", d.Reason)
	}
}

func TestKillSwitchScopedToOperation(t *testing.T) {
	s, ctx := setup(t)
	kill := NewKillSwitch(config.KillConfig{
		Enabled:    true,
		Operations: []models.OperationKind{models.OpPublishPost},
	})
	g := New(caps(true), kill, s)

	d, err := g.Check(ctx, models.OpPublishPost, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != models.ReasonServicePaused {
		t.Errorf("expected paused for post.publish, got %+v", d)
	}

	d, err = g.Check(ctx, models.OpGenerateContent, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Errorf("expected other kinds unaffected, got reason %q", d.Reason)
	}
}

func TestStatus(t *testing.T) {
	s, ctx := setup(t)
	_ = s.RecordSpend(ctx, models.SpendRecord{
		JobID: "j1", OperationType: models.OpGenerateContent,
		Amount: 2.5, CreatedAt: time.Now().UTC(),
	})

	g := New(caps(true), NewKillSwitch(config.KillConfig{}), s)
	st, err := g.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.DailyTotal != 2.5 {
		t.Errorf("expected 2.5 daily total, got %v", st.DailyTotal)
	}
	if st.Headroom.DailyRemaining != 4.5 {
		t.Errorf("expected 4.5 daily headroom, got %v", st.Headroom.DailyRemaining)
	}
}
