package control

import (
	"context"
	"testing"
	"time"

	"goldflow/internal/market"
	"goldflow/internal/store"
)

func newAdmission(s store.Store) *Admission {
	return NewAdmission(s, time.Hour, 5*time.Minute, time.Hour, 15*time.Minute)
}

func TestComputeBackoff(t *testing.T) {
	cases := []struct {
		base       time.Duration
		max        time.Duration
		errorCount int
		want       time.Duration
	}{
		{5 * time.Minute, time.Hour, 0, 5 * time.Minute},
		{5 * time.Minute, time.Hour, 1, 5 * time.Minute},
		{5 * time.Minute, time.Hour, 2, 10 * time.Minute},
		{5 * time.Minute, time.Hour, 3, 20 * time.Minute},
		{5 * time.Minute, time.Hour, 10, time.Hour},
		{0, time.Hour, 3, 0},
	}
	for _, c := range cases {
		if got := computeBackoff(c.base, c.max, c.errorCount); got != c.want {
			t.Errorf("computeBackoff(%s, %s, %d) = %s, want %s", c.base, c.max, c.errorCount, got, c.want)
		}
	}
}

func TestShouldRunManualBypassesChecks(t *testing.T) {
	s := store.NewMemory()
	s.SetIngestionConfig(market.IngestionConfig{
		SourceType: "bingx",
		Feed:       market.FeedCandles,
		Enabled:    false,
	})

	decision, err := newAdmission(s).ShouldRun(context.Background(), "bingx", "", market.FeedCandles, market.TriggerManual, time.Now())
	if err != nil {
		t.Fatalf("ShouldRun failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("manual trigger should always be allowed, got reason %q", decision.Reason)
	}
}

func TestShouldRunPaused(t *testing.T) {
	s := store.NewMemory()
	s.SetIngestionConfig(market.IngestionConfig{
		SourceType: "bingx",
		Feed:       market.FeedCandles,
		Enabled:    false,
	})

	decision, err := newAdmission(s).ShouldRun(context.Background(), "bingx", "", market.FeedCandles, market.TriggerSchedule, time.Now())
	if err != nil {
		t.Fatalf("ShouldRun failed: %v", err)
	}
	if decision.Allowed || decision.Reason != "paused" {
		t.Fatalf("expected paused, got allowed=%v reason=%q", decision.Allowed, decision.Reason)
	}
}

func TestShouldRunOverlapAndTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	a := newAdmission(s)
	now := time.Now()

	run := &market.IngestionRun{
		SourceType: "bingx",
		Feed:       market.FeedTrades,
		Trigger:    market.TriggerSchedule,
		Status:     market.RunRunning,
		StartedAt:  now.Add(-time.Minute),
	}
	if err := s.CreateIngestionRun(ctx, run); err != nil {
		t.Fatalf("CreateIngestionRun failed: %v", err)
	}

	decision, err := a.ShouldRun(ctx, "bingx", "", market.FeedTrades, market.TriggerSchedule, now)
	if err != nil {
		t.Fatalf("ShouldRun failed: %v", err)
	}
	if decision.Allowed || decision.Reason != "running" {
		t.Fatalf("expected running, got allowed=%v reason=%q", decision.Allowed, decision.Reason)
	}

	// Push the lease past the timeout; the stale run must be force-failed
	// and admission falls through to the interval check on the failed run.
	later := now.Add(20 * time.Minute)
	decision, err = a.ShouldRun(ctx, "bingx", "", market.FeedTrades, market.TriggerSchedule, later)
	if err != nil {
		t.Fatalf("ShouldRun failed: %v", err)
	}
	if decision.Reason == "running" {
		t.Fatalf("timed out run should have been force-failed")
	}

	lastRun, err := s.LatestIngestionRun(ctx, "bingx", "", market.FeedTrades)
	if err != nil {
		t.Fatalf("LatestIngestionRun failed: %v", err)
	}
	if lastRun.Status != market.RunFailed || lastRun.ErrorSummary != "timeout" {
		t.Fatalf("expected force-failed run with timeout summary, got %+v", lastRun)
	}
}

func TestShouldRunIntervalAndBackoff(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	a := newAdmission(s)
	now := time.Now()

	run := &market.IngestionRun{
		SourceType: "bingx",
		Feed:       market.FeedFunding,
		Trigger:    market.TriggerSchedule,
		Status:     market.RunRunning,
		StartedAt:  now.Add(-30 * time.Minute),
	}
	if err := s.CreateIngestionRun(ctx, run); err != nil {
		t.Fatalf("CreateIngestionRun failed: %v", err)
	}
	if err := s.CompleteIngestionRun(ctx, run.ID, store.RunResult{Status: market.RunSucceeded}); err != nil {
		t.Fatalf("CompleteIngestionRun failed: %v", err)
	}

	decision, err := a.ShouldRun(ctx, "bingx", "", market.FeedFunding, market.TriggerSchedule, now)
	if err != nil {
		t.Fatalf("ShouldRun failed: %v", err)
	}
	if decision.Allowed || decision.Reason != "interval" {
		t.Fatalf("expected interval, got allowed=%v reason=%q", decision.Allowed, decision.Reason)
	}
	if decision.NextRunAt == nil {
		t.Fatalf("interval decision should carry next run time")
	}

	// After the interval elapses the succeeded run no longer blocks.
	decision, err = a.ShouldRun(ctx, "bingx", "", market.FeedFunding, market.TriggerSchedule, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ShouldRun failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed after interval, got reason %q", decision.Reason)
	}
}

func TestShouldRunBackoffAfterFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	// Short refresh interval so the backoff rule is what blocks.
	a := NewAdmission(s, time.Minute, 10*time.Minute, time.Hour, 15*time.Minute)
	now := time.Now()

	run := &market.IngestionRun{
		SourceType: "bingx",
		Feed:       market.FeedTicker,
		Trigger:    market.TriggerSchedule,
		Status:     market.RunRunning,
		StartedAt:  now.Add(-10 * time.Minute),
	}
	if err := s.CreateIngestionRun(ctx, run); err != nil {
		t.Fatalf("CreateIngestionRun failed: %v", err)
	}
	if err := s.CompleteIngestionRun(ctx, run.ID, store.RunResult{
		Status:     market.RunFailed,
		ErrorCount: 2,
	}); err != nil {
		t.Fatalf("CompleteIngestionRun failed: %v", err)
	}

	// errorCount=2 doubles the base once: 20m of backoff from finish time.
	decision, err := a.ShouldRun(ctx, "bingx", "", market.FeedTicker, market.TriggerSchedule, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ShouldRun failed: %v", err)
	}
	if decision.Allowed || decision.Reason != "backoff" {
		t.Fatalf("expected backoff, got allowed=%v reason=%q", decision.Allowed, decision.Reason)
	}

	decision, err = a.ShouldRun(ctx, "bingx", "", market.FeedTicker, market.TriggerSchedule, now.Add(25*time.Minute))
	if err != nil {
		t.Fatalf("ShouldRun failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed after backoff elapsed, got reason %q", decision.Reason)
	}
}
