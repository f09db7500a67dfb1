package control

import (
	"context"
	"testing"
	"time"

	"goldflow/internal/market"
	"goldflow/internal/store"
)

func TestCalculateStatus(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-30 * time.Second)
	old := now.Add(-10 * time.Minute)

	cases := []struct {
		name       string
		lastSeenAt *time.Time
		threshold  time.Duration
		want       market.SourceStatus
	}{
		{"nil is unavailable", nil, 2 * time.Minute, market.SourceUnavailable},
		{"recent is ok", &fresh, 2 * time.Minute, market.SourceOK},
		{"old is stale", &old, 2 * time.Minute, market.SourceStale},
		{"old within large threshold is ok", &old, 8 * time.Hour, market.SourceOK},
	}
	for _, c := range cases {
		if got := CalculateStatus(c.lastSeenAt, c.threshold, now); got != c.want {
			t.Errorf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}

func TestRecordAndListWithConfig(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	f := NewFreshness(s, nil, []market.Pair{"Gold-USDT"})
	now := time.Now()

	seen := now.Add(-30 * time.Second)
	if err := f.Record(ctx, "Gold-USDT", market.FeedCandles, &seen, now); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := f.MarkUnavailable(ctx, "Gold-USDT", market.FeedTrades, now); err != nil {
		t.Fatalf("MarkUnavailable failed: %v", err)
	}

	views, err := f.ListWithConfig(ctx, now)
	if err != nil {
		t.Fatalf("ListWithConfig failed: %v", err)
	}
	if len(views) != len(market.MarketFeeds) {
		t.Fatalf("expected %d views, got %d", len(market.MarketFeeds), len(views))
	}

	byFeed := make(map[market.Feed]StatusView)
	for _, view := range views {
		byFeed[view.SourceType] = view
	}
	if byFeed[market.FeedCandles].Status != market.SourceOK {
		t.Errorf("candles should be ok, got %s", byFeed[market.FeedCandles].Status)
	}
	if byFeed[market.FeedTrades].Status != market.SourceUnavailable {
		t.Errorf("trades should be unavailable, got %s", byFeed[market.FeedTrades].Status)
	}
	// No status row and no config row reports ok to avoid alarming before
	// first ingest.
	if byFeed[market.FeedTicker].Status != market.SourceOK {
		t.Errorf("ticker should default to ok, got %s", byFeed[market.FeedTicker].Status)
	}
}

func TestListWithConfigThresholdOverride(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	f := NewFreshness(s, nil, []market.Pair{"Gold-USDT"})
	now := time.Now()

	if err := s.UpsertSourceConfig(ctx, market.SourceConfig{
		Pair:                      "Gold-USDT",
		SourceType:                market.FeedCandles,
		Enabled:                   true,
		FreshnessThresholdSeconds: 10,
	}); err != nil {
		t.Fatalf("UpsertSourceConfig failed: %v", err)
	}

	// 30s old data is ok against the 120s default but stale against the 10s
	// override.
	seen := now.Add(-30 * time.Second)
	if err := f.Record(ctx, "Gold-USDT", market.FeedCandles, &seen, now); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	views, err := f.ListWithConfig(ctx, now)
	if err != nil {
		t.Fatalf("ListWithConfig failed: %v", err)
	}
	for _, view := range views {
		if view.SourceType != market.FeedCandles {
			continue
		}
		if view.Status != market.SourceStale {
			t.Errorf("expected stale under threshold override, got %s", view.Status)
		}
		if view.FreshnessThreshold != 10*time.Second {
			t.Errorf("expected 10s threshold, got %s", view.FreshnessThreshold)
		}
	}
}

func TestEvaluateGate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	f := NewFreshness(s, nil, []market.Pair{"Gold-USDT"})
	now := time.Now()

	seen := now.Add(-30 * time.Second)
	for _, feed := range market.MarketFeeds {
		if err := f.Record(ctx, "Gold-USDT", feed, &seen, now); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	gate, err := f.EvaluateGate(ctx, "Gold-USDT", now)
	if err != nil {
		t.Fatalf("EvaluateGate failed: %v", err)
	}
	if !gate.Allowed {
		t.Fatalf("all-ok instrument should pass the gate: %+v", gate)
	}

	if err := f.MarkUnavailable(ctx, "Gold-USDT", market.FeedOrderbook, now); err != nil {
		t.Fatalf("MarkUnavailable failed: %v", err)
	}
	gate, err = f.EvaluateGate(ctx, "Gold-USDT", now)
	if err != nil {
		t.Fatalf("EvaluateGate failed: %v", err)
	}
	if gate.Allowed {
		t.Fatalf("unavailable feed should block the gate")
	}
	if len(gate.BlockingSources) != 1 || gate.BlockingSources[0] != market.FeedOrderbook {
		t.Fatalf("unexpected blocking sources: %v", gate.BlockingSources)
	}

	// Disabling the broken feed removes it from blocking but records a
	// warning.
	if err := s.UpsertSourceConfig(ctx, market.SourceConfig{
		Pair:       "Gold-USDT",
		SourceType: market.FeedOrderbook,
		Enabled:    false,
	}); err != nil {
		t.Fatalf("UpsertSourceConfig failed: %v", err)
	}
	gate, err = f.EvaluateGate(ctx, "Gold-USDT", now)
	if err != nil {
		t.Fatalf("EvaluateGate failed: %v", err)
	}
	if !gate.Allowed {
		t.Fatalf("disabled feed should not block the gate: %+v", gate)
	}
	if len(gate.DisabledSources) != 1 {
		t.Fatalf("expected one disabled source, got %v", gate.DisabledSources)
	}
}
