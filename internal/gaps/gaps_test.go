package gaps

import (
	"context"
	"testing"
	"time"

	"goldflow/internal/control"
	"goldflow/internal/ingest"
	"goldflow/internal/market"
	"goldflow/internal/store"
)

func TestDetectCandleGaps(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(1 * time.Minute),
		base.Add(2 * time.Minute),
		base.Add(5 * time.Minute),
		base.Add(6 * time.Minute),
	}

	gaps := DetectCandleGaps(times, time.Minute, 1.1, 1)
	if len(gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(gaps))
	}
	gap := gaps[0]
	if !gap.GapStart.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("gap start = %v, want %v", gap.GapStart, base.Add(3*time.Minute))
	}
	if !gap.GapEnd.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("gap end = %v, want %v", gap.GapEnd, base.Add(4*time.Minute))
	}
	if gap.MissingPoints != 2 {
		t.Errorf("missing points = %d, want 2", gap.MissingPoints)
	}
	if gap.GapSeconds != 120 {
		t.Errorf("gap seconds = %d, want 120", gap.GapSeconds)
	}
}

func TestDetectCandleGapsToleratesJitter(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(time.Minute + 5*time.Second),
		base.Add(2*time.Minute + 2*time.Second),
	}
	if gaps := DetectCandleGaps(times, time.Minute, 1.1, 1); len(gaps) != 0 {
		t.Errorf("jittered series produced %d gaps, want 0", len(gaps))
	}
}

func TestDetectCandleGapsUnsortedAndDuplicates(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(10 * time.Minute),
		base,
		base,
		base.Add(1 * time.Minute),
	}
	gaps := DetectCandleGaps(times, time.Minute, 1.1, 1)
	if len(gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(gaps))
	}
	if gaps[0].MissingPoints != 8 {
		t.Errorf("missing points = %d, want 8", gaps[0].MissingPoints)
	}
}

func TestHasOverlappingGap(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(time.Minute), base.Add(5 * time.Minute)}

	if !HasOverlappingGap(times, time.Minute, 1.1, 1, base.Add(2*time.Minute), base.Add(4*time.Minute)) {
		t.Error("expected overlap with the missing window")
	}
	if HasOverlappingGap(times, time.Minute, 1.1, 1, base.Add(6*time.Minute), base.Add(8*time.Minute)) {
		t.Error("unexpected overlap outside the missing window")
	}
}

func TestDecideFullBackfill(t *testing.T) {
	tests := []struct {
		name            string
		enabled, forced bool
		openGaps, nonOk int
		wantRun         bool
		wantReason      BackfillReason
	}{
		{"disabled", false, false, 100, 100, false, ReasonDisabled},
		{"forced overrides disabled", false, true, 0, 0, true, ReasonForced},
		{"open gaps at threshold", true, false, 10, 0, true, ReasonOpenGaps},
		{"non-ok sources at threshold", true, false, 0, 4, true, ReasonNonOkSources},
		{"healthy", true, false, 2, 1, false, ReasonHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, reason := DecideFullBackfill(tt.enabled, tt.forced, tt.openGaps, tt.nonOk, 10, 4)
			if run != tt.wantRun || reason != tt.wantReason {
				t.Errorf("got (%v, %s), want (%v, %s)", run, reason, tt.wantRun, tt.wantReason)
			}
		})
	}
}

func TestCountSourcePressure(t *testing.T) {
	views := []control.StatusView{
		{Pair: "Gold-USDT", SourceType: market.FeedCandles, Enabled: true, Status: market.SourceOK},
		{Pair: "Gold-USDT", SourceType: market.FeedTrades, Enabled: true, Status: market.SourceStale},
		{Pair: "Gold-USDT", SourceType: market.FeedTicker, Enabled: true, Status: market.SourceUnavailable},
		{Pair: "Gold-USDT", SourceType: market.FeedFunding, Enabled: false, Status: market.SourceUnavailable},
	}
	pressure := CountSourcePressure(views)
	if pressure.NonOk != 2 || pressure.Stale != 1 || pressure.Unavailable != 1 {
		t.Errorf("pressure = %+v, want {NonOk:2 Stale:1 Unavailable:1}", pressure)
	}
}

// fakeHealer fills the requested window so a follow-up verify scan passes.
type fakeHealer struct {
	store        *store.Memory
	backfills    int
	ingestRuns   int
	fillInterval time.Duration
}

func (f *fakeHealer) BackfillWindow(ctx context.Context, pair market.Pair, interval string, start, end time.Time, maxBatches int) (int, error) {
	f.backfills++
	var candles []market.Candle
	for cursor := start; !cursor.After(end); cursor = cursor.Add(f.fillInterval) {
		candles = append(candles, market.Candle{
			Pair:      pair,
			Interval:  interval,
			OpenTime:  cursor,
			CloseTime: cursor.Add(f.fillInterval),
			Source:    "rest",
		})
	}
	if err := f.store.UpsertCandles(ctx, candles); err != nil {
		return 0, err
	}
	return len(candles), nil
}

func (f *fakeHealer) Run(ctx context.Context, opts ingest.Options) ([]ingest.Summary, error) {
	f.ingestRuns++
	return nil, nil
}

func seedCandles(t *testing.T, mem *store.Memory, pair market.Pair, interval string, times []time.Time, step time.Duration) {
	t.Helper()
	candles := make([]market.Candle, 0, len(times))
	for _, ts := range times {
		candles = append(candles, market.Candle{
			Pair:      pair,
			Interval:  interval,
			OpenTime:  ts,
			CloseTime: ts.Add(step),
			Source:    "rest",
		})
	}
	if err := mem.UpsertCandles(context.Background(), candles); err != nil {
		t.Fatalf("UpsertCandles: %v", err)
	}
}

func TestScanDetectsHealsAndResolves(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC().Truncate(time.Minute)

	// A 3-bar hole in an otherwise continuous 1m series.
	var times []time.Time
	for i := 0; i < 30; i++ {
		if i >= 10 && i <= 12 {
			continue
		}
		times = append(times, now.Add(time.Duration(i-30)*time.Minute))
	}
	seedCandles(t, mem, "Gold-USDT", "1m", times, time.Minute)

	healer := &fakeHealer{store: mem, fillInterval: time.Minute}
	monitor := NewMonitor(MonitorOptions{
		Store:            mem,
		Freshness:        control.NewFreshness(mem, nil, []market.Pair{"Gold-USDT"}),
		Healer:           healer,
		Pairs:            []market.Pair{"Gold-USDT"},
		Intervals:        []string{"1m"},
		LookbackDays:     1,
		HealEnabled:      true,
		MaxNonOkSources:  100,
		MaxOpenGaps:      100,
	})

	summary, err := monitor.Scan(context.Background(), now)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if summary.GapsDetected == 0 {
		t.Fatal("expected at least one detected gap")
	}
	if healer.backfills != 1 {
		t.Errorf("backfills = %d, want 1", healer.backfills)
	}
	if summary.HealsClosed != 1 {
		t.Errorf("heals closed = %d, want 1", summary.HealsClosed)
	}

	open, err := mem.ListOpenGapEvents(context.Background())
	if err != nil {
		t.Fatalf("ListOpenGapEvents: %v", err)
	}
	for _, event := range open {
		if event.SourceType == market.FeedCandles {
			t.Errorf("candle gap still open after verified heal: %+v", event)
		}
	}
}

func TestScanResolvesGapsHealedOutOfBand(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC().Truncate(time.Minute)

	var times []time.Time
	for i := 0; i < 30; i++ {
		if i >= 10 && i <= 12 {
			continue
		}
		times = append(times, now.Add(time.Duration(i-30)*time.Minute))
	}
	seedCandles(t, mem, "Gold-USDT", "1m", times, time.Minute)

	monitor := NewMonitor(MonitorOptions{
		Store:     mem,
		Freshness: control.NewFreshness(mem, nil, []market.Pair{"Gold-USDT"}),
		Pairs:     []market.Pair{"Gold-USDT"},
		Intervals: []string{"1m"},
	})

	if _, err := monitor.Scan(context.Background(), now); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	open, _ := mem.ListOpenGapEvents(context.Background())
	if len(open) == 0 {
		t.Fatal("expected an open gap event after first scan")
	}

	// The hole fills while the monitor is not looking.
	seedCandles(t, mem, "Gold-USDT", "1m", []time.Time{
		now.Add(-20 * time.Minute),
		now.Add(-19 * time.Minute),
		now.Add(-18 * time.Minute),
	}, time.Minute)

	summary, err := monitor.Scan(context.Background(), now)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if summary.GapsResolved == 0 {
		t.Error("expected the healed gap to resolve")
	}
	open, _ = mem.ListOpenGapEvents(context.Background())
	for _, event := range open {
		if event.SourceType == market.FeedCandles {
			t.Errorf("candle gap still open: %+v", event)
		}
	}
}

func TestScanRaisesSyntheticSourceGaps(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	fresh := control.NewFreshness(mem, nil, []market.Pair{"Gold-USDT"})

	stale := now.Add(-time.Hour)
	if err := fresh.Record(context.Background(), "Gold-USDT", market.FeedOrderbook, &stale, now); err != nil {
		t.Fatalf("Record: %v", err)
	}

	healer := &fakeHealer{store: mem, fillInterval: time.Minute}
	monitor := NewMonitor(MonitorOptions{
		Store:           mem,
		Freshness:       fresh,
		Healer:          healer,
		Pairs:           []market.Pair{"Gold-USDT"},
		Intervals:       []string{"1m"},
		HealEnabled:     true,
		MaxNonOkSources: 100,
		MaxOpenGaps:     100,
	})

	if _, err := monitor.Scan(context.Background(), now); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	open, err := mem.ListOpenGapEvents(context.Background())
	if err != nil {
		t.Fatalf("ListOpenGapEvents: %v", err)
	}
	found := false
	for _, event := range open {
		if event.SourceType == market.FeedOrderbook {
			found = true
		}
	}
	if !found {
		t.Error("expected a synthetic gap event for the stale orderbook source")
	}
	if healer.ingestRuns == 0 {
		t.Error("expected a stale source re-ingest")
	}
}

func TestScanTriggersFullBackfillUnderPressure(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	fresh := control.NewFreshness(mem, nil, []market.Pair{"Gold-USDT"})

	for _, feed := range []market.Feed{market.FeedCandles, market.FeedTrades} {
		if err := fresh.MarkUnavailable(context.Background(), "Gold-USDT", feed, now); err != nil {
			t.Fatalf("MarkUnavailable: %v", err)
		}
	}

	healer := &fakeHealer{store: mem, fillInterval: time.Minute}
	monitor := NewMonitor(MonitorOptions{
		Store:               mem,
		Freshness:           fresh,
		Healer:              healer,
		Pairs:               []market.Pair{"Gold-USDT"},
		Intervals:           []string{"1m"},
		FullBackfillEnabled: true,
		MaxNonOkSources:     2,
		MaxOpenGaps:         100,
	})

	summary, err := monitor.Scan(context.Background(), now)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !summary.Backfill.ShouldRun || summary.Backfill.Reason != ReasonNonOkSources {
		t.Fatalf("backfill decision = %+v, want non_ok_sources run", summary.Backfill)
	}
	if healer.ingestRuns == 0 {
		t.Error("expected the full backfill to run the ingestor")
	}
}
