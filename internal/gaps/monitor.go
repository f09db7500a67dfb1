package gaps

import (
	"context"
	"fmt"
	"time"

	"goldflow/internal/control"
	"goldflow/internal/ingest"
	"goldflow/internal/market"
	"goldflow/internal/store"
	"goldflow/logger"
)

// Healer re-ingests missing data. Satisfied by the REST ingestor.
type Healer interface {
	BackfillWindow(ctx context.Context, pair market.Pair, interval string, start, end time.Time, maxBatches int) (int, error)
	Run(ctx context.Context, opts ingest.Options) ([]ingest.Summary, error)
}

// AuditFunc receives gap lifecycle notifications for the ops trail.
type AuditFunc func(action string, fields logger.Fields)

// MonitorOptions wires the gap monitor.
type MonitorOptions struct {
	Store     store.Store
	Freshness *control.Freshness
	Healer    Healer

	Pairs            []market.Pair
	Intervals        []string
	LookbackDays     int
	MaxPointsPerScan int
	Tolerance        float64
	MinMissingPoints int

	HealEnabled     bool
	HealCooldown    time.Duration
	MaxHealAttempts int
	MaxGapsPerRun   int
	HealMaxBatches  int
	VerifyPadding   time.Duration
	ResolveAfter    time.Duration

	FullBackfillEnabled bool
	FullBackfillForced  bool
	MaxOpenGaps         int
	MaxNonOkSources     int

	Audit AuditFunc
}

// ScanSummary reports what one monitor pass found and did.
type ScanSummary struct {
	GapsDetected int
	GapsResolved int
	HealsRun     int
	HealsClosed  int
	Backfill     BackfillDecision
}

// Monitor periodically scans stored candles for holes, tracks them as gap
// events, heals them with targeted backfills and escalates to a full backfill
// when pressure builds.
type Monitor struct {
	opts MonitorOptions
	log  *logger.Entry
}

func NewMonitor(opts MonitorOptions) *Monitor {
	if len(opts.Pairs) == 0 {
		opts.Pairs = market.DefaultPairs
	}
	if len(opts.Intervals) == 0 {
		opts.Intervals = market.DefaultIntervals
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 7
	}
	if opts.MaxPointsPerScan <= 0 {
		opts.MaxPointsPerScan = 5000
	}
	if opts.Tolerance <= 1.0 {
		opts.Tolerance = 1.1
	}
	if opts.MinMissingPoints < 1 {
		opts.MinMissingPoints = 1
	}
	if opts.HealCooldown <= 0 {
		opts.HealCooldown = 30 * time.Minute
	}
	if opts.MaxHealAttempts <= 0 {
		opts.MaxHealAttempts = 5
	}
	if opts.MaxGapsPerRun <= 0 {
		opts.MaxGapsPerRun = 10
	}
	if opts.HealMaxBatches <= 0 {
		opts.HealMaxBatches = 10
	}
	return &Monitor{opts: opts, log: logger.GetLogger().WithComponent("gap-monitor")}
}

func (m *Monitor) audit(action string, fields logger.Fields) {
	if m.opts.Audit != nil {
		m.opts.Audit(action, fields)
	}
}

func gapEventKey(pair market.Pair, source market.Feed, interval string, start, end time.Time) string {
	if interval == "" {
		interval = "none"
	}
	return fmt.Sprintf("%s:%s:%s:%d:%d", pair, source, interval, start.UnixMilli(), end.UnixMilli())
}

type healItem struct {
	id       string
	pair     market.Pair
	interval string
	gapStart time.Time
	gapEnd   time.Time
}

// Scan runs one full monitor pass.
func (m *Monitor) Scan(ctx context.Context, now time.Time) (ScanSummary, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var summary ScanSummary

	detected := make(map[string]struct{})
	windowStartByInterval := make(map[string]time.Time)
	var healQueue []healItem

	for _, pair := range m.opts.Pairs {
		for _, interval := range m.opts.Intervals {
			intervalDur := market.IntervalDuration(interval)
			window := time.Duration(m.opts.LookbackDays) * 24 * time.Hour
			if maxWindow := intervalDur * time.Duration(m.opts.MaxPointsPerScan); maxWindow < window {
				window = maxWindow
			}
			windowStart := now.Add(-window)
			windowStartByInterval[interval] = windowStart

			times, err := m.opts.Store.CandleTimes(ctx, pair, interval, windowStart, now, m.opts.MaxPointsPerScan)
			if err != nil {
				m.log.WithError(err).WithFields(logger.Fields{"pair": string(pair), "interval": interval}).Warn("candle scan failed")
				continue
			}
			for _, gap := range DetectCandleGaps(times, intervalDur, m.opts.Tolerance, m.opts.MinMissingPoints) {
				missing := gap.MissingPoints
				event, created, err := m.opts.Store.UpsertGapEvent(ctx, market.DataGapEvent{
					Pair:                    pair,
					SourceType:              market.FeedCandles,
					Interval:                interval,
					GapStart:                gap.GapStart,
					GapEnd:                  gap.GapEnd,
					ExpectedIntervalSeconds: int(gap.ExpectedInterval / time.Second),
					GapSeconds:              gap.GapSeconds,
					MissingPoints:           &missing,
				})
				if err != nil {
					return summary, fmt.Errorf("upsert gap event: %w", err)
				}
				summary.GapsDetected++
				detected[gapEventKey(pair, market.FeedCandles, interval, gap.GapStart, gap.GapEnd)] = struct{}{}
				if created {
					m.log.WithFields(logger.Fields{
						"pair":           string(pair),
						"interval":       interval,
						"gap_start":      gap.GapStart.Format(time.RFC3339),
						"gap_end":        gap.GapEnd.Format(time.RFC3339),
						"missing_points": missing,
					}).Warn("candle gap detected")
					m.audit("gap_detected", logger.Fields{"pair": string(pair), "interval": interval, "event_id": event.ID})
				}

				if !m.opts.HealEnabled || m.opts.Healer == nil {
					continue
				}
				if event.HealAttempts >= m.opts.MaxHealAttempts {
					continue
				}
				if event.LastHealAt != nil && now.Sub(*event.LastHealAt) < m.opts.HealCooldown {
					continue
				}
				healQueue = append(healQueue, healItem{
					id:       event.ID,
					pair:     pair,
					interval: interval,
					gapStart: gap.GapStart,
					gapEnd:   gap.GapEnd,
				})
			}
		}
	}

	views, err := m.opts.Freshness.ListWithConfig(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("list source status: %w", err)
	}

	// Degraded non-candle sources become synthetic gap events so the same
	// lifecycle covers feeds without a fixed cadence.
	for _, view := range views {
		if !view.Enabled || view.Status == market.SourceOK {
			continue
		}
		gapStart := time.UnixMilli(0).UTC()
		if view.LastSeenAt != nil {
			gapStart = view.LastSeenAt.Add(view.FreshnessThreshold)
		}
		gapSeconds := int(now.Sub(gapStart) / time.Second)
		if gapSeconds < 0 {
			gapSeconds = 0
		}
		event, created, err := m.opts.Store.UpsertGapEvent(ctx, market.DataGapEvent{
			Pair:                    view.Pair,
			SourceType:              view.SourceType,
			GapStart:                gapStart,
			GapEnd:                  now,
			ExpectedIntervalSeconds: int(view.FreshnessThreshold / time.Second),
			GapSeconds:              gapSeconds,
		})
		if err != nil {
			return summary, fmt.Errorf("upsert source gap event: %w", err)
		}
		summary.GapsDetected++
		detected[gapEventKey(view.Pair, view.SourceType, "", gapStart, now)] = struct{}{}
		if created {
			m.audit("gap_detected", logger.Fields{"pair": string(view.Pair), "source": string(view.SourceType), "event_id": event.ID})
		}
	}

	// Open events no longer reproduced by this scan have healed out of band.
	// Candle events older than the scan window stay open until ResolveAfter
	// ages them out; the scan simply cannot see them anymore.
	openEvents, err := m.opts.Store.ListOpenGapEvents(ctx)
	if err != nil {
		return summary, fmt.Errorf("list open gap events: %w", err)
	}
	for _, event := range openEvents {
		key := gapEventKey(event.Pair, event.SourceType, event.Interval, event.GapStart, event.GapEnd)
		if _, ok := detected[key]; ok {
			continue
		}
		if event.SourceType == market.FeedCandles && event.Interval != "" {
			if windowStart, ok := windowStartByInterval[event.Interval]; ok && event.GapEnd.Before(windowStart) {
				if m.opts.ResolveAfter <= 0 || now.Sub(event.LastSeenAt) < m.opts.ResolveAfter {
					continue
				}
			}
		}
		if err := m.opts.Store.ResolveGapEvent(ctx, event.ID, now); err != nil {
			return summary, fmt.Errorf("resolve gap event: %w", err)
		}
		summary.GapsResolved++
		m.audit("gap_resolved", logger.Fields{"pair": string(event.Pair), "source": string(event.SourceType), "event_id": event.ID})
	}

	if m.opts.HealEnabled && m.opts.Healer != nil {
		limit := len(healQueue)
		if limit > m.opts.MaxGapsPerRun {
			limit = m.opts.MaxGapsPerRun
		}
		for _, item := range healQueue[:limit] {
			if err := m.healGap(ctx, item, now, &summary); err != nil {
				m.log.WithError(err).WithFields(logger.Fields{"pair": string(item.pair), "interval": item.interval}).Warn("gap heal failed")
			}
		}
		if err := m.healStaleSources(ctx, views); err != nil {
			m.log.WithError(err).Warn("stale source heal failed")
		}
	}

	summary.Backfill = m.maybeFullBackfill(ctx, len(healQueue), views)

	m.log.WithFields(logger.Fields{
		"detected":   summary.GapsDetected,
		"resolved":   summary.GapsResolved,
		"heal_queue": len(healQueue),
		"heals_run":  summary.HealsRun,
	}).Info("gap scan complete")
	return summary, nil
}

func (m *Monitor) healGap(ctx context.Context, item healItem, now time.Time, summary *ScanSummary) error {
	if err := m.opts.Store.RecordGapHealAttempt(ctx, item.id, now); err != nil {
		return fmt.Errorf("record heal attempt: %w", err)
	}
	summary.HealsRun++
	m.audit("gap_heal", logger.Fields{"pair": string(item.pair), "interval": item.interval, "event_id": item.id})

	if _, err := m.opts.Healer.BackfillWindow(ctx, item.pair, item.interval, item.gapStart, item.gapEnd, m.opts.HealMaxBatches); err != nil {
		return fmt.Errorf("backfill window: %w", err)
	}

	intervalDur := market.IntervalDuration(item.interval)
	padding := m.opts.VerifyPadding
	if padding <= 0 {
		padding = intervalDur
	}
	verifyLimit := m.opts.MaxPointsPerScan
	if verifyLimit > 5000 {
		verifyLimit = 5000
	}
	verifyTimes, err := m.opts.Store.CandleTimes(ctx, item.pair, item.interval, item.gapStart.Add(-padding), item.gapEnd.Add(padding), verifyLimit)
	if err != nil {
		return fmt.Errorf("verify candle times: %w", err)
	}
	if HasOverlappingGap(verifyTimes, intervalDur, m.opts.Tolerance, m.opts.MinMissingPoints, item.gapStart, item.gapEnd) {
		m.audit("gap_heal_unresolved", logger.Fields{"pair": string(item.pair), "interval": item.interval, "event_id": item.id})
		return nil
	}

	if err := m.opts.Store.ResolveGapEvent(ctx, item.id, now); err != nil {
		return fmt.Errorf("resolve healed gap: %w", err)
	}
	summary.HealsClosed++
	m.audit("gap_heal_verified", logger.Fields{"pair": string(item.pair), "interval": item.interval, "event_id": item.id})
	return nil
}

// healStaleSources triggers a fresh REST pass for every instrument with a
// degraded feed. The admission controller still guards each feed, so a pass
// here cannot stampede the exchange.
func (m *Monitor) healStaleSources(ctx context.Context, views []control.StatusView) error {
	stalePairs := make(map[market.Pair][]market.Feed)
	for _, view := range views {
		if !view.Enabled || view.Status == market.SourceOK {
			continue
		}
		stalePairs[view.Pair] = append(stalePairs[view.Pair], view.SourceType)
	}
	for pair, feeds := range stalePairs {
		if _, err := m.opts.Healer.Run(ctx, ingest.Options{
			Pairs:   []market.Pair{pair},
			Trigger: market.TriggerSchedule,
		}); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"pair": string(pair)}).Warn("stale source re-ingest reported errors")
		}
		m.audit("stale_source_heal", logger.Fields{"pair": string(pair), "sources": fmt.Sprint(feeds)})
	}
	return nil
}

func (m *Monitor) maybeFullBackfill(ctx context.Context, openGapHint int, views []control.StatusView) BackfillDecision {
	pressure := CountSourcePressure(views)
	shouldRun, reason := DecideFullBackfill(
		m.opts.FullBackfillEnabled,
		m.opts.FullBackfillForced,
		openGapHint,
		pressure.NonOk,
		m.opts.MaxOpenGaps,
		m.opts.MaxNonOkSources,
	)
	decision := BackfillDecision{
		ShouldRun:          shouldRun,
		Reason:             reason,
		OpenGapCount:       openGapHint,
		NonOkSources:       pressure.NonOk,
		StaleSources:       pressure.Stale,
		UnavailableSources: pressure.Unavailable,
	}
	if !decision.ShouldRun || m.opts.Healer == nil {
		m.log.WithFields(logger.Fields{
			"reason":         string(decision.Reason),
			"open_gaps":      decision.OpenGapCount,
			"non_ok_sources": decision.NonOkSources,
		}).Info("full backfill skipped")
		return decision
	}

	m.audit("full_backfill_triggered", logger.Fields{
		"reason":         string(decision.Reason),
		"open_gaps":      decision.OpenGapCount,
		"non_ok_sources": decision.NonOkSources,
	})
	summaries, err := m.opts.Healer.Run(ctx, ingest.Options{
		Backfill: true,
		Trigger:  market.TriggerManual,
		MaxBatches: func() int {
			if m.opts.HealMaxBatches > 0 {
				return m.opts.HealMaxBatches
			}
			return 10
		}(),
	})
	if err != nil {
		m.log.WithError(err).WithFields(logger.Fields{"reason": string(decision.Reason)}).Warn("full backfill reported errors")
	}
	total := 0
	for _, s := range summaries {
		total += s.Candles + s.Trades + s.Funding + s.OpenInterest + s.MarkIndex + s.Tickers
	}
	m.log.WithFields(logger.Fields{
		"reason":   string(decision.Reason),
		"inserted": total,
	}).Info("full backfill complete")
	return decision
}
