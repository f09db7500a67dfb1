package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goldflow/internal/market"
)

// Memory is an in-process Store used by tests and by runs configured
// without Postgres. Single mutex; the access pattern is one scheduler tick
// or one flush at a time, so contention is not a concern.
type Memory struct {
	mu sync.Mutex

	candles      map[string]market.Candle
	trades       map[string]market.Trade
	funding      map[string]market.FundingRate
	openInterest map[string]market.OpenInterestSample
	markIndex    map[string]market.MarkIndexSample
	tickers      map[string]market.TickerSnapshot
	orderbooks   []market.OrderBookSnapshot

	ingestionConfigs map[string]market.IngestionConfig
	runs             []*market.IngestionRun
	sourceStatus     map[string]market.DataSourceStatus
	sourceConfigs    map[string]market.SourceConfig
	gapEvents        map[string]*market.DataGapEvent
}

func NewMemory() *Memory {
	return &Memory{
		candles:          make(map[string]market.Candle),
		trades:           make(map[string]market.Trade),
		funding:          make(map[string]market.FundingRate),
		openInterest:     make(map[string]market.OpenInterestSample),
		markIndex:        make(map[string]market.MarkIndexSample),
		tickers:          make(map[string]market.TickerSnapshot),
		ingestionConfigs: make(map[string]market.IngestionConfig),
		sourceStatus:     make(map[string]market.DataSourceStatus),
		sourceConfigs:    make(map[string]market.SourceConfig),
		gapEvents:        make(map[string]*market.DataGapEvent),
	}
}

func candleKey(pair market.Pair, interval string, openTime time.Time) string {
	return fmt.Sprintf("%s|%s|%d", pair, interval, openTime.UnixMilli())
}

func pairKey(pair market.Pair, parts ...string) string {
	key := string(pair)
	for _, part := range parts {
		key += "|" + part
	}
	return key
}

func gapEventKey(event market.DataGapEvent) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d",
		event.Pair, event.SourceType, event.Interval,
		event.GapStart.UnixMilli(), event.GapEnd.UnixMilli())
}

func (m *Memory) UpsertCandles(_ context.Context, candles []market.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, candle := range candles {
		m.candles[candleKey(candle.Pair, candle.Interval, candle.OpenTime)] = candle
	}
	return nil
}

func (m *Memory) UpsertTrades(_ context.Context, trades []market.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, trade := range trades {
		m.trades[pairKey(trade.Pair, trade.TradeID)] = trade
	}
	return nil
}

func (m *Memory) UpsertFundingRates(_ context.Context, rates []market.FundingRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rate := range rates {
		m.funding[fmt.Sprintf("%s|%d", rate.Pair, rate.FundingTime.UnixMilli())] = rate
	}
	return nil
}

func (m *Memory) UpsertOpenInterest(_ context.Context, samples []market.OpenInterestSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sample := range samples {
		m.openInterest[fmt.Sprintf("%s|%d", sample.Pair, sample.CapturedAt.UnixMilli())] = sample
	}
	return nil
}

func (m *Memory) UpsertMarkIndex(_ context.Context, samples []market.MarkIndexSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sample := range samples {
		m.markIndex[fmt.Sprintf("%s|%d", sample.Pair, sample.CapturedAt.UnixMilli())] = sample
	}
	return nil
}

func (m *Memory) UpsertTickers(_ context.Context, tickers []market.TickerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ticker := range tickers {
		m.tickers[fmt.Sprintf("%s|%d", ticker.Pair, ticker.CapturedAt.UnixMilli())] = ticker
	}
	return nil
}

func (m *Memory) InsertOrderBookSnapshot(_ context.Context, snapshot market.OrderBookSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderbooks = append(m.orderbooks, snapshot)
	return nil
}

func (m *Memory) LatestCandleTime(_ context.Context, pair market.Pair, interval string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, candle := range m.candles {
		if candle.Pair != pair || candle.Interval != interval {
			continue
		}
		openTime := candle.OpenTime
		if latest == nil || openTime.After(*latest) {
			latest = &openTime
		}
	}
	return latest, nil
}

func (m *Memory) EarliestCandleTime(_ context.Context, pair market.Pair, interval string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest *time.Time
	for _, candle := range m.candles {
		if candle.Pair != pair || candle.Interval != interval {
			continue
		}
		openTime := candle.OpenTime
		if earliest == nil || openTime.Before(*earliest) {
			earliest = &openTime
		}
	}
	return earliest, nil
}

func (m *Memory) CandleTimes(_ context.Context, pair market.Pair, interval string, start, end time.Time, limit int) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var times []time.Time
	for _, candle := range m.candles {
		if candle.Pair != pair || candle.Interval != interval {
			continue
		}
		if candle.OpenTime.Before(start) || candle.OpenTime.After(end) {
			continue
		}
		times = append(times, candle.OpenTime)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	if limit > 0 && len(times) > limit {
		times = times[:limit]
	}
	return times, nil
}

func (m *Memory) LatestTradeTime(_ context.Context, pair market.Pair) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, trade := range m.trades {
		if trade.Pair != pair {
			continue
		}
		executedAt := trade.ExecutedAt
		if latest == nil || executedAt.After(*latest) {
			latest = &executedAt
		}
	}
	return latest, nil
}

func (m *Memory) LatestFundingTime(_ context.Context, pair market.Pair) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, rate := range m.funding {
		if rate.Pair != pair {
			continue
		}
		fundingTime := rate.FundingTime
		if latest == nil || fundingTime.After(*latest) {
			latest = &fundingTime
		}
	}
	return latest, nil
}

func (m *Memory) EarliestFundingTime(_ context.Context, pair market.Pair) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest *time.Time
	for _, rate := range m.funding {
		if rate.Pair != pair {
			continue
		}
		fundingTime := rate.FundingTime
		if earliest == nil || fundingTime.Before(*earliest) {
			earliest = &fundingTime
		}
	}
	return earliest, nil
}

func (m *Memory) LatestOpenInterestTime(_ context.Context, pair market.Pair) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, sample := range m.openInterest {
		if sample.Pair != pair {
			continue
		}
		capturedAt := sample.CapturedAt
		if latest == nil || capturedAt.After(*latest) {
			latest = &capturedAt
		}
	}
	return latest, nil
}

func (m *Memory) LatestMarkIndexTime(_ context.Context, pair market.Pair) (*time.Time, error) {
	sample, err := m.LatestMarkIndex(context.Background(), pair)
	if err != nil || sample == nil {
		return nil, err
	}
	capturedAt := sample.CapturedAt
	return &capturedAt, nil
}

func (m *Memory) LatestMarkIndex(_ context.Context, pair market.Pair) (*market.MarkIndexSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *market.MarkIndexSample
	for _, sample := range m.markIndex {
		if sample.Pair != pair {
			continue
		}
		sample := sample
		if latest == nil || sample.CapturedAt.After(latest.CapturedAt) {
			latest = &sample
		}
	}
	return latest, nil
}

func (m *Memory) LatestTickerTime(_ context.Context, pair market.Pair) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, ticker := range m.tickers {
		if ticker.Pair != pair {
			continue
		}
		capturedAt := ticker.CapturedAt
		if latest == nil || capturedAt.After(*latest) {
			latest = &capturedAt
		}
	}
	return latest, nil
}

func ingestionConfigKey(sourceType, sourceID string, feed market.Feed) string {
	return sourceType + "|" + sourceID + "|" + string(feed)
}

func (m *Memory) GetIngestionConfig(_ context.Context, sourceType, sourceID string, feed market.Feed) (*market.IngestionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if config, ok := m.ingestionConfigs[ingestionConfigKey(sourceType, sourceID, feed)]; ok {
		return &config, nil
	}
	return nil, nil
}

// SetIngestionConfig seeds an admission override; used by main and tests.
func (m *Memory) SetIngestionConfig(config market.IngestionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestionConfigs[ingestionConfigKey(config.SourceType, config.SourceID, config.Feed)] = config
}

func (m *Memory) LatestIngestionRun(_ context.Context, sourceType, sourceID string, feed market.Feed) (*market.IngestionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *market.IngestionRun
	for _, run := range m.runs {
		if run.SourceType != sourceType || run.SourceID != sourceID || run.Feed != feed {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (m *Memory) CreateIngestionRun(_ context.Context, run *market.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = market.RunRunning
	}
	stored := *run
	m.runs = append(m.runs, &stored)
	return nil
}

func (m *Memory) CompleteIngestionRun(_ context.Context, id string, result RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.ID != id {
			continue
		}
		now := time.Now().UTC()
		run.Status = result.Status
		run.NewCount = result.NewCount
		run.UpdatedCount = result.UpdatedCount
		run.ErrorCount = result.ErrorCount
		run.ErrorSummary = result.ErrorSummary
		run.FinishedAt = &now
		return nil
	}
	return fmt.Errorf("ingestion run %s not found", id)
}

func (m *Memory) FailIngestionRun(ctx context.Context, id, summary string) error {
	return m.CompleteIngestionRun(ctx, id, RunResult{
		Status:       market.RunFailed,
		ErrorCount:   1,
		ErrorSummary: summary,
	})
}

func (m *Memory) UpsertSourceStatus(_ context.Context, status market.DataSourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceStatus[pairKey(status.Pair, string(status.SourceType))] = status
	return nil
}

func (m *Memory) ListSourceStatus(_ context.Context) ([]market.DataSourceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]market.DataSourceStatus, 0, len(m.sourceStatus))
	for _, status := range m.sourceStatus {
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (m *Memory) ListSourceConfigs(_ context.Context) ([]market.SourceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := make([]market.SourceConfig, 0, len(m.sourceConfigs))
	for _, config := range m.sourceConfigs {
		configs = append(configs, config)
	}
	return configs, nil
}

func (m *Memory) UpsertSourceConfig(_ context.Context, config market.SourceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceConfigs[pairKey(config.Pair, string(config.SourceType))] = config
	return nil
}

func (m *Memory) UpsertGapEvent(_ context.Context, event market.DataGapEvent) (market.DataGapEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := gapEventKey(event)
	now := time.Now().UTC()
	if existing, ok := m.gapEvents[key]; ok {
		existing.LastSeenAt = now
		existing.GapSeconds = event.GapSeconds
		existing.MissingPoints = event.MissingPoints
		if existing.Status == market.GapResolved {
			existing.Status = market.GapOpen
			existing.ResolvedAt = nil
		}
		return *existing, false, nil
	}
	event.ID = uuid.New().String()
	event.Status = market.GapOpen
	event.DetectedAt = now
	event.LastSeenAt = now
	stored := event
	m.gapEvents[key] = &stored
	return stored, true, nil
}

func (m *Memory) ListOpenGapEvents(_ context.Context) ([]market.DataGapEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []market.DataGapEvent
	for _, event := range m.gapEvents {
		if event.Status == market.GapResolved {
			continue
		}
		events = append(events, *event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].GapStart.Before(events[j].GapStart) })
	return events, nil
}

func (m *Memory) CountOpenGapEvents(_ context.Context, sourceType market.Feed, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, event := range m.gapEvents {
		if event.Status == market.GapResolved || event.SourceType != sourceType {
			continue
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	return count, nil
}

func (m *Memory) RecordGapHealAttempt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range m.gapEvents {
		if event.ID != id {
			continue
		}
		event.HealAttempts++
		event.Status = market.GapHealing
		healAt := at
		event.LastHealAt = &healAt
		return nil
	}
	return fmt.Errorf("gap event %s not found", id)
}

func (m *Memory) ResolveGapEvent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range m.gapEvents {
		if event.ID != id {
			continue
		}
		event.Status = market.GapResolved
		resolvedAt := at
		event.ResolvedAt = &resolvedAt
		return nil
	}
	return fmt.Errorf("gap event %s not found", id)
}
