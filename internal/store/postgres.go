package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"goldflow/internal/market"
)

type candleRow struct {
	Pair        string    `gorm:"column:pair;primaryKey"`
	Interval    string    `gorm:"column:interval;primaryKey"`
	OpenTime    time.Time `gorm:"column:open_time;primaryKey"`
	CloseTime   time.Time `gorm:"column:close_time"`
	Open        float64   `gorm:"column:open"`
	High        float64   `gorm:"column:high"`
	Low         float64   `gorm:"column:low"`
	Close       float64   `gorm:"column:close"`
	Volume      float64   `gorm:"column:volume"`
	QuoteVolume *float64  `gorm:"column:quote_volume"`
	Source      string    `gorm:"column:source"`
}

func (candleRow) TableName() string { return "market_candles" }

type tradeRow struct {
	Pair       string    `gorm:"column:pair;primaryKey"`
	TradeID    string    `gorm:"column:trade_id;primaryKey"`
	Price      float64   `gorm:"column:price"`
	Quantity   float64   `gorm:"column:quantity"`
	Side       string    `gorm:"column:side"`
	ExecutedAt time.Time `gorm:"column:executed_at;index"`
	Source     string    `gorm:"column:source"`
}

func (tradeRow) TableName() string { return "market_trades" }

type fundingRow struct {
	Pair        string    `gorm:"column:pair;primaryKey"`
	FundingTime time.Time `gorm:"column:funding_time;primaryKey"`
	FundingRate float64   `gorm:"column:funding_rate"`
}

func (fundingRow) TableName() string { return "market_funding_rates" }

type openInterestRow struct {
	Pair         string    `gorm:"column:pair;primaryKey"`
	CapturedAt   time.Time `gorm:"column:captured_at;primaryKey"`
	OpenInterest float64   `gorm:"column:open_interest"`
}

func (openInterestRow) TableName() string { return "market_open_interest" }

type markIndexRow struct {
	Pair       string    `gorm:"column:pair;primaryKey"`
	CapturedAt time.Time `gorm:"column:captured_at;primaryKey"`
	MarkPrice  float64   `gorm:"column:mark_price"`
	IndexPrice float64   `gorm:"column:index_price"`
	Source     string    `gorm:"column:source"`
}

func (markIndexRow) TableName() string { return "market_mark_index" }

type tickerRow struct {
	Pair           string    `gorm:"column:pair;primaryKey"`
	CapturedAt     time.Time `gorm:"column:captured_at;primaryKey"`
	LastPrice      float64   `gorm:"column:last_price"`
	Volume24h      *float64  `gorm:"column:volume_24h"`
	PriceChange24h *float64  `gorm:"column:price_change_24h"`
	Source         string    `gorm:"column:source"`
}

func (tickerRow) TableName() string { return "market_tickers" }

type orderBookRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Pair       string    `gorm:"column:pair;index"`
	CapturedAt time.Time `gorm:"column:captured_at;index"`
	DepthLevel int       `gorm:"column:depth_level"`
	Bids       []byte    `gorm:"column:bids;type:jsonb"`
	Asks       []byte    `gorm:"column:asks;type:jsonb"`
	Source     string    `gorm:"column:source"`
}

func (orderBookRow) TableName() string { return "market_orderbook_snapshots" }

type ingestionRunRow struct {
	ID           string     `gorm:"column:id;primaryKey"`
	SourceType   string     `gorm:"column:source_type;index:idx_runs_slot"`
	SourceID     string     `gorm:"column:source_id;index:idx_runs_slot"`
	Feed         string     `gorm:"column:feed;index:idx_runs_slot"`
	Trigger      string     `gorm:"column:trigger"`
	Status       string     `gorm:"column:status"`
	NewCount     int        `gorm:"column:new_count"`
	UpdatedCount int        `gorm:"column:updated_count"`
	ErrorCount   int        `gorm:"column:error_count"`
	ErrorSummary string     `gorm:"column:error_summary"`
	StartedAt    time.Time  `gorm:"column:started_at"`
	FinishedAt   *time.Time `gorm:"column:finished_at"`
}

func (ingestionRunRow) TableName() string { return "ingestion_runs" }

type ingestionConfigRow struct {
	SourceType             string `gorm:"column:source_type;primaryKey"`
	SourceID               string `gorm:"column:source_id;primaryKey"`
	Feed                   string `gorm:"column:feed;primaryKey"`
	Enabled                bool   `gorm:"column:enabled"`
	RefreshIntervalSeconds int    `gorm:"column:refresh_interval_seconds"`
	BackoffBaseSeconds     int    `gorm:"column:backoff_base_seconds"`
	BackoffMaxSeconds      int    `gorm:"column:backoff_max_seconds"`
}

func (ingestionConfigRow) TableName() string { return "ingestion_configs" }

type sourceStatusRow struct {
	Pair                      string     `gorm:"column:pair;primaryKey"`
	SourceType                string     `gorm:"column:source_type;primaryKey"`
	LastSeenAt                *time.Time `gorm:"column:last_seen_at"`
	FreshnessThresholdSeconds int        `gorm:"column:freshness_threshold_seconds"`
	Status                    string     `gorm:"column:status"`
	UpdatedAt                 time.Time  `gorm:"column:updated_at"`
}

func (sourceStatusRow) TableName() string { return "data_source_status" }

type sourceConfigRow struct {
	Pair                      string `gorm:"column:pair;primaryKey"`
	SourceType                string `gorm:"column:source_type;primaryKey"`
	Enabled                   bool   `gorm:"column:enabled"`
	FreshnessThresholdSeconds int    `gorm:"column:freshness_threshold_seconds"`
}

func (sourceConfigRow) TableName() string { return "data_source_configs" }

type gapEventRow struct {
	ID                      string     `gorm:"column:id;primaryKey"`
	Pair                    string     `gorm:"column:pair;uniqueIndex:idx_gap_window"`
	SourceType              string     `gorm:"column:source_type;uniqueIndex:idx_gap_window"`
	Interval                string     `gorm:"column:interval;uniqueIndex:idx_gap_window"`
	GapStart                time.Time  `gorm:"column:gap_start;uniqueIndex:idx_gap_window"`
	GapEnd                  time.Time  `gorm:"column:gap_end;uniqueIndex:idx_gap_window"`
	ExpectedIntervalSeconds int        `gorm:"column:expected_interval_seconds"`
	GapSeconds              int        `gorm:"column:gap_seconds"`
	MissingPoints           *int       `gorm:"column:missing_points"`
	Status                  string     `gorm:"column:status;index"`
	HealAttempts            int        `gorm:"column:heal_attempts"`
	LastHealAt              *time.Time `gorm:"column:last_heal_at"`
	DetectedAt              time.Time  `gorm:"column:detected_at"`
	LastSeenAt              time.Time  `gorm:"column:last_seen_at"`
	ResolvedAt              *time.Time `gorm:"column:resolved_at"`
}

func (gapEventRow) TableName() string { return "data_gap_events" }

// Postgres backs Store with gorm. Every market-data write goes through
// ON CONFLICT upserts on the row's natural key.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres opens the connection and migrates the schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(
		&candleRow{}, &tradeRow{}, &fundingRow{}, &openInterestRow{},
		&markIndexRow{}, &tickerRow{}, &orderBookRow{},
		&ingestionRunRow{}, &ingestionConfigRow{},
		&sourceStatusRow{}, &sourceConfigRow{}, &gapEventRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func upsertAll(conflict []string, updates []string) clause.OnConflict {
	columns := make([]clause.Column, 0, len(conflict))
	for _, name := range conflict {
		columns = append(columns, clause.Column{Name: name})
	}
	return clause.OnConflict{
		Columns:   columns,
		DoUpdates: clause.AssignmentColumns(updates),
	}
}

func (p *Postgres) UpsertCandles(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	rows := make([]candleRow, 0, len(candles))
	for _, candle := range candles {
		rows = append(rows, candleRow{
			Pair:        string(candle.Pair),
			Interval:    candle.Interval,
			OpenTime:    candle.OpenTime,
			CloseTime:   candle.CloseTime,
			Open:        candle.Open,
			High:        candle.High,
			Low:         candle.Low,
			Close:       candle.Close,
			Volume:      candle.Volume,
			QuoteVolume: candle.QuoteVolume,
			Source:      candle.Source,
		})
	}
	return p.db.WithContext(ctx).
		Clauses(upsertAll(
			[]string{"pair", "interval", "open_time"},
			[]string{"close_time", "open", "high", "low", "close", "volume", "quote_volume", "source"},
		)).
		Create(&rows).Error
}

func (p *Postgres) UpsertTrades(ctx context.Context, trades []market.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	rows := make([]tradeRow, 0, len(trades))
	for _, trade := range trades {
		rows = append(rows, tradeRow{
			Pair:       string(trade.Pair),
			TradeID:    trade.TradeID,
			Price:      trade.Price,
			Quantity:   trade.Quantity,
			Side:       string(trade.Side),
			ExecutedAt: trade.ExecutedAt,
			Source:     trade.Source,
		})
	}
	return p.db.WithContext(ctx).
		Clauses(upsertAll(
			[]string{"pair", "trade_id"},
			[]string{"price", "quantity", "side", "executed_at", "source"},
		)).
		Create(&rows).Error
}

func (p *Postgres) UpsertFundingRates(ctx context.Context, rates []market.FundingRate) error {
	if len(rates) == 0 {
		return nil
	}
	rows := make([]fundingRow, 0, len(rates))
	for _, rate := range rates {
		rows = append(rows, fundingRow{
			Pair:        string(rate.Pair),
			FundingTime: rate.FundingTime,
			FundingRate: rate.FundingRate,
		})
	}
	return p.db.WithContext(ctx).
		Clauses(upsertAll([]string{"pair", "funding_time"}, []string{"funding_rate"})).
		Create(&rows).Error
}

func (p *Postgres) UpsertOpenInterest(ctx context.Context, samples []market.OpenInterestSample) error {
	if len(samples) == 0 {
		return nil
	}
	rows := make([]openInterestRow, 0, len(samples))
	for _, sample := range samples {
		rows = append(rows, openInterestRow{
			Pair:         string(sample.Pair),
			CapturedAt:   sample.CapturedAt,
			OpenInterest: sample.OpenInterest,
		})
	}
	return p.db.WithContext(ctx).
		Clauses(upsertAll([]string{"pair", "captured_at"}, []string{"open_interest"})).
		Create(&rows).Error
}

func (p *Postgres) UpsertMarkIndex(ctx context.Context, samples []market.MarkIndexSample) error {
	if len(samples) == 0 {
		return nil
	}
	rows := make([]markIndexRow, 0, len(samples))
	for _, sample := range samples {
		rows = append(rows, markIndexRow{
			Pair:       string(sample.Pair),
			CapturedAt: sample.CapturedAt,
			MarkPrice:  sample.MarkPrice,
			IndexPrice: sample.IndexPrice,
			Source:     sample.Source,
		})
	}
	return p.db.WithContext(ctx).
		Clauses(upsertAll([]string{"pair", "captured_at"}, []string{"mark_price", "index_price", "source"})).
		Create(&rows).Error
}

func (p *Postgres) UpsertTickers(ctx context.Context, tickers []market.TickerSnapshot) error {
	if len(tickers) == 0 {
		return nil
	}
	rows := make([]tickerRow, 0, len(tickers))
	for _, ticker := range tickers {
		rows = append(rows, tickerRow{
			Pair:           string(ticker.Pair),
			CapturedAt:     ticker.CapturedAt,
			LastPrice:      ticker.LastPrice,
			Volume24h:      ticker.Volume24h,
			PriceChange24h: ticker.PriceChange24h,
			Source:         ticker.Source,
		})
	}
	return p.db.WithContext(ctx).
		Clauses(upsertAll([]string{"pair", "captured_at"}, []string{"last_price", "volume_24h", "price_change_24h", "source"})).
		Create(&rows).Error
}

func (p *Postgres) InsertOrderBookSnapshot(ctx context.Context, snapshot market.OrderBookSnapshot) error {
	row := orderBookRow{
		ID:         uuid.New().String(),
		Pair:       string(snapshot.Pair),
		CapturedAt: snapshot.CapturedAt,
		DepthLevel: snapshot.DepthLevel,
		Bids:       snapshot.Bids,
		Asks:       snapshot.Asks,
		Source:     snapshot.Source,
	}
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *Postgres) candleTimeEdge(ctx context.Context, pair market.Pair, interval, order string) (*time.Time, error) {
	var row candleRow
	err := p.db.WithContext(ctx).
		Where("pair = ? AND interval = ?", string(pair), interval).
		Order("open_time " + order).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row.OpenTime, nil
}

func (p *Postgres) LatestCandleTime(ctx context.Context, pair market.Pair, interval string) (*time.Time, error) {
	return p.candleTimeEdge(ctx, pair, interval, "DESC")
}

func (p *Postgres) EarliestCandleTime(ctx context.Context, pair market.Pair, interval string) (*time.Time, error) {
	return p.candleTimeEdge(ctx, pair, interval, "ASC")
}

func (p *Postgres) CandleTimes(ctx context.Context, pair market.Pair, interval string, start, end time.Time, limit int) ([]time.Time, error) {
	var times []time.Time
	query := p.db.WithContext(ctx).
		Model(&candleRow{}).
		Where("pair = ? AND interval = ? AND open_time BETWEEN ? AND ?", string(pair), interval, start, end).
		Order("open_time ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("open_time", &times).Error; err != nil {
		return nil, err
	}
	return times, nil
}

func (p *Postgres) latestColumnTime(ctx context.Context, table any, pair market.Pair, column string) (*time.Time, error) {
	var timestamps []time.Time
	err := p.db.WithContext(ctx).
		Model(table).
		Where("pair = ?", string(pair)).
		Order(column + " DESC").
		Limit(1).
		Pluck(column, &timestamps).Error
	if err != nil {
		return nil, err
	}
	if len(timestamps) == 0 {
		return nil, nil
	}
	return &timestamps[0], nil
}

func (p *Postgres) LatestTradeTime(ctx context.Context, pair market.Pair) (*time.Time, error) {
	return p.latestColumnTime(ctx, &tradeRow{}, pair, "executed_at")
}

func (p *Postgres) LatestFundingTime(ctx context.Context, pair market.Pair) (*time.Time, error) {
	return p.latestColumnTime(ctx, &fundingRow{}, pair, "funding_time")
}

func (p *Postgres) EarliestFundingTime(ctx context.Context, pair market.Pair) (*time.Time, error) {
	var row fundingRow
	err := p.db.WithContext(ctx).
		Where("pair = ?", string(pair)).
		Order("funding_time ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row.FundingTime, nil
}

func (p *Postgres) LatestOpenInterestTime(ctx context.Context, pair market.Pair) (*time.Time, error) {
	return p.latestColumnTime(ctx, &openInterestRow{}, pair, "captured_at")
}

func (p *Postgres) LatestMarkIndexTime(ctx context.Context, pair market.Pair) (*time.Time, error) {
	return p.latestColumnTime(ctx, &markIndexRow{}, pair, "captured_at")
}

func (p *Postgres) LatestMarkIndex(ctx context.Context, pair market.Pair) (*market.MarkIndexSample, error) {
	var row markIndexRow
	err := p.db.WithContext(ctx).
		Where("pair = ?", string(pair)).
		Order("captured_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &market.MarkIndexSample{
		Pair:       market.Pair(row.Pair),
		MarkPrice:  row.MarkPrice,
		IndexPrice: row.IndexPrice,
		CapturedAt: row.CapturedAt,
		Source:     row.Source,
	}, nil
}

func (p *Postgres) LatestTickerTime(ctx context.Context, pair market.Pair) (*time.Time, error) {
	return p.latestColumnTime(ctx, &tickerRow{}, pair, "captured_at")
}

func (p *Postgres) GetIngestionConfig(ctx context.Context, sourceType, sourceID string, feed market.Feed) (*market.IngestionConfig, error) {
	var row ingestionConfigRow
	err := p.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ? AND feed = ?", sourceType, sourceID, string(feed)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &market.IngestionConfig{
		SourceType:             row.SourceType,
		SourceID:               row.SourceID,
		Feed:                   market.Feed(row.Feed),
		Enabled:                row.Enabled,
		RefreshIntervalSeconds: row.RefreshIntervalSeconds,
		BackoffBaseSeconds:     row.BackoffBaseSeconds,
		BackoffMaxSeconds:      row.BackoffMaxSeconds,
	}, nil
}

func (p *Postgres) LatestIngestionRun(ctx context.Context, sourceType, sourceID string, feed market.Feed) (*market.IngestionRun, error) {
	var row ingestionRunRow
	err := p.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ? AND feed = ?", sourceType, sourceID, string(feed)).
		Order("started_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run := market.IngestionRun{
		ID:           row.ID,
		SourceType:   row.SourceType,
		SourceID:     row.SourceID,
		Feed:         market.Feed(row.Feed),
		Trigger:      market.Trigger(row.Trigger),
		Status:       market.RunStatus(row.Status),
		NewCount:     row.NewCount,
		UpdatedCount: row.UpdatedCount,
		ErrorCount:   row.ErrorCount,
		ErrorSummary: row.ErrorSummary,
		StartedAt:    row.StartedAt,
		FinishedAt:   row.FinishedAt,
	}
	return &run, nil
}

func (p *Postgres) CreateIngestionRun(ctx context.Context, run *market.IngestionRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = market.RunRunning
	}
	row := ingestionRunRow{
		ID:         run.ID,
		SourceType: run.SourceType,
		SourceID:   run.SourceID,
		Feed:       string(run.Feed),
		Trigger:    string(run.Trigger),
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
	}
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *Postgres) CompleteIngestionRun(ctx context.Context, id string, result RunResult) error {
	now := time.Now().UTC()
	return p.db.WithContext(ctx).
		Model(&ingestionRunRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(result.Status),
			"new_count":     result.NewCount,
			"updated_count": result.UpdatedCount,
			"error_count":   result.ErrorCount,
			"error_summary": result.ErrorSummary,
			"finished_at":   now,
		}).Error
}

func (p *Postgres) FailIngestionRun(ctx context.Context, id, summary string) error {
	return p.CompleteIngestionRun(ctx, id, RunResult{
		Status:       market.RunFailed,
		ErrorCount:   1,
		ErrorSummary: summary,
	})
}

func (p *Postgres) UpsertSourceStatus(ctx context.Context, status market.DataSourceStatus) error {
	row := sourceStatusRow{
		Pair:                      string(status.Pair),
		SourceType:                string(status.SourceType),
		LastSeenAt:                status.LastSeenAt,
		FreshnessThresholdSeconds: status.FreshnessThresholdSeconds,
		Status:                    string(status.Status),
		UpdatedAt:                 status.UpdatedAt,
	}
	return p.db.WithContext(ctx).
		Clauses(upsertAll(
			[]string{"pair", "source_type"},
			[]string{"last_seen_at", "freshness_threshold_seconds", "status", "updated_at"},
		)).
		Create(&row).Error
}

func (p *Postgres) ListSourceStatus(ctx context.Context) ([]market.DataSourceStatus, error) {
	var rows []sourceStatusRow
	if err := p.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	statuses := make([]market.DataSourceStatus, 0, len(rows))
	for _, row := range rows {
		statuses = append(statuses, market.DataSourceStatus{
			Pair:                      market.Pair(row.Pair),
			SourceType:                market.Feed(row.SourceType),
			LastSeenAt:                row.LastSeenAt,
			FreshnessThresholdSeconds: row.FreshnessThresholdSeconds,
			Status:                    market.SourceStatus(row.Status),
			UpdatedAt:                 row.UpdatedAt,
		})
	}
	return statuses, nil
}

func (p *Postgres) ListSourceConfigs(ctx context.Context) ([]market.SourceConfig, error) {
	var rows []sourceConfigRow
	if err := p.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	configs := make([]market.SourceConfig, 0, len(rows))
	for _, row := range rows {
		configs = append(configs, market.SourceConfig{
			Pair:                      market.Pair(row.Pair),
			SourceType:                market.Feed(row.SourceType),
			Enabled:                   row.Enabled,
			FreshnessThresholdSeconds: row.FreshnessThresholdSeconds,
		})
	}
	return configs, nil
}

func (p *Postgres) UpsertSourceConfig(ctx context.Context, config market.SourceConfig) error {
	row := sourceConfigRow{
		Pair:                      string(config.Pair),
		SourceType:                string(config.SourceType),
		Enabled:                   config.Enabled,
		FreshnessThresholdSeconds: config.FreshnessThresholdSeconds,
	}
	return p.db.WithContext(ctx).
		Clauses(upsertAll([]string{"pair", "source_type"}, []string{"enabled", "freshness_threshold_seconds"})).
		Create(&row).Error
}

func (p *Postgres) UpsertGapEvent(ctx context.Context, event market.DataGapEvent) (market.DataGapEvent, bool, error) {
	now := time.Now().UTC()
	var existing gapEventRow
	err := p.db.WithContext(ctx).
		Where("pair = ? AND source_type = ? AND interval = ? AND gap_start = ? AND gap_end = ?",
			string(event.Pair), string(event.SourceType), event.Interval, event.GapStart, event.GapEnd).
		First(&existing).Error
	if err == nil {
		updates := map[string]any{
			"last_seen_at":   now,
			"gap_seconds":    event.GapSeconds,
			"missing_points": event.MissingPoints,
		}
		if existing.Status == string(market.GapResolved) {
			updates["status"] = string(market.GapOpen)
			updates["resolved_at"] = nil
		}
		if err := p.db.WithContext(ctx).Model(&gapEventRow{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return market.DataGapEvent{}, false, err
		}
		return rowToGapEvent(existing, now), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return market.DataGapEvent{}, false, err
	}
	row := gapEventRow{
		ID:                      uuid.New().String(),
		Pair:                    string(event.Pair),
		SourceType:              string(event.SourceType),
		Interval:                event.Interval,
		GapStart:                event.GapStart,
		GapEnd:                  event.GapEnd,
		ExpectedIntervalSeconds: event.ExpectedIntervalSeconds,
		GapSeconds:              event.GapSeconds,
		MissingPoints:           event.MissingPoints,
		Status:                  string(market.GapOpen),
		DetectedAt:              now,
		LastSeenAt:              now,
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return market.DataGapEvent{}, false, err
	}
	return rowToGapEvent(row, now), true, nil
}

func rowToGapEvent(row gapEventRow, seenAt time.Time) market.DataGapEvent {
	status := market.GapStatus(row.Status)
	if status == market.GapResolved {
		status = market.GapOpen
	}
	return market.DataGapEvent{
		ID:                      row.ID,
		Pair:                    market.Pair(row.Pair),
		SourceType:              market.Feed(row.SourceType),
		Interval:                row.Interval,
		GapStart:                row.GapStart,
		GapEnd:                  row.GapEnd,
		ExpectedIntervalSeconds: row.ExpectedIntervalSeconds,
		GapSeconds:              row.GapSeconds,
		MissingPoints:           row.MissingPoints,
		Status:                  status,
		HealAttempts:            row.HealAttempts,
		LastHealAt:              row.LastHealAt,
		DetectedAt:              row.DetectedAt,
		LastSeenAt:              seenAt,
		ResolvedAt:              nil,
	}
}

func (p *Postgres) ListOpenGapEvents(ctx context.Context) ([]market.DataGapEvent, error) {
	var rows []gapEventRow
	err := p.db.WithContext(ctx).
		Where("status <> ?", string(market.GapResolved)).
		Order("gap_start ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	events := make([]market.DataGapEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, market.DataGapEvent{
			ID:                      row.ID,
			Pair:                    market.Pair(row.Pair),
			SourceType:              market.Feed(row.SourceType),
			Interval:                row.Interval,
			GapStart:                row.GapStart,
			GapEnd:                  row.GapEnd,
			ExpectedIntervalSeconds: row.ExpectedIntervalSeconds,
			GapSeconds:              row.GapSeconds,
			MissingPoints:           row.MissingPoints,
			Status:                  market.GapStatus(row.Status),
			HealAttempts:            row.HealAttempts,
			LastHealAt:              row.LastHealAt,
			DetectedAt:              row.DetectedAt,
			LastSeenAt:              row.LastSeenAt,
			ResolvedAt:              row.ResolvedAt,
		})
	}
	return events, nil
}

func (p *Postgres) CountOpenGapEvents(ctx context.Context, sourceType market.Feed, limit int) (int, error) {
	query := p.db.WithContext(ctx).
		Model(&gapEventRow{}).
		Where("status <> ? AND source_type = ?", string(market.GapResolved), string(sourceType))
	if limit > 0 {
		query = query.Limit(limit)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	if limit > 0 && count > int64(limit) {
		count = int64(limit)
	}
	return int(count), nil
}

func (p *Postgres) RecordGapHealAttempt(ctx context.Context, id string, at time.Time) error {
	return p.db.WithContext(ctx).
		Model(&gapEventRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"heal_attempts": gorm.Expr("heal_attempts + 1"),
			"status":        string(market.GapHealing),
			"last_heal_at":  at,
		}).Error
}

func (p *Postgres) ResolveGapEvent(ctx context.Context, id string, at time.Time) error {
	return p.db.WithContext(ctx).
		Model(&gapEventRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      string(market.GapResolved),
			"resolved_at": at,
		}).Error
}
