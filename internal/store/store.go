// Package store defines the time-series and control-plane persistence
// contract shared by the REST ingestor, the streaming client and the gap
// monitor. All market-data writes are idempotent upserts on the row's
// natural key, so concurrent REST and WS writers converge without locking.
package store

import (
	"context"
	"time"

	"goldflow/internal/market"
)

// RunResult finalizes an IngestionRun exactly once.
type RunResult struct {
	Status       market.RunStatus
	NewCount     int
	UpdatedCount int
	ErrorCount   int
	ErrorSummary string
}

// Store is the shared persistence surface. The Postgres implementation backs
// production; the memory implementation backs tests and storage-less runs.
type Store interface {
	// Market data (upsert by natural key, last write wins).
	UpsertCandles(ctx context.Context, candles []market.Candle) error
	UpsertTrades(ctx context.Context, trades []market.Trade) error
	UpsertFundingRates(ctx context.Context, rates []market.FundingRate) error
	UpsertOpenInterest(ctx context.Context, samples []market.OpenInterestSample) error
	UpsertMarkIndex(ctx context.Context, samples []market.MarkIndexSample) error
	UpsertTickers(ctx context.Context, tickers []market.TickerSnapshot) error
	InsertOrderBookSnapshot(ctx context.Context, snapshot market.OrderBookSnapshot) error

	// Cursor lookups for the REST ingestor.
	LatestCandleTime(ctx context.Context, pair market.Pair, interval string) (*time.Time, error)
	EarliestCandleTime(ctx context.Context, pair market.Pair, interval string) (*time.Time, error)
	CandleTimes(ctx context.Context, pair market.Pair, interval string, start, end time.Time, limit int) ([]time.Time, error)
	LatestTradeTime(ctx context.Context, pair market.Pair) (*time.Time, error)
	LatestFundingTime(ctx context.Context, pair market.Pair) (*time.Time, error)
	EarliestFundingTime(ctx context.Context, pair market.Pair) (*time.Time, error)
	LatestOpenInterestTime(ctx context.Context, pair market.Pair) (*time.Time, error)
	LatestMarkIndexTime(ctx context.Context, pair market.Pair) (*time.Time, error)
	LatestMarkIndex(ctx context.Context, pair market.Pair) (*market.MarkIndexSample, error)
	LatestTickerTime(ctx context.Context, pair market.Pair) (*time.Time, error)

	// Admission control.
	GetIngestionConfig(ctx context.Context, sourceType, sourceID string, feed market.Feed) (*market.IngestionConfig, error)
	LatestIngestionRun(ctx context.Context, sourceType, sourceID string, feed market.Feed) (*market.IngestionRun, error)
	CreateIngestionRun(ctx context.Context, run *market.IngestionRun) error
	CompleteIngestionRun(ctx context.Context, id string, result RunResult) error
	FailIngestionRun(ctx context.Context, id, summary string) error

	// Freshness tracking.
	UpsertSourceStatus(ctx context.Context, status market.DataSourceStatus) error
	ListSourceStatus(ctx context.Context) ([]market.DataSourceStatus, error)
	ListSourceConfigs(ctx context.Context) ([]market.SourceConfig, error)
	UpsertSourceConfig(ctx context.Context, config market.SourceConfig) error

	// Gap events. Upsert matches on the natural key; re-detection refreshes
	// last_seen_at and reopens resolved windows. The bool reports creation.
	UpsertGapEvent(ctx context.Context, event market.DataGapEvent) (market.DataGapEvent, bool, error)
	ListOpenGapEvents(ctx context.Context) ([]market.DataGapEvent, error)
	CountOpenGapEvents(ctx context.Context, sourceType market.Feed, limit int) (int, error)
	RecordGapHealAttempt(ctx context.Context, id string, at time.Time) error
	ResolveGapEvent(ctx context.Context, id string, at time.Time) error
}
