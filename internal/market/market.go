package market

import (
	"encoding/json"
	"strings"
	"time"
)

// Pair identifies a trading instrument in its internal spelling.
type Pair string

// Feed names one market-data stream kind for an instrument.
type Feed string

const (
	FeedCandles      Feed = "candles"
	FeedOrderbook    Feed = "orderbook"
	FeedTrades       Feed = "trades"
	FeedFunding      Feed = "funding"
	FeedOpenInterest Feed = "open_interest"
	FeedMarkPrice    Feed = "mark_price"
	FeedIndexPrice   Feed = "index_price"
	FeedTicker       Feed = "ticker"

	// FeedMarkIndex names the combined REST feed whose rows carry both mark
	// and index price. Status rows track the two prices separately.
	FeedMarkIndex Feed = "mark_index"
)

// MarketFeeds lists every feed tracked per instrument in source status rows.
var MarketFeeds = []Feed{
	FeedCandles,
	FeedOrderbook,
	FeedTrades,
	FeedFunding,
	FeedOpenInterest,
	FeedMarkPrice,
	FeedIndexPrice,
	FeedTicker,
}

// IngestFeeds lists the REST feeds that lease their own IngestionRun.
var IngestFeeds = []Feed{
	FeedCandles,
	FeedOrderbook,
	FeedTrades,
	FeedFunding,
	FeedOpenInterest,
	FeedMarkIndex,
	FeedTicker,
}

type SourceStatus string

const (
	SourceOK          SourceStatus = "ok"
	SourceStale       SourceStatus = "stale"
	SourceUnavailable SourceStatus = "unavailable"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
)

type GapStatus string

const (
	GapOpen     GapStatus = "open"
	GapHealing  GapStatus = "healing"
	GapResolved GapStatus = "resolved"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// DefaultPairs is the fixed instrument set the pipeline tracks.
var DefaultPairs = []Pair{"Gold-USDT", "XAUTUSDT", "PAXGUSDT"}

// DefaultIntervals covers every candle interval ingested and monitored.
var DefaultIntervals = []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "12h", "1d", "3d", "1w", "1M"}

var exchangeSymbols = map[Pair]string{
	"Gold-USDT": "GOLD-USDT",
	"XAUTUSDT":  "XAUT-USDT",
	"PAXGUSDT":  "PAXG-USDT",
}

var pairsBySymbol = func() map[string]Pair {
	m := make(map[string]Pair, len(exchangeSymbols))
	for pair, symbol := range exchangeSymbols {
		m[symbol] = pair
	}
	return m
}()

// ExchangeSymbol maps an internal pair to the exchange's symbol spelling.
func ExchangeSymbol(pair Pair) string {
	if symbol, ok := exchangeSymbols[pair]; ok {
		return symbol
	}
	return strings.ToUpper(string(pair))
}

// PairFromSymbol resolves an exchange symbol back to the internal pair.
// Returns false for symbols outside the tracked instrument set.
func PairFromSymbol(symbol string) (Pair, bool) {
	if pair, ok := pairsBySymbol[symbol]; ok {
		return pair, true
	}
	for _, pair := range DefaultPairs {
		if strings.EqualFold(string(pair), symbol) {
			return pair, true
		}
	}
	return "", false
}

// Candle is one OHLCV bar. Natural key: (Pair, Interval, OpenTime).
type Candle struct {
	Pair        Pair
	Interval    string
	OpenTime    time.Time
	CloseTime   time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume *float64
	Source      string
}

// Trade is one executed fill. Natural key: (Pair, TradeID).
type Trade struct {
	Pair       Pair
	TradeID    string
	Price      float64
	Quantity   float64
	Side       Side
	ExecutedAt time.Time
	Source     string
}

// FundingRate natural key: (Pair, FundingTime).
type FundingRate struct {
	Pair        Pair
	FundingRate float64
	FundingTime time.Time
}

// OpenInterestSample natural key: (Pair, CapturedAt).
type OpenInterestSample struct {
	Pair         Pair
	OpenInterest float64
	CapturedAt   time.Time
}

// MarkIndexSample natural key: (Pair, CapturedAt).
type MarkIndexSample struct {
	Pair       Pair
	MarkPrice  float64
	IndexPrice float64
	CapturedAt time.Time
	Source     string
}

// TickerSnapshot natural key: (Pair, CapturedAt).
type TickerSnapshot struct {
	Pair           Pair
	LastPrice      float64
	Volume24h      *float64
	PriceChange24h *float64
	CapturedAt     time.Time
	Source         string
}

// OrderBookSnapshot is append-only; bids/asks keep the exchange's raw shape.
type OrderBookSnapshot struct {
	Pair       Pair
	CapturedAt time.Time
	DepthLevel int
	Bids       json.RawMessage
	Asks       json.RawMessage
	Source     string
}

// IngestionRun records one leased ingestion attempt per (source, feed).
type IngestionRun struct {
	ID           string
	SourceType   string
	SourceID     string
	Feed         Feed
	Trigger      Trigger
	Status       RunStatus
	NewCount     int
	UpdatedCount int
	ErrorCount   int
	ErrorSummary string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// DataSourceStatus is the derived freshness row per (instrument, feed).
type DataSourceStatus struct {
	Pair                      Pair
	SourceType                Feed
	LastSeenAt                *time.Time
	FreshnessThresholdSeconds int
	Status                    SourceStatus
	UpdatedAt                 time.Time
}

// DataGapEvent tracks one missing-data window.
// Natural key: (Pair, SourceType, Interval, GapStart, GapEnd).
type DataGapEvent struct {
	ID                      string
	Pair                    Pair
	SourceType              Feed
	Interval                string
	GapStart                time.Time
	GapEnd                  time.Time
	ExpectedIntervalSeconds int
	GapSeconds              int
	MissingPoints           *int
	Status                  GapStatus
	HealAttempts            int
	LastHealAt              *time.Time
	DetectedAt              time.Time
	LastSeenAt              time.Time
	ResolvedAt              *time.Time
}

// IngestionConfig is the per-(source, feed) admission override row.
type IngestionConfig struct {
	SourceType             string
	SourceID               string
	Feed                   Feed
	Enabled                bool
	RefreshIntervalSeconds int
	BackoffBaseSeconds     int
	BackoffMaxSeconds      int
}

// SourceConfig is the per-(instrument, feed) freshness override row.
type SourceConfig struct {
	Pair                      Pair
	SourceType                Feed
	Enabled                   bool
	FreshnessThresholdSeconds int
}
