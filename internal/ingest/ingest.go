package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"goldflow/internal/control"
	"goldflow/internal/market"
	"goldflow/internal/store"
	"goldflow/logger"
)

const (
	sourceTypeExchange = "bingx"

	defaultCandleLimit     = 500
	defaultTradeLimit      = 1000
	defaultFundingLimit    = 1000
	defaultOrderbookDepth  = 50
	defaultMaxTradeBatches = 3

	fundingInterval = 8 * time.Hour
)

// Options selects what a single ingestion run covers. Backfill walks
// backwards from the earliest stored row; a refresh walks forward from the
// latest.
type Options struct {
	Pairs      []market.Pair
	Intervals  []string
	Backfill   bool
	MaxBatches int
	Trigger    market.Trigger
	Now        time.Time
}

// Summary reports per-instrument upsert counts for one run.
type Summary struct {
	Pair         market.Pair
	Candles      int
	Trades       int
	Funding      int
	OpenInterest int
	MarkIndex    int
	Tickers      int
}

func (s Summary) total() int {
	return s.Candles + s.Trades + s.Funding + s.OpenInterest + s.MarkIndex + s.Tickers
}

type feedTotal struct {
	newCount     int
	updatedCount int
	errorCount   int
	errorSummary string
}

// Ingestor drives the REST feeds for every tracked instrument. Each feed
// leases its own IngestionRun through the admission controller and reports
// freshness from the newest timestamp actually observed.
type Ingestor struct {
	store     store.Store
	client    *Client
	admission *control.Admission
	freshness *control.Freshness
	log       *logger.Entry

	pairs           []market.Pair
	intervals       []string
	candleLimit     int
	tradeLimit      int
	fundingLimit    int
	orderbookDepth  int
	maxTradeBatches int

	// pauseRESTWhenStreamOK skips polling feeds the streaming client already
	// reports healthy. Backpressure only; both paths upsert idempotently.
	pauseRESTWhenStreamOK bool
}

// IngestorOptions wires the ingestor's collaborators and tunables.
type IngestorOptions struct {
	Store                 store.Store
	Client                *Client
	Admission             *control.Admission
	Freshness             *control.Freshness
	Pairs                 []market.Pair
	Intervals             []string
	CandleLimit           int
	TradeLimit            int
	FundingLimit          int
	OrderbookDepth        int
	MaxTradeBatches       int
	PauseRESTWhenStreamOK bool
}

func NewIngestor(opts IngestorOptions) *Ingestor {
	if len(opts.Pairs) == 0 {
		opts.Pairs = market.DefaultPairs
	}
	if len(opts.Intervals) == 0 {
		opts.Intervals = market.DefaultIntervals
	}
	if opts.CandleLimit <= 0 {
		opts.CandleLimit = defaultCandleLimit
	}
	if opts.TradeLimit <= 0 {
		opts.TradeLimit = defaultTradeLimit
	}
	if opts.FundingLimit <= 0 {
		opts.FundingLimit = defaultFundingLimit
	}
	if opts.OrderbookDepth <= 0 {
		opts.OrderbookDepth = defaultOrderbookDepth
	}
	if opts.MaxTradeBatches <= 0 {
		opts.MaxTradeBatches = defaultMaxTradeBatches
	}
	return &Ingestor{
		store:                 opts.Store,
		client:                opts.Client,
		admission:             opts.Admission,
		freshness:             opts.Freshness,
		log:                   logger.GetLogger().WithComponent("ingest"),
		pairs:                 opts.Pairs,
		intervals:             opts.Intervals,
		candleLimit:           opts.CandleLimit,
		tradeLimit:            opts.TradeLimit,
		fundingLimit:          opts.FundingLimit,
		orderbookDepth:        opts.OrderbookDepth,
		maxTradeBatches:       opts.MaxTradeBatches,
		pauseRESTWhenStreamOK: opts.PauseRESTWhenStreamOK,
	}
}

// Run executes one ingestion pass over every admitted feed. Errors in one
// feed or instrument never abort siblings; the per-feed runs aggregate error
// counts and fail only at finalization.
func (ing *Ingestor) Run(ctx context.Context, opts Options) ([]Summary, error) {
	pairs := opts.Pairs
	if len(pairs) == 0 {
		pairs = ing.pairs
	}
	intervals := opts.Intervals
	if len(intervals) == 0 {
		intervals = ing.intervals
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = market.TriggerSchedule
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	maxBatches := opts.MaxBatches
	if maxBatches <= 0 {
		if opts.Backfill {
			maxBatches = 1 << 30
		} else {
			maxBatches = 1
		}
	}

	var streamStatus map[string]market.SourceStatus
	if ing.pauseRESTWhenStreamOK && !opts.Backfill && trigger == market.TriggerSchedule {
		views, err := ing.freshness.ListWithConfig(ctx, now)
		if err != nil {
			ing.log.WithError(err).Warn("failed to load stream status, not skipping REST feeds")
		} else {
			streamStatus = make(map[string]market.SourceStatus, len(views))
			for _, view := range views {
				// Untracked sources default to ok; only a real observation
				// can pause the REST path.
				if view.LastSeenAt == nil {
					continue
				}
				streamStatus[string(view.Pair)+":"+string(view.SourceType)] = view.Status
			}
		}
	}

	feedRuns := make(map[market.Feed]*market.IngestionRun, len(market.IngestFeeds))
	feedTotals := make(map[market.Feed]*feedTotal, len(market.IngestFeeds))
	for _, feed := range market.IngestFeeds {
		feedTotals[feed] = &feedTotal{}
		decision, err := ing.admission.ShouldRun(ctx, sourceTypeExchange, "", feed, trigger, now)
		if err != nil {
			return nil, fmt.Errorf("admission check for %s: %w", feed, err)
		}
		if !decision.Allowed {
			ing.log.WithFields(logger.Fields{"feed": string(feed), "reason": decision.Reason}).Info("ingestion skipped")
			continue
		}
		run := &market.IngestionRun{
			SourceType: sourceTypeExchange,
			Feed:       feed,
			Trigger:    trigger,
			Status:     market.RunRunning,
			StartedAt:  now,
		}
		if err := ing.store.CreateIngestionRun(ctx, run); err != nil {
			return nil, fmt.Errorf("lease ingestion run for %s: %w", feed, err)
		}
		feedRuns[feed] = run
	}

	summaries := make([]Summary, 0, len(pairs))
	for _, pair := range pairs {
		summary := Summary{Pair: pair}

		if feedRuns[market.FeedCandles] != nil {
			if skipForStream(streamStatus, pair, market.FeedCandles) {
				ing.log.WithFields(logger.Fields{"pair": string(pair)}).Info("skipping REST candles, stream healthy")
			} else {
				lastSeen, err := ing.ingestCandles(ctx, pair, intervals, opts.Backfill, maxBatches, &summary)
				ing.recordFeedOutcome(ctx, feedTotals[market.FeedCandles], err, summary.Candles)
				ing.recordStatus(ctx, pair, market.FeedCandles, lastSeen, now)
			}
		}

		if feedRuns[market.FeedOrderbook] != nil {
			if skipForStream(streamStatus, pair, market.FeedOrderbook) {
				ing.log.WithFields(logger.Fields{"pair": string(pair)}).Info("skipping REST orderbook, stream healthy")
			} else {
				capturedAt, err := ing.ingestOrderBook(ctx, pair)
				inserted := 0
				if capturedAt != nil {
					inserted = 1
				}
				ing.recordFeedOutcome(ctx, feedTotals[market.FeedOrderbook], err, inserted)
				ing.recordStatus(ctx, pair, market.FeedOrderbook, capturedAt, now)
			}
		}

		if feedRuns[market.FeedTrades] != nil {
			if skipForStream(streamStatus, pair, market.FeedTrades) {
				ing.log.WithFields(logger.Fields{"pair": string(pair)}).Info("skipping REST trades, stream healthy")
			} else {
				lastSeen, err := ing.ingestTrades(ctx, pair, opts.Backfill, maxBatches, &summary)
				ing.recordFeedOutcome(ctx, feedTotals[market.FeedTrades], err, summary.Trades)
				ing.recordStatus(ctx, pair, market.FeedTrades, lastSeen, now)
			}
		}

		if feedRuns[market.FeedFunding] != nil {
			lastSeen, err := ing.ingestFundingRates(ctx, pair, opts.Backfill, maxBatches, &summary)
			ing.recordFeedOutcome(ctx, feedTotals[market.FeedFunding], err, summary.Funding)
			ing.recordStatus(ctx, pair, market.FeedFunding, lastSeen, now)
		}

		if feedRuns[market.FeedOpenInterest] != nil {
			lastSeen, err := ing.ingestOpenInterest(ctx, pair, &summary)
			ing.recordFeedOutcome(ctx, feedTotals[market.FeedOpenInterest], err, summary.OpenInterest)
			ing.recordStatus(ctx, pair, market.FeedOpenInterest, lastSeen, now)
		}

		if feedRuns[market.FeedMarkIndex] != nil {
			lastSeen, err := ing.ingestMarkIndex(ctx, pair, &summary)
			ing.recordFeedOutcome(ctx, feedTotals[market.FeedMarkIndex], err, summary.MarkIndex)
			ing.recordStatus(ctx, pair, market.FeedMarkPrice, lastSeen, now)
			ing.recordStatus(ctx, pair, market.FeedIndexPrice, lastSeen, now)
		}

		if feedRuns[market.FeedTicker] != nil {
			if skipForStream(streamStatus, pair, market.FeedTicker) {
				ing.log.WithFields(logger.Fields{"pair": string(pair)}).Info("skipping REST ticker, stream healthy")
			} else {
				lastSeen, err := ing.ingestTicker(ctx, pair, &summary)
				ing.recordFeedOutcome(ctx, feedTotals[market.FeedTicker], err, summary.Tickers)
				ing.recordStatus(ctx, pair, market.FeedTicker, lastSeen, now)
			}
		}

		summaries = append(summaries, summary)
		ing.log.WithFields(logger.Fields{
			"pair":          string(pair),
			"candles":       summary.Candles,
			"trades":        summary.Trades,
			"funding":       summary.Funding,
			"open_interest": summary.OpenInterest,
			"mark_index":    summary.MarkIndex,
			"tickers":       summary.Tickers,
			"total":         summary.total(),
		}).Info("ingest pass complete")
	}

	var failedFeeds int
	for feed, run := range feedRuns {
		totals := feedTotals[feed]
		status := market.RunSucceeded
		if totals.errorCount > 0 {
			status = market.RunFailed
			failedFeeds++
		}
		if err := ing.store.CompleteIngestionRun(ctx, run.ID, store.RunResult{
			Status:       status,
			NewCount:     totals.newCount,
			UpdatedCount: totals.updatedCount,
			ErrorCount:   totals.errorCount,
			ErrorSummary: totals.errorSummary,
		}); err != nil {
			return summaries, fmt.Errorf("finalize ingestion run for %s: %w", feed, err)
		}
	}
	if failedFeeds > 0 {
		return summaries, fmt.Errorf("%d feeds reported errors", failedFeeds)
	}
	return summaries, nil
}

func (ing *Ingestor) recordFeedOutcome(_ context.Context, totals *feedTotal, err error, inserted int) {
	totals.newCount += inserted
	if err != nil {
		totals.errorCount++
		totals.errorSummary = err.Error()
	}
}

func (ing *Ingestor) recordStatus(ctx context.Context, pair market.Pair, feed market.Feed, lastSeen *time.Time, now time.Time) {
	if err := ing.freshness.Record(ctx, pair, feed, lastSeen, now); err != nil {
		ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair), "feed": string(feed)}).Warn("failed to record source status")
	}
}

func (ing *Ingestor) markUnavailable(ctx context.Context, pair market.Pair, feeds ...market.Feed) {
	now := time.Now().UTC()
	for _, feed := range feeds {
		if err := ing.freshness.MarkUnavailable(ctx, pair, feed, now); err != nil {
			ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair), "feed": string(feed)}).Warn("failed to mark source unavailable")
		}
	}
}

func skipForStream(status map[string]market.SourceStatus, pair market.Pair, feed market.Feed) bool {
	if status == nil {
		return false
	}
	return status[string(pair)+":"+string(feed)] == market.SourceOK
}

func laterTime(current *time.Time, candidate time.Time) *time.Time {
	if candidate.IsZero() {
		return current
	}
	if current == nil || candidate.After(*current) {
		t := candidate
		return &t
	}
	return current
}

func (ing *Ingestor) ingestCandles(ctx context.Context, pair market.Pair, intervals []string, backfill bool, maxBatches int, summary *Summary) (*time.Time, error) {
	var latestSeen *time.Time
	symbol := market.ExchangeSymbol(pair)

	for _, interval := range intervals {
		last, err := ing.store.LatestCandleTime(ctx, pair, interval)
		if err != nil {
			return latestSeen, fmt.Errorf("load latest candle time: %w", err)
		}
		if last != nil {
			latestSeen = laterTime(latestSeen, *last)
		}
		intervalDur := market.IntervalDuration(interval)

		var earliest *time.Time
		var refreshed []market.Candle
		if backfill {
			earliest, err = ing.store.EarliestCandleTime(ctx, pair, interval)
			if err != nil {
				return latestSeen, fmt.Errorf("load earliest candle time: %w", err)
			}

			// Forward refresh first so the newest window stays current while
			// history fills in behind it.
			params := url.Values{}
			params.Set("symbol", symbol)
			params.Set("interval", interval)
			params.Set("limit", strconv.Itoa(ing.candleLimit))
			if last != nil {
				params.Set("startTime", strconv.FormatInt(last.Add(intervalDur).UnixMilli(), 10))
			}
			payload, err := ing.client.Get(ctx, pathKlines, params)
			if err != nil {
				ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair), "interval": interval}).Warn("candle refresh failed")
				ing.markUnavailable(ctx, pair, market.FeedCandles)
				if IsSymbolMissing(err) {
					break
				}
				continue
			}
			refreshed = parseCandleRows(normalizeList(payload), pair, interval)
			if len(refreshed) > 0 {
				if err := ing.store.UpsertCandles(ctx, refreshed); err != nil {
					return latestSeen, fmt.Errorf("upsert candles: %w", err)
				}
				summary.Candles += len(refreshed)
				latestSeen = laterTime(latestSeen, refreshed[len(refreshed)-1].CloseTime)
			}
		}

		walk := &pageWalk{interval: intervalDur, backward: backfill, maxBatches: maxBatches}
		if backfill {
			start := time.Now().UTC()
			if earliest != nil {
				start = earliest.Add(-intervalDur)
			} else if len(refreshed) > 0 {
				start = refreshed[0].OpenTime.Add(-intervalDur)
			}
			walk.cursor = &start
		} else if last != nil {
			next := last.Add(intervalDur)
			walk.cursor = &next
		}

		for {
			params := url.Values{}
			params.Set("symbol", symbol)
			params.Set("interval", interval)
			params.Set("limit", strconv.Itoa(ing.candleLimit))
			if walk.cursor != nil {
				if backfill {
					params.Set("endTime", strconv.FormatInt(walk.cursor.UnixMilli(), 10))
				} else {
					params.Set("startTime", strconv.FormatInt(walk.cursor.UnixMilli(), 10))
				}
			}

			payload, err := ing.client.Get(ctx, pathKlines, params)
			if err != nil {
				ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair), "interval": interval}).Warn("candle ingest failed")
				ing.markUnavailable(ctx, pair, market.FeedCandles)
				break
			}
			parsed := parseCandleRows(normalizeList(payload), pair, interval)
			if len(parsed) > 0 {
				if err := ing.store.UpsertCandles(ctx, parsed); err != nil {
					return latestSeen, fmt.Errorf("upsert candles: %w", err)
				}
				summary.Candles += len(parsed)
				latestSeen = laterTime(latestSeen, parsed[len(parsed)-1].CloseTime)
			}

			reason := walk.advance(firstLastOpen(parsed))
			if reason != walkContinue {
				if reason == walkStalled {
					ing.log.WithFields(logger.Fields{"pair": string(pair), "interval": interval}).Warn("candle cursor stalled")
				}
				break
			}
			if !backfill {
				break
			}
		}
	}

	return latestSeen, nil
}

// BackfillWindow fetches exactly the [start, end] window for one
// (instrument, interval) pair, bounded by maxBatches. The gap healer uses it
// for targeted re-backfill.
func (ing *Ingestor) BackfillWindow(ctx context.Context, pair market.Pair, interval string, start, end time.Time, maxBatches int) (int, error) {
	if !end.After(start) {
		return 0, nil
	}
	if maxBatches <= 0 {
		maxBatches = 10
	}
	intervalDur := market.IntervalDuration(interval)
	symbol := market.ExchangeSymbol(pair)
	inserted := 0

	cursor := start
	walk := &pageWalk{interval: intervalDur, maxBatches: maxBatches, cursor: &cursor}

	for walk.cursor != nil && !walk.cursor.After(end) {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("limit", strconv.Itoa(ing.candleLimit))
		params.Set("startTime", strconv.FormatInt(walk.cursor.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))

		payload, err := ing.client.Get(ctx, pathKlines, params)
		if err != nil {
			return inserted, fmt.Errorf("fetch candle window: %w", err)
		}
		parsed := parseCandleRows(normalizeList(payload), pair, interval)
		if len(parsed) > 0 {
			if err := ing.store.UpsertCandles(ctx, parsed); err != nil {
				return inserted, fmt.Errorf("upsert candles: %w", err)
			}
			inserted += len(parsed)
		}
		if walk.advance(firstLastOpen(parsed)) != walkContinue {
			break
		}
	}
	return inserted, nil
}

func (ing *Ingestor) ingestOrderBook(ctx context.Context, pair market.Pair) (*time.Time, error) {
	params := url.Values{}
	params.Set("symbol", market.ExchangeSymbol(pair))
	params.Set("limit", strconv.Itoa(ing.orderbookDepth))

	payload, err := ing.client.Get(ctx, pathDepth, params)
	if err != nil {
		ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair)}).Warn("orderbook ingest failed")
		ing.markUnavailable(ctx, pair, market.FeedOrderbook)
		return nil, nil
	}

	snapshot, ok := parseOrderBookPayload(payload, pair)
	if !ok {
		ing.log.WithFields(logger.Fields{"pair": string(pair)}).Warn("orderbook payload missing depth levels")
		ing.markUnavailable(ctx, pair, market.FeedOrderbook)
		return nil, nil
	}
	if err := ing.store.InsertOrderBookSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("insert orderbook snapshot: %w", err)
	}
	captured := snapshot.CapturedAt
	return &captured, nil
}

func (ing *Ingestor) ingestTrades(ctx context.Context, pair market.Pair, backfill bool, maxBatches int, summary *Summary) (*time.Time, error) {
	latestKnown, err := ing.store.LatestTradeTime(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("load latest trade time: %w", err)
	}

	batchesMax := 1
	if backfill {
		batchesMax = maxBatches
		if batchesMax > ing.maxTradeBatches {
			batchesMax = ing.maxTradeBatches
		}
	}

	seen := make(map[string]struct{})
	for batches := 0; batches < batchesMax; batches++ {
		params := url.Values{}
		params.Set("symbol", market.ExchangeSymbol(pair))
		params.Set("limit", strconv.Itoa(ing.tradeLimit))

		payload, err := ing.client.Get(ctx, pathTrades, params)
		if err != nil {
			ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair)}).Warn("trades ingest failed")
			ing.markUnavailable(ctx, pair, market.FeedTrades)
			break
		}
		parsed := parseTradeRows(normalizeList(payload), pair)
		if len(parsed) == 0 {
			break
		}
		unique := make([]market.Trade, 0, len(parsed))
		for _, trade := range parsed {
			if latestKnown != nil && !backfill && !trade.ExecutedAt.After(*latestKnown) {
				continue
			}
			if _, dup := seen[trade.TradeID]; dup {
				continue
			}
			seen[trade.TradeID] = struct{}{}
			unique = append(unique, trade)
		}
		if len(unique) == 0 {
			break
		}
		if err := ing.store.UpsertTrades(ctx, unique); err != nil {
			return nil, fmt.Errorf("upsert trades: %w", err)
		}
		summary.Trades += len(unique)
	}

	return ing.store.LatestTradeTime(ctx, pair)
}

func (ing *Ingestor) ingestFundingRates(ctx context.Context, pair market.Pair, backfill bool, maxBatches int, summary *Summary) (*time.Time, error) {
	latestKnown, err := ing.store.LatestFundingTime(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("load latest funding time: %w", err)
	}
	latestSeen := latestKnown

	cursorEnd := time.Now().UTC()
	if backfill {
		earliest, err := ing.store.EarliestFundingTime(ctx, pair)
		if err != nil {
			return nil, fmt.Errorf("load earliest funding time: %w", err)
		}
		if earliest != nil {
			cursorEnd = earliest.Add(-time.Millisecond)
		}
	}
	// Funding rows have no strict interval; the walk retreats one millisecond
	// past the first row of each page.
	walk := &pageWalk{interval: time.Millisecond, backward: true, maxBatches: maxBatches, cursor: &cursorEnd}

	for {
		params := url.Values{}
		params.Set("symbol", market.ExchangeSymbol(pair))
		params.Set("limit", strconv.Itoa(ing.fundingLimit))
		if backfill {
			windowStart := walk.cursor.Add(-fundingInterval * time.Duration(ing.fundingLimit))
			if windowStart.UnixMilli() < 0 {
				windowStart = time.UnixMilli(0)
			}
			params.Set("startTime", strconv.FormatInt(windowStart.UnixMilli(), 10))
			params.Set("endTime", strconv.FormatInt(walk.cursor.UnixMilli(), 10))
		}

		payload, err := ing.client.Get(ctx, pathFundingRate, params)
		if err != nil {
			ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair)}).Warn("funding ingest failed")
			ing.markUnavailable(ctx, pair, market.FeedFunding)
			break
		}
		parsed := parseFundingRows(normalizeList(payload), pair)
		if len(parsed) == 0 {
			break
		}
		if latestKnown != nil && !backfill {
			filtered := parsed[:0]
			for _, rate := range parsed {
				if rate.FundingTime.After(*latestKnown) {
					filtered = append(filtered, rate)
				}
			}
			parsed = filtered
		}
		if len(parsed) > 0 {
			if err := ing.store.UpsertFundingRates(ctx, parsed); err != nil {
				return nil, fmt.Errorf("upsert funding rates: %w", err)
			}
			summary.Funding += len(parsed)
			latestSeen = laterTime(latestSeen, parsed[len(parsed)-1].FundingTime)
		}
		if !backfill {
			break
		}
		if walk.advance(parsed[0].FundingTime, parsed[len(parsed)-1].FundingTime, len(parsed)) != walkContinue {
			break
		}
	}

	if latestSeen != nil {
		return latestSeen, nil
	}
	return ing.store.LatestFundingTime(ctx, pair)
}

func (ing *Ingestor) ingestOpenInterest(ctx context.Context, pair market.Pair, summary *Summary) (*time.Time, error) {
	params := url.Values{}
	params.Set("symbol", market.ExchangeSymbol(pair))

	payload, err := ing.client.Get(ctx, pathOpenInterest, params)
	if err != nil {
		ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair)}).Warn("open interest ingest failed")
		ing.markUnavailable(ctx, pair, market.FeedOpenInterest)
		return ing.store.LatestOpenInterestTime(ctx, pair)
	}
	parsed := parseOpenInterestRows(normalizeList(payload), pair)
	if len(parsed) == 0 {
		return ing.store.LatestOpenInterestTime(ctx, pair)
	}
	if err := ing.store.UpsertOpenInterest(ctx, parsed); err != nil {
		return nil, fmt.Errorf("upsert open interest: %w", err)
	}
	summary.OpenInterest += len(parsed)
	captured := parsed[len(parsed)-1].CapturedAt
	return &captured, nil
}

func (ing *Ingestor) ingestMarkIndex(ctx context.Context, pair market.Pair, summary *Summary) (*time.Time, error) {
	params := url.Values{}
	params.Set("symbol", market.ExchangeSymbol(pair))

	payload, err := ing.client.Get(ctx, pathPremiumIndex, params)
	if err != nil {
		ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair)}).Warn("mark/index ingest failed")
		ing.markUnavailable(ctx, pair, market.FeedMarkPrice, market.FeedIndexPrice)
		return ing.store.LatestMarkIndexTime(ctx, pair)
	}
	parsed := parseMarkIndexRows(normalizeList(payload), pair)
	if len(parsed) == 0 {
		return ing.store.LatestMarkIndexTime(ctx, pair)
	}
	if err := ing.store.UpsertMarkIndex(ctx, parsed); err != nil {
		return nil, fmt.Errorf("upsert mark/index prices: %w", err)
	}
	summary.MarkIndex += len(parsed)
	captured := parsed[len(parsed)-1].CapturedAt
	return &captured, nil
}

func (ing *Ingestor) ingestTicker(ctx context.Context, pair market.Pair, summary *Summary) (*time.Time, error) {
	params := url.Values{}
	params.Set("symbol", market.ExchangeSymbol(pair))

	payload, err := ing.client.Get(ctx, pathTicker, params)
	if err != nil {
		ing.log.WithError(err).WithFields(logger.Fields{"pair": string(pair)}).Warn("ticker ingest failed")
		ing.markUnavailable(ctx, pair, market.FeedTicker)
		return ing.store.LatestTickerTime(ctx, pair)
	}
	parsed := parseTickerRows(normalizeList(payload), pair)
	if len(parsed) == 0 {
		return ing.store.LatestTickerTime(ctx, pair)
	}
	if err := ing.store.UpsertTickers(ctx, parsed); err != nil {
		return nil, fmt.Errorf("upsert tickers: %w", err)
	}
	summary.Tickers += len(parsed)
	captured := parsed[len(parsed)-1].CapturedAt
	return &captured, nil
}
