package control

import (
	"context"
	"fmt"
	"sort"
	"time"

	"goldflow/internal/market"
	"goldflow/internal/store"
)

// Thresholds holds the default freshness threshold per feed. A feed is stale
// once its newest observed timestamp is older than the threshold.
type Thresholds map[market.Feed]time.Duration

// DefaultThresholds mirrors the cadence of each feed: order books stream
// continuously, funding settles every eight hours, everything else ticks
// within a couple of minutes.
func DefaultThresholds() Thresholds {
	return Thresholds{
		market.FeedCandles:      2 * time.Minute,
		market.FeedOrderbook:    time.Minute,
		market.FeedTrades:       2 * time.Minute,
		market.FeedFunding:      8 * time.Hour,
		market.FeedOpenInterest: 2 * time.Minute,
		market.FeedMarkPrice:    2 * time.Minute,
		market.FeedIndexPrice:   2 * time.Minute,
		market.FeedTicker:       2 * time.Minute,
	}
}

// StatusView joins a stored status row with its config row, falling back to
// defaults where neither exists.
type StatusView struct {
	Pair               market.Pair
	SourceType         market.Feed
	Enabled            bool
	FreshnessThreshold time.Duration
	Status             market.SourceStatus
	LastSeenAt         *time.Time
	UpdatedAt          *time.Time
}

// Freshness derives ok/stale/unavailable per (instrument, feed) from the
// newest timestamp observed in the data itself.
type Freshness struct {
	store      store.Store
	thresholds Thresholds
	pairs      []market.Pair
}

func NewFreshness(s store.Store, thresholds Thresholds, pairs []market.Pair) *Freshness {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if len(pairs) == 0 {
		pairs = market.DefaultPairs
	}
	return &Freshness{store: s, thresholds: thresholds, pairs: pairs}
}

// CalculateStatus classifies a last-seen timestamp against a threshold.
func CalculateStatus(lastSeenAt *time.Time, threshold time.Duration, now time.Time) market.SourceStatus {
	if lastSeenAt == nil || lastSeenAt.IsZero() {
		return market.SourceUnavailable
	}
	if now.Sub(*lastSeenAt) > threshold {
		return market.SourceStale
	}
	return market.SourceOK
}

// Threshold returns the default threshold for a feed.
func (f *Freshness) Threshold(feed market.Feed) time.Duration {
	if d, ok := f.thresholds[feed]; ok {
		return d
	}
	return 2 * time.Minute
}

// Record upserts the status row for (pair, feed) using lastSeenAt as the
// newest timestamp actually observed in the data.
func (f *Freshness) Record(ctx context.Context, pair market.Pair, feed market.Feed, lastSeenAt *time.Time, now time.Time) error {
	threshold := f.Threshold(feed)
	status := CalculateStatus(lastSeenAt, threshold, now)
	err := f.store.UpsertSourceStatus(ctx, market.DataSourceStatus{
		Pair:                      pair,
		SourceType:                feed,
		LastSeenAt:                lastSeenAt,
		FreshnessThresholdSeconds: int(threshold / time.Second),
		Status:                    status,
		UpdatedAt:                 now,
	})
	if err != nil {
		return fmt.Errorf("upsert source status: %w", err)
	}
	return nil
}

// MarkUnavailable flags (pair, feed) as having no usable data at all.
func (f *Freshness) MarkUnavailable(ctx context.Context, pair market.Pair, feed market.Feed, now time.Time) error {
	threshold := f.Threshold(feed)
	err := f.store.UpsertSourceStatus(ctx, market.DataSourceStatus{
		Pair:                      pair,
		SourceType:                feed,
		LastSeenAt:                nil,
		FreshnessThresholdSeconds: int(threshold / time.Second),
		Status:                    market.SourceUnavailable,
		UpdatedAt:                 now,
	})
	if err != nil {
		return fmt.Errorf("mark source unavailable: %w", err)
	}
	return nil
}

// ListWithConfig joins stored status and config rows across every tracked
// (pair, feed) combination, recomputing staleness against now. Feeds with a
// stored config but no status row report unavailable; feeds with neither
// report ok so a fresh deployment does not alarm before first ingest.
func (f *Freshness) ListWithConfig(ctx context.Context, now time.Time) ([]StatusView, error) {
	statusRows, err := f.store.ListSourceStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source status: %w", err)
	}
	configRows, err := f.store.ListSourceConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source configs: %w", err)
	}

	statusByKey := make(map[string]market.DataSourceStatus, len(statusRows))
	for _, row := range statusRows {
		statusByKey[string(row.Pair)+":"+string(row.SourceType)] = row
	}
	configByKey := make(map[string]market.SourceConfig, len(configRows))
	for _, row := range configRows {
		configByKey[string(row.Pair)+":"+string(row.SourceType)] = row
	}

	views := make([]StatusView, 0, len(f.pairs)*len(market.MarketFeeds))
	for _, pair := range f.pairs {
		for _, feed := range market.MarketFeeds {
			key := string(pair) + ":" + string(feed)
			threshold := f.Threshold(feed)
			enabled := true
			storedConfig, hasConfig := configByKey[key]
			if hasConfig {
				enabled = storedConfig.Enabled
				if storedConfig.FreshnessThresholdSeconds > 0 {
					threshold = time.Duration(storedConfig.FreshnessThresholdSeconds) * time.Second
				}
			}

			view := StatusView{
				Pair:               pair,
				SourceType:         feed,
				Enabled:            enabled,
				FreshnessThreshold: threshold,
			}

			if statusRow, ok := statusByKey[key]; ok {
				view.LastSeenAt = statusRow.LastSeenAt
				updated := statusRow.UpdatedAt
				view.UpdatedAt = &updated
				view.Status = CalculateStatus(statusRow.LastSeenAt, threshold, now)
			} else if hasConfig {
				view.Status = market.SourceUnavailable
			} else {
				view.Status = market.SourceOK
			}

			views = append(views, view)
		}
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].Pair != views[j].Pair {
			return views[i].Pair < views[j].Pair
		}
		return views[i].SourceType < views[j].SourceType
	})
	return views, nil
}

// Gate reports whether every enabled feed for the instrument is ok. The
// warnings name each disabled or non-ok feed so callers can log the cause.
type Gate struct {
	Allowed         bool
	Warnings        []string
	BlockingSources []market.Feed
	DisabledSources []market.Feed
}

// EvaluateGate decides whether downstream consumers may trust the
// instrument's data right now.
func (f *Freshness) EvaluateGate(ctx context.Context, pair market.Pair, now time.Time) (Gate, error) {
	views, err := f.ListWithConfig(ctx, now)
	if err != nil {
		return Gate{}, err
	}

	gate := Gate{Allowed: true}
	for _, view := range views {
		if view.Pair != pair {
			continue
		}
		if !view.Enabled {
			gate.DisabledSources = append(gate.DisabledSources, view.SourceType)
			gate.Warnings = append(gate.Warnings, "source_disabled:"+string(view.SourceType))
			continue
		}
		if view.Status != market.SourceOK {
			gate.Allowed = false
			gate.BlockingSources = append(gate.BlockingSources, view.SourceType)
			gate.Warnings = append(gate.Warnings, "source_"+string(view.Status)+":"+string(view.SourceType))
		}
	}
	return gate, nil
}
