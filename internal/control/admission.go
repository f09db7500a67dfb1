// Package control gates scheduled ingestion work and derives freshness
// status for every tracked data source.
package control

import (
	"context"
	"fmt"
	"time"

	"goldflow/internal/market"
	"goldflow/internal/store"
	"goldflow/logger"
)

// Decision reports whether a scheduled ingestion run may start. NextRunAt is
// populated when a reason implies a retry time.
type Decision struct {
	Allowed   bool
	Reason    string
	NextRunAt *time.Time
}

// Admission applies pause, overlap, interval and backoff rules before every
// scheduled ingestion run. Manual triggers bypass all checks.
type Admission struct {
	store           store.Store
	defaultInterval time.Duration
	backoffBase     time.Duration
	backoffMax      time.Duration
	runTimeout      time.Duration
	log             *logger.Entry
}

func NewAdmission(s store.Store, defaultInterval, backoffBase, backoffMax, runTimeout time.Duration) *Admission {
	return &Admission{
		store:           s,
		defaultInterval: defaultInterval,
		backoffBase:     backoffBase,
		backoffMax:      backoffMax,
		runTimeout:      runTimeout,
		log:             logger.GetLogger().WithComponent("ingest-admission"),
	}
}

func computeBackoff(base, max time.Duration, errorCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	exponent := errorCount - 1
	if exponent < 0 {
		exponent = 0
	}
	backoff := base
	for i := 0; i < exponent; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// ShouldRun decides whether a run for (sourceType, sourceID, feed) may start
// now. A run leased longer than the configured timeout is force-failed so the
// source does not wedge behind a crashed worker.
func (a *Admission) ShouldRun(ctx context.Context, sourceType, sourceID string, feed market.Feed, trigger market.Trigger, now time.Time) (Decision, error) {
	if trigger == market.TriggerManual {
		return Decision{Allowed: true}, nil
	}

	config, err := a.store.GetIngestionConfig(ctx, sourceType, sourceID, feed)
	if err != nil {
		return Decision{}, fmt.Errorf("load ingestion config: %w", err)
	}
	if config != nil && !config.Enabled {
		return Decision{Allowed: false, Reason: "paused"}, nil
	}

	refreshInterval := a.defaultInterval
	if config != nil && config.RefreshIntervalSeconds > 0 {
		refreshInterval = time.Duration(config.RefreshIntervalSeconds) * time.Second
	}

	lastRun, err := a.store.LatestIngestionRun(ctx, sourceType, sourceID, feed)
	if err != nil {
		return Decision{}, fmt.Errorf("load latest ingestion run: %w", err)
	}

	if lastRun != nil && lastRun.Status == market.RunRunning {
		if a.runTimeout > 0 && !lastRun.StartedAt.IsZero() && now.Sub(lastRun.StartedAt) > a.runTimeout {
			if err := a.store.FailIngestionRun(ctx, lastRun.ID, "timeout"); err != nil {
				return Decision{}, fmt.Errorf("fail timed out run: %w", err)
			}
			a.log.WithFields(logger.Fields{
				"source_type": sourceType,
				"feed":        string(feed),
				"run_id":      lastRun.ID,
			}).Warn("force-failed timed out ingestion run")
		} else {
			started := lastRun.StartedAt
			return Decision{Allowed: false, Reason: "running", NextRunAt: &started}, nil
		}
	}

	var lastRunAt *time.Time
	if lastRun != nil {
		if lastRun.FinishedAt != nil {
			lastRunAt = lastRun.FinishedAt
		} else if !lastRun.StartedAt.IsZero() {
			t := lastRun.StartedAt
			lastRunAt = &t
		}
	}

	if lastRunAt != nil && refreshInterval > 0 {
		nextRunAt := lastRunAt.Add(refreshInterval)
		if now.Before(nextRunAt) {
			return Decision{Allowed: false, Reason: "interval", NextRunAt: &nextRunAt}, nil
		}
	}

	backoffBase := a.backoffBase
	backoffMax := a.backoffMax
	if config != nil {
		if config.BackoffBaseSeconds > 0 {
			backoffBase = time.Duration(config.BackoffBaseSeconds) * time.Second
		}
		if config.BackoffMaxSeconds > 0 {
			backoffMax = time.Duration(config.BackoffMaxSeconds) * time.Second
		}
	}
	if lastRun != nil && lastRun.Status == market.RunFailed && lastRunAt != nil {
		errorCount := lastRun.ErrorCount
		if errorCount < 1 {
			errorCount = 1
		}
		if backoff := computeBackoff(backoffBase, backoffMax, errorCount); backoff > 0 {
			retryAt := lastRunAt.Add(backoff)
			if now.Before(retryAt) {
				return Decision{Allowed: false, Reason: "backoff", NextRunAt: &retryAt}, nil
			}
		}
	}

	return Decision{Allowed: true}, nil
}
