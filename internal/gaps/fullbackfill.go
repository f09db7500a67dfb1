package gaps

import (
	"goldflow/internal/control"
	"goldflow/internal/market"
)

// BackfillReason explains a full-backfill decision.
type BackfillReason string

const (
	ReasonDisabled     BackfillReason = "disabled"
	ReasonForced       BackfillReason = "forced"
	ReasonOpenGaps     BackfillReason = "open_gaps"
	ReasonNonOkSources BackfillReason = "non_ok_sources"
	ReasonHealthy      BackfillReason = "healthy"
)

// Pressure summarizes how degraded the tracked sources are.
type Pressure struct {
	NonOk       int
	Stale       int
	Unavailable int
}

// CountSourcePressure tallies enabled sources that are not ok. Disabled
// sources are operator intent and never count as pressure.
func CountSourcePressure(views []control.StatusView) Pressure {
	var pressure Pressure
	for _, view := range views {
		if !view.Enabled || view.Status == market.SourceOK {
			continue
		}
		pressure.NonOk++
		switch view.Status {
		case market.SourceStale:
			pressure.Stale++
		case market.SourceUnavailable:
			pressure.Unavailable++
		}
	}
	return pressure
}

// BackfillDecision carries the full-backfill choice and the inputs behind it.
type BackfillDecision struct {
	ShouldRun          bool
	Reason             BackfillReason
	OpenGapCount       int
	NonOkSources       int
	StaleSources       int
	UnavailableSources int
}

// DecideFullBackfill is the pressure-valve policy: a forced run always fires,
// otherwise the open-gap and degraded-source counts must reach their
// thresholds. Zero thresholds fall back to defaults rather than firing on
// every scan.
func DecideFullBackfill(enabled, forced bool, openGaps, nonOk, maxOpenGaps, maxNonOk int) (bool, BackfillReason) {
	if !enabled && !forced {
		return false, ReasonDisabled
	}
	if forced {
		return true, ReasonForced
	}
	if maxOpenGaps <= 0 {
		maxOpenGaps = 10
	}
	if maxNonOk <= 0 {
		maxNonOk = 4
	}
	if openGaps >= maxOpenGaps {
		return true, ReasonOpenGaps
	}
	if nonOk >= maxNonOk {
		return true, ReasonNonOkSources
	}
	return false, ReasonHealthy
}
