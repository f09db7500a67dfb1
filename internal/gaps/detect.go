package gaps

import (
	"sort"
	"time"
)

// CandleGap is one detected hole in a candle series. The window spans the
// first and last missing bar, not the bars around it.
type CandleGap struct {
	GapStart         time.Time
	GapEnd           time.Time
	GapSeconds       int
	MissingPoints    int
	ExpectedInterval time.Duration
}

// DetectCandleGaps scans a candle open-time series for holes. A delta between
// neighbours beyond interval*tolerance is a gap; tolerance absorbs exchange
// timestamp jitter. Gaps with fewer than minMissing missing bars are ignored.
func DetectCandleGaps(times []time.Time, interval time.Duration, tolerance float64, minMissing int) []CandleGap {
	if len(times) < 2 || interval <= 0 {
		return nil
	}
	if tolerance <= 1.0 {
		tolerance = 1.1
	}
	if minMissing < 1 {
		minMissing = 1
	}

	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var gaps []CandleGap
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		next := sorted[i]
		if !next.After(prev) {
			continue
		}
		delta := next.Sub(prev)
		if float64(delta) <= float64(interval)*tolerance {
			continue
		}
		missing := int(delta/interval) - 1
		if missing < minMissing {
			continue
		}
		gaps = append(gaps, CandleGap{
			GapStart:         prev.Add(interval),
			GapEnd:           next.Add(-interval),
			GapSeconds:       int((delta - interval) / time.Second),
			MissingPoints:    missing,
			ExpectedInterval: interval,
		})
	}
	return gaps
}

// HasOverlappingGap reports whether any detected gap intersects the
// [rangeStart, rangeEnd] window. The healer uses it to verify a backfilled
// window actually closed.
func HasOverlappingGap(times []time.Time, interval time.Duration, tolerance float64, minMissing int, rangeStart, rangeEnd time.Time) bool {
	if rangeEnd.Before(rangeStart) {
		return false
	}
	for _, gap := range DetectCandleGaps(times, interval, tolerance, minMissing) {
		if !gap.GapStart.After(rangeEnd) && !gap.GapEnd.Before(rangeStart) {
			return true
		}
	}
	return false
}
