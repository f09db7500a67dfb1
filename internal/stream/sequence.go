package stream

import "time"

// AnomalyKind classifies a sequence violation on one event stream.
type AnomalyKind string

const (
	AnomalyOutOfOrder AnomalyKind = "out_of_order"
	AnomalyGap        AnomalyKind = "gap"
)

// Anomaly describes one detected sequence violation.
type Anomaly struct {
	Kind             AnomalyKind
	Delta            time.Duration
	ExpectedInterval time.Duration
	MissingEvents    int
}

// DetectSequenceAnomaly compares consecutive event timestamps on a stream.
// A negative delta is out of order. When an expected cadence is known, a
// delta beyond expected*(1+tolerance) is a gap with an estimated number of
// missing events. Returns nil when the sequence is healthy or no previous
// event exists.
func DetectSequenceAnomaly(previous, current time.Time, expected time.Duration, tolerance float64) *Anomaly {
	if previous.IsZero() || current.IsZero() {
		return nil
	}
	if tolerance <= 0 {
		tolerance = 0.2
	}
	delta := current.Sub(previous)
	if delta < 0 {
		return &Anomaly{Kind: AnomalyOutOfOrder, Delta: delta, ExpectedInterval: expected}
	}
	if expected > 0 && float64(delta) > float64(expected)*(1+tolerance) {
		missing := int(delta/expected) - 1
		if missing < 1 {
			missing = 1
		}
		return &Anomaly{Kind: AnomalyGap, Delta: delta, ExpectedInterval: expected, MissingEvents: missing}
	}
	return nil
}
