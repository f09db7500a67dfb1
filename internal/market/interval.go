package market

import (
	"regexp"
	"strconv"
	"time"
)

var intervalPattern = regexp.MustCompile(`^(\d+)([mhdwM])$`)

// IntervalDuration converts an exchange interval token ("1m", "4h", "1M")
// into a duration. Unparseable tokens fall back to one minute, matching the
// exchange's smallest kline step.
func IntervalDuration(interval string) time.Duration {
	match := intervalPattern.FindStringSubmatch(interval)
	if match == nil {
		return time.Minute
	}
	value, err := strconv.Atoi(match[1])
	if err != nil || value <= 0 {
		return time.Minute
	}
	switch match[2] {
	case "m":
		return time.Duration(value) * time.Minute
	case "h":
		return time.Duration(value) * time.Hour
	case "d":
		return time.Duration(value) * 24 * time.Hour
	case "w":
		return time.Duration(value) * 7 * 24 * time.Hour
	case "M":
		return time.Duration(value) * 30 * 24 * time.Hour
	}
	return time.Minute
}

// ParseTimestamp interprets an exchange timestamp that may be expressed in
// seconds or milliseconds. Returns false for zero or negative values.
func ParseTimestamp(value int64) (time.Time, bool) {
	if value <= 0 {
		return time.Time{}, false
	}
	if value < 1_000_000_000_000 {
		value *= 1000
	}
	return time.UnixMilli(value).UTC(), true
}
