package market

import (
	"testing"
	"time"
)

func TestIntervalDuration(t *testing.T) {
	cases := []struct {
		interval string
		want     time.Duration
	}{
		{"1m", time.Minute},
		{"3m", 3 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"1M", 30 * 24 * time.Hour},
		{"bogus", time.Minute},
		{"", time.Minute},
	}
	for _, tc := range cases {
		if got := IntervalDuration(tc.interval); got != tc.want {
			t.Errorf("IntervalDuration(%q) = %v, want %v", tc.interval, got, tc.want)
		}
	}
}

func TestExchangeSymbolRoundTrip(t *testing.T) {
	for _, pair := range DefaultPairs {
		symbol := ExchangeSymbol(pair)
		back, ok := PairFromSymbol(symbol)
		if !ok {
			t.Fatalf("PairFromSymbol(%q) not found", symbol)
		}
		if back != pair {
			t.Errorf("round trip %q -> %q -> %q", pair, symbol, back)
		}
	}
	if got := ExchangeSymbol("btc-usdt"); got != "BTC-USDT" {
		t.Errorf("unknown pair should upper-case, got %q", got)
	}
	if _, ok := PairFromSymbol("BTC-USDT"); ok {
		t.Error("untracked symbol should not resolve")
	}
}

func TestParseTimestamp(t *testing.T) {
	if _, ok := ParseTimestamp(0); ok {
		t.Error("zero timestamp should not parse")
	}
	secs, ok := ParseTimestamp(1_700_000_000)
	if !ok {
		t.Fatal("seconds timestamp should parse")
	}
	millis, ok := ParseTimestamp(1_700_000_000_000)
	if !ok {
		t.Fatal("millis timestamp should parse")
	}
	if !secs.Equal(millis) {
		t.Errorf("seconds and millis forms disagree: %v vs %v", secs, millis)
	}
}
