package ingest

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"goldflow/internal/market"
)

// normalizeList coerces an API payload into a slice of rows. The exchange
// wraps lists inconsistently: sometimes a bare array, sometimes under list,
// data or rows, sometimes a single object.
func normalizeList(payload json.RawMessage) []any {
	if len(payload) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil
	}
	switch v := decoded.(type) {
	case []any:
		return v
	case map[string]any:
		for _, key := range []string{"list", "data", "rows"} {
			if list, ok := v[key].([]any); ok {
				return list
			}
		}
		if _, hasCode := v["code"]; hasCode {
			return nil
		}
		if _, hasMsg := v["msg"]; hasMsg {
			return nil
		}
		return []any{v}
	default:
		return nil
	}
}

// field picks the first present key from an object row, or the index from an
// array row.
func field(row any, index int, keys ...string) any {
	switch v := row.(type) {
	case map[string]any:
		for _, key := range keys {
			if value, ok := v[key]; ok && value != nil {
				return value
			}
		}
	case []any:
		if index >= 0 && index < len(v) {
			return v[index]
		}
	}
	return nil
}

func parseNumber(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return parsed
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func parseOptionalNumber(value any) *float64 {
	if value == nil {
		return nil
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	parsed := parseNumber(value)
	return &parsed
}

// parseTime converts a timestamp field to UTC time. Numbers are interpreted
// as seconds or milliseconds; strings must be RFC 3339.
func parseTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return market.ParseTimestamp(int64(v))
	case string:
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			return parsed.UTC(), true
		}
		if millis, err := strconv.ParseInt(v, 10, 64); err == nil {
			return market.ParseTimestamp(millis)
		}
		return time.Time{}, false
	case json.Number:
		millis, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return market.ParseTimestamp(millis)
	default:
		return time.Time{}, false
	}
}

func parseCandleRows(rows []any, pair market.Pair, interval string) []market.Candle {
	intervalDur := market.IntervalDuration(interval)
	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		openTime, ok := parseTime(field(row, 0, "openTime", "open_time", "time"))
		if !ok {
			continue
		}
		closeTime, ok := parseTime(field(row, 6, "closeTime", "close_time"))
		if !ok {
			closeTime = openTime.Add(intervalDur)
		}
		candles = append(candles, market.Candle{
			Pair:        pair,
			Interval:    interval,
			OpenTime:    openTime,
			CloseTime:   closeTime,
			Open:        parseNumber(field(row, 1, "open")),
			High:        parseNumber(field(row, 2, "high")),
			Low:         parseNumber(field(row, 3, "low")),
			Close:       parseNumber(field(row, 4, "close")),
			Volume:      parseNumber(field(row, 5, "volume")),
			QuoteVolume: parseOptionalNumber(field(row, 7, "quoteVolume", "quote_volume")),
			Source:      "rest",
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles
}

func parseTradeRows(rows []any, pair market.Pair) []market.Trade {
	trades := make([]market.Trade, 0, len(rows))
	for _, row := range rows {
		tradeID := tradeIdentifier(field(row, 0, "tradeId", "id", "fillId"))
		if tradeID == "" {
			continue
		}
		side := market.SideBuy
		if raw := field(row, -1, "side"); raw != nil {
			if strings.EqualFold(toString(raw), "sell") {
				side = market.SideSell
			}
		} else if maker, ok := field(row, -1, "isBuyerMaker").(bool); ok && maker {
			side = market.SideSell
		}
		executedAt, ok := parseTime(field(row, 4, "time", "ts", "executed_at"))
		if !ok {
			executedAt = time.Now().UTC()
		}
		trades = append(trades, market.Trade{
			Pair:       pair,
			TradeID:    tradeID,
			Price:      parseNumber(field(row, 1, "price", "p")),
			Quantity:   parseNumber(field(row, 2, "qty", "quantity")),
			Side:       side,
			ExecutedAt: executedAt,
			Source:     "rest",
		})
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ExecutedAt.Before(trades[j].ExecutedAt) })
	return trades
}

func parseFundingRows(rows []any, pair market.Pair) []market.FundingRate {
	rates := make([]market.FundingRate, 0, len(rows))
	for _, row := range rows {
		fundingTime, ok := parseTime(field(row, 0, "fundingTime", "funding_time"))
		if !ok {
			continue
		}
		rates = append(rates, market.FundingRate{
			Pair:        pair,
			FundingRate: parseNumber(field(row, 1, "fundingRate", "funding_rate", "rate")),
			FundingTime: fundingTime,
		})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].FundingTime.Before(rates[j].FundingTime) })
	return rates
}

func parseOpenInterestRows(rows []any, pair market.Pair) []market.OpenInterestSample {
	samples := make([]market.OpenInterestSample, 0, len(rows))
	for _, row := range rows {
		capturedAt, ok := parseTime(field(row, -1, "timestamp", "time", "captured_at"))
		if !ok {
			capturedAt = time.Now().UTC()
		}
		samples = append(samples, market.OpenInterestSample{
			Pair:         pair,
			OpenInterest: parseNumber(field(row, -1, "openInterest", "open_interest", "value")),
			CapturedAt:   capturedAt,
		})
	}
	return samples
}

func parseMarkIndexRows(rows []any, pair market.Pair) []market.MarkIndexSample {
	samples := make([]market.MarkIndexSample, 0, len(rows))
	for _, row := range rows {
		capturedAt, ok := parseTime(field(row, -1, "timestamp", "time", "captured_at"))
		if !ok {
			capturedAt = time.Now().UTC()
		}
		samples = append(samples, market.MarkIndexSample{
			Pair:       pair,
			MarkPrice:  parseNumber(field(row, -1, "markPrice", "mark_price", "mark")),
			IndexPrice: parseNumber(field(row, -1, "indexPrice", "index_price", "index")),
			CapturedAt: capturedAt,
			Source:     "rest",
		})
	}
	return samples
}

func parseTickerRows(rows []any, pair market.Pair) []market.TickerSnapshot {
	tickers := make([]market.TickerSnapshot, 0, len(rows))
	for _, row := range rows {
		capturedAt, ok := parseTime(field(row, -1, "timestamp", "time", "captured_at"))
		if !ok {
			capturedAt = time.Now().UTC()
		}
		tickers = append(tickers, market.TickerSnapshot{
			Pair:           pair,
			LastPrice:      parseNumber(field(row, -1, "lastPrice", "last_price", "last")),
			Volume24h:      parseOptionalNumber(field(row, -1, "volume24h", "volume_24h", "volume")),
			PriceChange24h: parseOptionalNumber(field(row, -1, "priceChange24h", "price_change_24h", "change")),
			CapturedAt:     capturedAt,
			Source:         "rest",
		})
	}
	return tickers
}

// parseOrderBookPayload keeps the exchange's raw bid/ask shape and stamps the
// capture time locally. DepthLevel records the deeper of the two sides.
func parseOrderBookPayload(payload json.RawMessage, pair market.Pair) (market.OrderBookSnapshot, bool) {
	var book struct {
		Bids json.RawMessage `json:"bids"`
		Asks json.RawMessage `json:"asks"`
	}
	if err := json.Unmarshal(payload, &book); err != nil {
		return market.OrderBookSnapshot{}, false
	}
	var bids, asks []json.RawMessage
	if len(book.Bids) > 0 {
		_ = json.Unmarshal(book.Bids, &bids)
	}
	if len(book.Asks) > 0 {
		_ = json.Unmarshal(book.Asks, &asks)
	}
	if len(bids) == 0 && len(asks) == 0 {
		return market.OrderBookSnapshot{}, false
	}
	depth := len(bids)
	if len(asks) > depth {
		depth = len(asks)
	}
	if book.Bids == nil {
		book.Bids = json.RawMessage("[]")
	}
	if book.Asks == nil {
		book.Asks = json.RawMessage("[]")
	}
	return market.OrderBookSnapshot{
		Pair:       pair,
		CapturedAt: time.Now().UTC(),
		DepthLevel: depth,
		Bids:       book.Bids,
		Asks:       book.Asks,
		Source:     "rest",
	}, true
}

func tradeIdentifier(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func toString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}
