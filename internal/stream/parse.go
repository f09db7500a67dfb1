package stream

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"goldflow/internal/market"
)

// EventKind tags the decoded stream event variants.
type EventKind string

const (
	EventTrade     EventKind = "trade"
	EventKline     EventKind = "kline"
	EventOrderbook EventKind = "orderbook"
	EventTicker    EventKind = "ticker"
	EventMarkPrice EventKind = "mark_price"
)

// MarkPriceEvent carries a mark price push. The index price is joined from
// the REST snapshot cache at flush time.
type MarkPriceEvent struct {
	Pair       market.Pair
	MarkPrice  float64
	CapturedAt time.Time
}

// Event is one decoded market event. Exactly one payload pointer is set,
// matching Kind.
type Event struct {
	Kind      EventKind
	Pair      market.Pair
	Interval  string
	Trade     *market.Trade
	Candle    *market.Candle
	OrderBook *market.OrderBookSnapshot
	Ticker    *market.TickerSnapshot
	MarkPrice *MarkPriceEvent
}

// Time reports the event's own timestamp, used for sequence checking and
// freshness updates.
func (e Event) Time() time.Time {
	switch e.Kind {
	case EventTrade:
		return e.Trade.ExecutedAt
	case EventKline:
		return e.Candle.CloseTime
	case EventOrderbook:
		return e.OrderBook.CapturedAt
	case EventTicker:
		return e.Ticker.CapturedAt
	case EventMarkPrice:
		return e.MarkPrice.CapturedAt
	}
	return time.Time{}
}

// sequenceKey identifies the per-stream ordering domain. Klines order per
// interval; everything else orders per pair.
func (e Event) sequenceKey() string {
	if e.Kind == EventKline {
		return string(e.Kind) + ":" + string(e.Pair) + ":" + e.Interval
	}
	return string(e.Kind) + ":" + string(e.Pair)
}

// expectedInterval is the cadence used for gap detection. Only klines have a
// fixed cadence.
func (e Event) expectedInterval() time.Duration {
	if e.Kind == EventKline {
		return market.IntervalDuration(e.Interval)
	}
	return 0
}

var (
	klineTopicRe = regexp.MustCompile(`^(.+)@kline_([^@]+)$`)
	depthTopicRe = regexp.MustCompile(`^(.+)@depth(\d+)(?:@\d+ms)?$`)
)

type wsEnvelope struct {
	DataType  string          `json:"dataType"`
	Data      json.RawMessage `json:"data"`
	Timestamp any             `json:"timestamp"`
	Ts        any             `json:"ts"`
}

// ParseMessage decodes one data frame into zero or more events. Control
// frames, unknown topics and malformed rows produce no events rather than
// errors; the stream must keep consuming.
func ParseMessage(message []byte) []Event {
	var envelope wsEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil
	}
	if envelope.DataType == "" || len(envelope.Data) == 0 {
		return nil
	}
	envTime := firstTime(envelope.Timestamp, envelope.Ts)

	if match := klineTopicRe.FindStringSubmatch(envelope.DataType); match != nil {
		return parseKlines(match[1], match[2], envelope.Data, envTime)
	}
	if match := depthTopicRe.FindStringSubmatch(envelope.DataType); match != nil {
		depth, _ := strconv.Atoi(match[2])
		return parseDepth(match[1], depth, envelope.Data, envTime)
	}
	for _, entry := range suffixParsers {
		if strings.HasSuffix(envelope.DataType, entry.suffix) {
			return entry.parse(strings.TrimSuffix(envelope.DataType, entry.suffix), envelope.Data, envTime)
		}
	}
	return nil
}

// suffixParsers maps fixed topic suffixes to their payload parsers. Kline and
// depth topics carry parameters and are matched by regexp before this table.
var suffixParsers = []struct {
	suffix string
	parse  func(symbol string, data json.RawMessage, envTime time.Time) []Event
}{
	{"@trade", parseTrade},
	{"@ticker", parseTicker},
	{"@bookTicker", parseBookTicker},
	{"@lastPrice", parseLastPrice},
	{"@markPrice", parseMarkPrice},
}

func parseKlines(symbol, interval string, data json.RawMessage, envTime time.Time) []Event {
	pair, ok := market.PairFromSymbol(symbol)
	if !ok {
		return nil
	}
	intervalDur := market.IntervalDuration(interval)

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		var row map[string]any
		if err := json.Unmarshal(data, &row); err != nil {
			return nil
		}
		rows = []map[string]any{row}
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		closeTime := firstTime(row["T"], row["t"])
		if closeTime.IsZero() {
			closeTime = envTime
		}
		openTime := firstTime(row["t"])
		if openTime.IsZero() {
			if closeTime.IsZero() {
				continue
			}
			openTime = closeTime.Add(-intervalDur)
		}
		open, okO := toFloat(firstValue(row["o"], row["open"]))
		high, okH := toFloat(firstValue(row["h"], row["high"]))
		low, okL := toFloat(firstValue(row["l"], row["low"]))
		closePrice, okC := toFloat(firstValue(row["c"], row["close"]))
		volume, okV := toFloat(firstValue(row["v"], row["volume"]))
		if !okO || !okH || !okL || !okC || !okV {
			continue
		}
		candle := &market.Candle{
			Pair:      pair,
			Interval:  interval,
			OpenTime:  openTime,
			CloseTime: closeTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			Source:    "ws",
		}
		if quote, ok := toFloat(firstValue(row["q"], row["quoteVolume"])); ok {
			candle.QuoteVolume = &quote
		}
		events = append(events, Event{Kind: EventKline, Pair: pair, Interval: interval, Candle: candle})
	}
	return events
}

func parseDepth(symbol string, depthLevel int, data json.RawMessage, envTime time.Time) []Event {
	pair, ok := market.PairFromSymbol(symbol)
	if !ok {
		return nil
	}
	var book struct {
		Bids      json.RawMessage `json:"bids"`
		Asks      json.RawMessage `json:"asks"`
		Timestamp any             `json:"timestamp"`
		E         any             `json:"E"`
	}
	if err := json.Unmarshal(data, &book); err != nil {
		return nil
	}
	capturedAt := firstTime(book.Timestamp, book.E)
	if capturedAt.IsZero() {
		capturedAt = envTime
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	if book.Bids == nil {
		book.Bids = json.RawMessage("[]")
	}
	if book.Asks == nil {
		book.Asks = json.RawMessage("[]")
	}
	snapshot := &market.OrderBookSnapshot{
		Pair:       pair,
		CapturedAt: capturedAt,
		DepthLevel: depthLevel,
		Bids:       book.Bids,
		Asks:       book.Asks,
		Source:     "ws",
	}
	return []Event{{Kind: EventOrderbook, Pair: pair, OrderBook: snapshot}}
}

func parseTrade(symbol string, data json.RawMessage, envTime time.Time) []Event {
	pair, ok := market.PairFromSymbol(symbol)
	if !ok {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	tradeID := toIdentifier(firstValue(row["t"], row["tradeId"], row["id"]))
	if tradeID == "" {
		return nil
	}
	price, okP := toFloat(firstValue(row["p"], row["price"]))
	quantity, okQ := toFloat(firstValue(row["q"], row["qty"], row["quantity"]))
	if !okP || !okQ {
		return nil
	}
	side := market.SideBuy
	if raw, ok := row["side"].(string); ok && raw != "" {
		if !strings.HasPrefix(strings.ToLower(raw), "b") {
			side = market.SideSell
		}
	} else if maker, ok := row["m"].(bool); ok && maker {
		side = market.SideSell
	}
	executedAt := firstTime(row["T"], row["E"])
	if executedAt.IsZero() {
		executedAt = envTime
	}
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	trade := &market.Trade{
		Pair:       pair,
		TradeID:    tradeID,
		Price:      price,
		Quantity:   quantity,
		Side:       side,
		ExecutedAt: executedAt,
		Source:     "ws",
	}
	return []Event{{Kind: EventTrade, Pair: pair, Trade: trade}}
}

func parseTicker(symbol string, data json.RawMessage, envTime time.Time) []Event {
	pair, ok := market.PairFromSymbol(symbol)
	if !ok {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	lastPrice, ok := toFloat(firstValue(row["c"], row["lastPrice"], row["p"]))
	if !ok {
		return nil
	}
	capturedAt := firstTime(row["E"])
	if capturedAt.IsZero() {
		capturedAt = envTime
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	ticker := &market.TickerSnapshot{
		Pair:       pair,
		LastPrice:  lastPrice,
		CapturedAt: capturedAt,
		Source:     "ws",
	}
	if volume, ok := toFloat(firstValue(row["v"], row["volume24h"], row["volume"])); ok {
		ticker.Volume24h = &volume
	}
	if change, ok := toFloat(firstValue(row["p"], row["priceChange24h"])); ok {
		ticker.PriceChange24h = &change
	}
	return []Event{{Kind: EventTicker, Pair: pair, Ticker: ticker}}
}

// parseBookTicker folds best bid/ask pushes into depth-1 snapshots so a
// single storage path serves both depth topics.
func parseBookTicker(symbol string, data json.RawMessage, envTime time.Time) []Event {
	pair, ok := market.PairFromSymbol(symbol)
	if !ok {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	capturedAt := firstTime(row["E"])
	if capturedAt.IsZero() {
		capturedAt = envTime
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	side := func(priceKeys, qtyKeys []any) json.RawMessage {
		price, ok := toFloat(firstValue(priceKeys...))
		if !ok {
			return json.RawMessage("[]")
		}
		level := map[string]any{"p": price}
		if qty, ok := toFloat(firstValue(qtyKeys...)); ok {
			level["a"] = qty
		}
		encoded, err := json.Marshal([]any{level})
		if err != nil {
			return json.RawMessage("[]")
		}
		return encoded
	}
	snapshot := &market.OrderBookSnapshot{
		Pair:       pair,
		CapturedAt: capturedAt,
		DepthLevel: 1,
		Bids:       side([]any{row["b"], row["bidPrice"]}, []any{row["B"], row["bidQty"]}),
		Asks:       side([]any{row["a"], row["askPrice"]}, []any{row["A"], row["askQty"]}),
		Source:     "ws",
	}
	return []Event{{Kind: EventOrderbook, Pair: pair, OrderBook: snapshot}}
}

func parseLastPrice(symbol string, data json.RawMessage, envTime time.Time) []Event {
	pair, ok := market.PairFromSymbol(symbol)
	if !ok {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	lastPrice, ok := toFloat(firstValue(row["p"], row["lastPrice"]))
	if !ok {
		return nil
	}
	capturedAt := firstTime(row["E"])
	if capturedAt.IsZero() {
		capturedAt = envTime
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	ticker := &market.TickerSnapshot{
		Pair:       pair,
		LastPrice:  lastPrice,
		CapturedAt: capturedAt,
		Source:     "ws",
	}
	return []Event{{Kind: EventTicker, Pair: pair, Ticker: ticker}}
}

func parseMarkPrice(symbol string, data json.RawMessage, envTime time.Time) []Event {
	pair, ok := market.PairFromSymbol(symbol)
	if !ok {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	markPrice, ok := toFloat(firstValue(row["p"], row["markPrice"]))
	if !ok {
		return nil
	}
	capturedAt := firstTime(row["E"])
	if capturedAt.IsZero() {
		capturedAt = envTime
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	mark := &MarkPriceEvent{Pair: pair, MarkPrice: markPrice, CapturedAt: capturedAt}
	return []Event{{Kind: EventMarkPrice, Pair: pair, MarkPrice: mark}}
}

func firstValue(values ...any) any {
	for _, value := range values {
		if value != nil {
			return value
		}
	}
	return nil
}

func firstTime(values ...any) time.Time {
	for _, value := range values {
		numeric, ok := toFloat(value)
		if !ok || numeric <= 0 {
			continue
		}
		if ts, ok := market.ParseTimestamp(int64(numeric)); ok {
			return ts
		}
	}
	return time.Time{}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		parsed, err := v.Float64()
		return parsed, err == nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(v, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func toIdentifier(value any) string {
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
