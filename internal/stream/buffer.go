package stream

import (
	"time"

	"goldflow/internal/market"
)

// pendingBuffers coalesces events between flushes. Trades and candles key by
// natural identity so replays overwrite in place; snapshots keep only the
// newest state per pair.
type pendingBuffers struct {
	trades     map[string]*market.Trade
	candles    map[string]*market.Candle
	orderbooks map[market.Pair]*market.OrderBookSnapshot
	tickers    map[market.Pair]*market.TickerSnapshot
	markPrices map[market.Pair]*MarkPriceEvent

	lastSeen map[string]lastSeenUpdate
}

type lastSeenUpdate struct {
	pair market.Pair
	feed market.Feed
	at   time.Time
}

func newPendingBuffers() *pendingBuffers {
	return &pendingBuffers{
		trades:     make(map[string]*market.Trade),
		candles:    make(map[string]*market.Candle),
		orderbooks: make(map[market.Pair]*market.OrderBookSnapshot),
		tickers:    make(map[market.Pair]*market.TickerSnapshot),
		markPrices: make(map[market.Pair]*MarkPriceEvent),
		lastSeen:   make(map[string]lastSeenUpdate),
	}
}

func (p *pendingBuffers) add(event Event) {
	switch event.Kind {
	case EventTrade:
		p.trades[string(event.Pair)+":"+event.Trade.TradeID] = event.Trade
		p.noteSeen(event.Pair, market.FeedTrades, event.Trade.ExecutedAt)
	case EventKline:
		key := string(event.Pair) + ":" + event.Interval + ":" + event.Candle.OpenTime.UTC().Format(time.RFC3339Nano)
		p.candles[key] = event.Candle
		p.noteSeen(event.Pair, market.FeedCandles, event.Candle.CloseTime)
	case EventOrderbook:
		p.orderbooks[event.Pair] = event.OrderBook
		p.noteSeen(event.Pair, market.FeedOrderbook, event.OrderBook.CapturedAt)
	case EventTicker:
		p.tickers[event.Pair] = event.Ticker
		p.noteSeen(event.Pair, market.FeedTicker, event.Ticker.CapturedAt)
	case EventMarkPrice:
		p.markPrices[event.Pair] = event.MarkPrice
		p.noteSeen(event.Pair, market.FeedMarkPrice, event.MarkPrice.CapturedAt)
	}
}

func (p *pendingBuffers) noteSeen(pair market.Pair, feed market.Feed, at time.Time) {
	key := string(pair) + ":" + string(feed)
	if existing, ok := p.lastSeen[key]; ok && existing.at.After(at) {
		return
	}
	p.lastSeen[key] = lastSeenUpdate{pair: pair, feed: feed, at: at}
}

func (p *pendingBuffers) size() int {
	return len(p.trades) + len(p.candles) + len(p.orderbooks) + len(p.tickers) + len(p.markPrices)
}

// batch is a drained snapshot of the pending state. On flush failure it
// merges back under newer arrivals.
type batch struct {
	trades     []market.Trade
	candles    []market.Candle
	orderbooks []market.OrderBookSnapshot
	tickers    []market.TickerSnapshot
	markPrices []MarkPriceEvent
	lastSeen   []lastSeenUpdate
}

func (b batch) size() int {
	return len(b.trades) + len(b.candles) + len(b.orderbooks) + len(b.tickers) + len(b.markPrices)
}

func (p *pendingBuffers) drain() batch {
	out := batch{
		trades:     make([]market.Trade, 0, len(p.trades)),
		candles:    make([]market.Candle, 0, len(p.candles)),
		orderbooks: make([]market.OrderBookSnapshot, 0, len(p.orderbooks)),
		tickers:    make([]market.TickerSnapshot, 0, len(p.tickers)),
		markPrices: make([]MarkPriceEvent, 0, len(p.markPrices)),
		lastSeen:   make([]lastSeenUpdate, 0, len(p.lastSeen)),
	}
	for key, trade := range p.trades {
		out.trades = append(out.trades, *trade)
		delete(p.trades, key)
	}
	for key, candle := range p.candles {
		out.candles = append(out.candles, *candle)
		delete(p.candles, key)
	}
	for key, book := range p.orderbooks {
		out.orderbooks = append(out.orderbooks, *book)
		delete(p.orderbooks, key)
	}
	for key, ticker := range p.tickers {
		out.tickers = append(out.tickers, *ticker)
		delete(p.tickers, key)
	}
	for key, mark := range p.markPrices {
		out.markPrices = append(out.markPrices, *mark)
		delete(p.markPrices, key)
	}
	for key, seen := range p.lastSeen {
		out.lastSeen = append(out.lastSeen, seen)
		delete(p.lastSeen, key)
	}
	return out
}

// restore requeues a failed batch. Entries that arrived after the drain win
// over the restored copies.
func (p *pendingBuffers) restore(b batch) {
	for i := range b.trades {
		trade := b.trades[i]
		key := string(trade.Pair) + ":" + trade.TradeID
		if _, ok := p.trades[key]; !ok {
			p.trades[key] = &trade
		}
	}
	for i := range b.candles {
		candle := b.candles[i]
		key := string(candle.Pair) + ":" + candle.Interval + ":" + candle.OpenTime.UTC().Format(time.RFC3339Nano)
		if _, ok := p.candles[key]; !ok {
			p.candles[key] = &candle
		}
	}
	for i := range b.orderbooks {
		book := b.orderbooks[i]
		if _, ok := p.orderbooks[book.Pair]; !ok {
			p.orderbooks[book.Pair] = &book
		}
	}
	for i := range b.tickers {
		ticker := b.tickers[i]
		if _, ok := p.tickers[ticker.Pair]; !ok {
			p.tickers[ticker.Pair] = &ticker
		}
	}
	for i := range b.markPrices {
		mark := b.markPrices[i]
		if _, ok := p.markPrices[mark.Pair]; !ok {
			p.markPrices[mark.Pair] = &mark
		}
	}
	for _, seen := range b.lastSeen {
		p.noteSeen(seen.pair, seen.feed, seen.at)
	}
}
