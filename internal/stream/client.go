package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goldflow/internal/control"
	"goldflow/internal/market"
	"goldflow/internal/store"
	"goldflow/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultBufferSize         = 4096
	defaultSubscribeBatchSize = 20
	defaultFlushInterval      = 2 * time.Second
	defaultFlushBackoffBase   = 2 * time.Second
	defaultFlushBackoffMax    = 30 * time.Second
	defaultReconnectMin       = time.Second
	defaultReconnectMax       = 30 * time.Second
	defaultAlertCooldown      = time.Minute
	defaultIndexMaxAge        = 5 * time.Minute
)

// Options wires the streaming client's collaborators and tunables.
type Options struct {
	URL       string
	Topics    []string
	Store     store.Store
	Freshness *control.Freshness

	BufferSize         int
	SubscribeBatchSize int
	SubscribeDelay     time.Duration
	FlushInterval      time.Duration
	FlushBackoffBase   time.Duration
	FlushBackoffMax    time.Duration
	ReconnectMin       time.Duration
	ReconnectMax       time.Duration
	SequenceTolerance  float64
	AlertCooldown      time.Duration
	IndexMaxAge        time.Duration

	// OnAnomaly receives rate-limited sequence anomaly notifications.
	OnAnomaly func(Event, Anomaly)
	// OrderBookSink receives every snapshot that reached storage.
	OrderBookSink func(market.OrderBookSnapshot)
}

// Status is a point-in-time view of the connection.
type Status struct {
	Connected     bool
	LastMessageAt *time.Time
	Topics        []string
}

// Client keeps one persistent connection to the exchange stream, fans decoded
// events into a bounded channel and flushes coalesced batches to storage.
type Client struct {
	opts Options
	log  *logger.Entry

	events chan Event
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu            sync.RWMutex
	running       bool
	connected     bool
	lastMessageAt *time.Time

	indexCache map[market.Pair]indexCacheEntry
	lastAlert  map[string]time.Time
}

type indexCacheEntry struct {
	indexPrice float64
	updatedAt  time.Time
}

func NewClient(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = "wss://open-api-swap.bingx.com/swap-market"
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.SubscribeBatchSize <= 0 {
		opts.SubscribeBatchSize = defaultSubscribeBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.FlushBackoffBase <= 0 {
		opts.FlushBackoffBase = defaultFlushBackoffBase
	}
	if opts.FlushBackoffMax <= 0 {
		opts.FlushBackoffMax = defaultFlushBackoffMax
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = defaultAlertCooldown
	}
	if opts.IndexMaxAge <= 0 {
		opts.IndexMaxAge = defaultIndexMaxAge
	}
	return &Client{
		opts:       opts,
		log:        logger.GetLogger().WithComponent("stream"),
		events:     make(chan Event, opts.BufferSize),
		indexCache: make(map[market.Pair]indexCacheEntry),
		lastAlert:  make(map[string]time.Time),
	}
}

// Start launches the connection and flush loops. It returns immediately; the
// loops run until the context is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("stream client already running")
	}
	c.running = true
	c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)
	c.log.WithFields(logger.Fields{"url": c.opts.URL, "topics": len(c.opts.Topics)}).Info("starting stream client")

	c.wg.Add(2)
	go c.connectLoop(ctx)
	go c.flushLoop(ctx)
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info("stream client stopped")
}

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status := Status{Connected: c.connected, Topics: c.opts.Topics}
	if c.lastMessageAt != nil {
		at := *c.lastMessageAt
		status.LastMessageAt = &at
	}
	return status
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *Client) noteMessage() {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastMessageAt = &now
	c.mu.Unlock()
}

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	delay := c.opts.ReconnectMin

	for {
		if ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
		conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			c.log.WithError(err).WithFields(logger.Fields{"delay": delay.String()}).Warn("stream connect failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > c.opts.ReconnectMax {
				delay = c.opts.ReconnectMax
			}
			continue
		}

		delay = c.opts.ReconnectMin
		c.setConnected(true)
		c.log.WithFields(logger.Fields{"topics": len(c.opts.Topics)}).Info("stream connected")

		if err := c.subscribeAll(ctx, conn); err != nil {
			c.log.WithError(err).Warn("stream subscribe failed, reconnecting")
			conn.Close()
			c.setConnected(false)
			continue
		}

		// Close the socket when the context ends so ReadMessage unblocks.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		c.readMessages(ctx, conn)
		close(done)
		conn.Close()
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("stream disconnected, reconnecting")
	}
}

// subscribeAll sends one subscribe request per topic in batches. The exchange
// throttles subscription bursts, so batches are paced by SubscribeDelay.
func (c *Client) subscribeAll(ctx context.Context, conn *websocket.Conn) error {
	for i := 0; i < len(c.opts.Topics); i += c.opts.SubscribeBatchSize {
		end := i + c.opts.SubscribeBatchSize
		if end > len(c.opts.Topics) {
			end = len(c.opts.Topics)
		}
		for _, topic := range c.opts.Topics[i:end] {
			request := map[string]string{
				"id":       uuid.NewString(),
				"reqType":  "sub",
				"dataType": topic,
			}
			if err := conn.WriteJSON(request); err != nil {
				return fmt.Errorf("subscribe %s: %w", topic, err)
			}
		}
		if c.opts.SubscribeDelay > 0 && end < len(c.opts.Topics) {
			select {
			case <-time.After(c.opts.SubscribeDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (c *Client) readMessages(ctx context.Context, conn *websocket.Conn) {
	lastEventAt := make(map[string]time.Time)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Warn("stream read error")
			}
			return
		}
		logger.IncrementStreamFrame(len(raw))

		message := decodeFrame(raw)
		if text := string(message); text == "Ping" || text == "ping" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("Pong")); err != nil {
				c.log.WithError(err).Warn("stream pong failed")
				return
			}
			continue
		}
		c.noteMessage()

		for _, event := range ParseMessage(message) {
			c.checkSequence(lastEventAt, event)
			select {
			case c.events <- event:
				logger.RecordChannelMessage("stream_events", len(message))
			default:
				c.log.WithFields(logger.Fields{
					"kind": string(event.Kind),
					"pair": string(event.Pair),
				}).Warn("stream buffer full, dropping event")
			}
		}
	}
}

// checkSequence tracks per-stream event times and raises rate-limited alerts
// for regressions and gaps. The high-water mark never moves backwards, so a
// late event alerts once instead of resetting the stream clock.
func (c *Client) checkSequence(lastEventAt map[string]time.Time, event Event) {
	eventTime := event.Time()
	if eventTime.IsZero() {
		return
	}
	key := event.sequenceKey()
	previous := lastEventAt[key]
	if anomaly := DetectSequenceAnomaly(previous, eventTime, event.expectedInterval(), c.opts.SequenceTolerance); anomaly != nil {
		c.raiseAnomaly(event, *anomaly)
	}
	if eventTime.After(previous) {
		lastEventAt[key] = eventTime
	}
}

func (c *Client) raiseAnomaly(event Event, anomaly Anomaly) {
	key := event.sequenceKey() + ":" + string(anomaly.Kind)
	now := time.Now()

	c.mu.Lock()
	if last, ok := c.lastAlert[key]; ok && now.Sub(last) < c.opts.AlertCooldown {
		c.mu.Unlock()
		return
	}
	c.lastAlert[key] = now
	c.mu.Unlock()

	c.log.WithFields(logger.Fields{
		"key":            key,
		"pair":           string(event.Pair),
		"kind":           string(event.Kind),
		"anomaly":        string(anomaly.Kind),
		"delta_ms":       anomaly.Delta.Milliseconds(),
		"expected_ms":    anomaly.ExpectedInterval.Milliseconds(),
		"missing_events": anomaly.MissingEvents,
	}).Warn("stream sequence anomaly")
	if c.opts.OnAnomaly != nil {
		c.opts.OnAnomaly(event, anomaly)
	}
}

func (c *Client) flushLoop(ctx context.Context) {
	defer c.wg.Done()
	pending := newPendingBuffers()
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	var backoff time.Duration
	var nextFlushAt time.Time

	for {
		select {
		case event := <-c.events:
			pending.add(event)
		case <-ticker.C:
			if pending.size() == 0 || time.Now().Before(nextFlushAt) {
				continue
			}
			drained := pending.drain()
			if err := c.flush(ctx, drained); err != nil {
				if backoff == 0 {
					backoff = c.opts.FlushBackoffBase
				} else {
					backoff *= 2
					if backoff > c.opts.FlushBackoffMax {
						backoff = c.opts.FlushBackoffMax
					}
				}
				nextFlushAt = time.Now().Add(backoff)
				pending.restore(drained)
				c.log.WithError(err).WithFields(logger.Fields{"backoff": backoff.String()}).Warn("stream flush failed, requeued")
				continue
			}
			backoff = 0
			nextFlushAt = time.Time{}
		case <-ctx.Done():
			// Drain whatever already arrived, then final flush.
			for {
				select {
				case event := <-c.events:
					pending.add(event)
					continue
				default:
				}
				break
			}
			if pending.size() > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := c.flush(flushCtx, pending.drain()); err != nil {
					c.log.WithError(err).Warn("final stream flush failed")
				}
				cancel()
			}
			return
		}
	}
}

func (c *Client) flush(ctx context.Context, b batch) error {
	if len(b.trades) > 0 {
		if err := c.opts.Store.UpsertTrades(ctx, b.trades); err != nil {
			return fmt.Errorf("flush trades: %w", err)
		}
	}
	if len(b.candles) > 0 {
		if err := c.opts.Store.UpsertCandles(ctx, b.candles); err != nil {
			return fmt.Errorf("flush candles: %w", err)
		}
	}
	for _, book := range b.orderbooks {
		if err := c.opts.Store.InsertOrderBookSnapshot(ctx, book); err != nil {
			return fmt.Errorf("flush orderbook snapshot: %w", err)
		}
		if c.opts.OrderBookSink != nil {
			c.opts.OrderBookSink(book)
		}
	}
	if len(b.tickers) > 0 {
		if err := c.opts.Store.UpsertTickers(ctx, b.tickers); err != nil {
			return fmt.Errorf("flush tickers: %w", err)
		}
	}
	if len(b.markPrices) > 0 {
		samples := make([]market.MarkIndexSample, 0, len(b.markPrices))
		for _, mark := range b.markPrices {
			indexPrice, ok := c.indexPrice(ctx, mark.Pair)
			if !ok {
				continue
			}
			samples = append(samples, market.MarkIndexSample{
				Pair:       mark.Pair,
				MarkPrice:  mark.MarkPrice,
				IndexPrice: indexPrice,
				CapturedAt: mark.CapturedAt,
				Source:     "ws",
			})
		}
		if len(samples) > 0 {
			if err := c.opts.Store.UpsertMarkIndex(ctx, samples); err != nil {
				return fmt.Errorf("flush mark/index prices: %w", err)
			}
		}
	}

	now := time.Now().UTC()
	for _, seen := range b.lastSeen {
		at := seen.at
		if err := c.opts.Freshness.Record(ctx, seen.pair, seen.feed, &at, now); err != nil {
			return fmt.Errorf("record source status: %w", err)
		}
	}
	logger.IncrementFlushWrite(int64(b.size()))
	return nil
}

// indexPrice resolves the latest index price for joining mark price pushes.
// The stream carries mark prices only; the index leg comes from the most
// recent REST snapshot, cached up to IndexMaxAge.
func (c *Client) indexPrice(ctx context.Context, pair market.Pair) (float64, bool) {
	c.mu.RLock()
	cached, ok := c.indexCache[pair]
	c.mu.RUnlock()
	if ok && time.Since(cached.updatedAt) <= c.opts.IndexMaxAge {
		return cached.indexPrice, true
	}

	latest, err := c.opts.Store.LatestMarkIndex(ctx, pair)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"pair": string(pair)}).Warn("index price lookup failed")
		if ok {
			return cached.indexPrice, true
		}
		return 0, false
	}
	if latest == nil {
		return 0, false
	}
	c.mu.Lock()
	c.indexCache[pair] = indexCacheEntry{indexPrice: latest.IndexPrice, updatedAt: time.Now()}
	c.mu.Unlock()
	return latest.IndexPrice, true
}
