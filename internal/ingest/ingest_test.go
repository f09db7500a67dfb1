package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"goldflow/internal/control"
	"goldflow/internal/market"
	"goldflow/internal/store"
)

type pathCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (c *pathCounter) record(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits == nil {
		c.hits = make(map[string]int)
	}
	c.hits[path]++
}

func (c *pathCounter) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func marketDataHandler(t *testing.T, counter *pathCounter, base time.Time) http.HandlerFunc {
	t.Helper()
	ms := func(ts time.Time) int64 { return ts.UnixMilli() }
	return func(w http.ResponseWriter, r *http.Request) {
		counter.record(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case pathKlines:
			fmt.Fprintf(w, `{"code":0,"data":[
				{"time":%d,"open":"2400","high":"2410","low":"2395","close":"2405","volume":"12"},
				{"time":%d,"open":"2405","high":"2415","low":"2400","close":"2410","volume":"9"}
			]}`, ms(base), ms(base.Add(time.Minute)))
		case pathDepth:
			fmt.Fprint(w, `{"code":0,"data":{"bids":[["2404","1.5"],["2403","2"]],"asks":[["2406","1"],["2407","3"],["2408","2"]]}}`)
		case pathTrades:
			fmt.Fprintf(w, `{"code":0,"data":[
				{"tradeId":"t1","price":"2405","qty":"0.5","side":"buy","time":%d},
				{"tradeId":"t2","price":"2406","qty":"1.1","side":"sell","time":%d}
			]}`, ms(base), ms(base.Add(30*time.Second)))
		case pathFundingRate:
			fmt.Fprintf(w, `{"code":0,"data":[{"fundingTime":%d,"fundingRate":"0.0001"}]}`, ms(base))
		case pathOpenInterest:
			fmt.Fprintf(w, `{"code":0,"data":{"openInterest":"5120","time":%d}}`, ms(base))
		case pathPremiumIndex:
			fmt.Fprintf(w, `{"code":0,"data":{"markPrice":"2405.5","indexPrice":"2405.1","time":%d}}`, ms(base))
		case pathTicker:
			fmt.Fprintf(w, `{"code":0,"data":{"lastPrice":"2406","volume":"88000","time":%d}}`, ms(base))
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestIngestor(t *testing.T, serverURL string, mem *store.Memory, pause bool) *Ingestor {
	t.Helper()
	client := NewClient(ClientOptions{
		BaseURL:           serverURL,
		RequestsPerSecond: 1000,
		Burst:             1000,
	})
	return NewIngestor(IngestorOptions{
		Store:                 mem,
		Client:                client,
		Admission:             control.NewAdmission(mem, time.Minute, time.Minute, 30*time.Minute, 15*time.Minute),
		Freshness:             control.NewFreshness(mem, nil, []market.Pair{"Gold-USDT"}),
		Pairs:                 []market.Pair{"Gold-USDT"},
		Intervals:             []string{"1m"},
		PauseRESTWhenStreamOK: pause,
	})
}

func sourceStatus(t *testing.T, mem *store.Memory, pair market.Pair, feed market.Feed) *market.DataSourceStatus {
	t.Helper()
	statuses, err := mem.ListSourceStatus(context.Background())
	if err != nil {
		t.Fatalf("ListSourceStatus: %v", err)
	}
	for i := range statuses {
		if statuses[i].Pair == pair && statuses[i].SourceType == feed {
			return &statuses[i]
		}
	}
	return nil
}

func TestRunIngestsAllFeeds(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Minute).Add(-time.Minute)
	counter := &pathCounter{}
	server := httptest.NewServer(marketDataHandler(t, counter, base))
	defer server.Close()

	mem := store.NewMemory()
	ing := newTestIngestor(t, server.URL, mem, false)

	summaries, err := ing.Run(context.Background(), Options{Trigger: market.TriggerManual})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Candles != 2 {
		t.Errorf("candles = %d, want 2", s.Candles)
	}
	if s.Trades != 2 {
		t.Errorf("trades = %d, want 2", s.Trades)
	}
	if s.Funding != 1 || s.OpenInterest != 1 || s.MarkIndex != 1 || s.Tickers != 1 {
		t.Errorf("unexpected singleton feed counts: %+v", s)
	}

	for _, feed := range market.IngestFeeds {
		run, err := mem.LatestIngestionRun(context.Background(), sourceTypeExchange, "", feed)
		if err != nil {
			t.Fatalf("LatestIngestionRun(%s): %v", feed, err)
		}
		if run == nil {
			t.Fatalf("no ingestion run recorded for %s", feed)
		}
		if run.Status != market.RunSucceeded {
			t.Errorf("run for %s status = %s, want succeeded", feed, run.Status)
		}
		if run.FinishedAt == nil {
			t.Errorf("run for %s not finalized", feed)
		}
	}

	// The combined mark/index fetch must report both price sources.
	for _, feed := range []market.Feed{market.FeedMarkPrice, market.FeedIndexPrice} {
		status := sourceStatus(t, mem, "Gold-USDT", feed)
		if status == nil {
			t.Fatalf("no source status for %s", feed)
		}
		if status.Status != market.SourceOK {
			t.Errorf("%s status = %s, want ok", feed, status.Status)
		}
	}

	latest, err := mem.LatestCandleTime(context.Background(), "Gold-USDT", "1m")
	if err != nil || latest == nil {
		t.Fatalf("LatestCandleTime: %v, %v", latest, err)
	}
	if !latest.Equal(base.Add(time.Minute)) {
		t.Errorf("latest candle open time = %v, want %v", latest, base.Add(time.Minute))
	}
}

func TestRunIsolatesFeedFailures(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Minute).Add(-time.Minute)
	counter := &pathCounter{}
	healthy := marketDataHandler(t, counter, base)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathTrades {
			counter.record(r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"code":500,"msg":"internal error"}`)
			return
		}
		healthy(w, r)
	}))
	defer server.Close()

	mem := store.NewMemory()
	ing := newTestIngestor(t, server.URL, mem, false)

	summaries, err := ing.Run(context.Background(), Options{Trigger: market.TriggerManual})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summaries[0].Trades != 0 {
		t.Errorf("trades = %d, want 0", summaries[0].Trades)
	}
	if summaries[0].Candles != 2 {
		t.Errorf("candles = %d, want 2 despite trades failing", summaries[0].Candles)
	}

	status := sourceStatus(t, mem, "Gold-USDT", market.FeedTrades)
	if status == nil || status.Status != market.SourceUnavailable {
		t.Fatalf("trades status = %+v, want unavailable", status)
	}
	candleStatus := sourceStatus(t, mem, "Gold-USDT", market.FeedCandles)
	if candleStatus == nil || candleStatus.Status != market.SourceOK {
		t.Fatalf("candles status = %+v, want ok", candleStatus)
	}
}

func TestRunSkipsDisabledFeed(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	counter := &pathCounter{}
	server := httptest.NewServer(marketDataHandler(t, counter, base))
	defer server.Close()

	mem := store.NewMemory()
	mem.SetIngestionConfig(market.IngestionConfig{
		SourceType: sourceTypeExchange,
		Feed:       market.FeedTicker,
		Enabled:    false,
	})
	ing := newTestIngestor(t, server.URL, mem, false)

	if _, err := ing.Run(context.Background(), Options{Trigger: market.TriggerSchedule}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counter.count(pathTicker) != 0 {
		t.Errorf("ticker endpoint hit %d times, want 0", counter.count(pathTicker))
	}
	run, err := mem.LatestIngestionRun(context.Background(), sourceTypeExchange, "", market.FeedTicker)
	if err != nil {
		t.Fatalf("LatestIngestionRun: %v", err)
	}
	if run != nil {
		t.Errorf("unexpected ingestion run for paused ticker feed: %+v", run)
	}
	if counter.count(pathKlines) == 0 {
		t.Error("candles should still ingest when ticker is paused")
	}
}

func TestRunSkipsRESTWhenStreamHealthy(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	counter := &pathCounter{}
	server := httptest.NewServer(marketDataHandler(t, counter, base))
	defer server.Close()

	mem := store.NewMemory()
	ing := newTestIngestor(t, server.URL, mem, true)

	now := time.Now().UTC()
	fresh := control.NewFreshness(mem, nil, []market.Pair{"Gold-USDT"})
	for _, feed := range []market.Feed{market.FeedCandles, market.FeedOrderbook, market.FeedTrades, market.FeedTicker} {
		seen := now.Add(-time.Second)
		if err := fresh.Record(context.Background(), "Gold-USDT", feed, &seen, now); err != nil {
			t.Fatalf("Record(%s): %v", feed, err)
		}
	}

	if _, err := ing.Run(context.Background(), Options{Trigger: market.TriggerSchedule, Now: now}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, path := range []string{pathKlines, pathDepth, pathTrades, pathTicker} {
		if counter.count(path) != 0 {
			t.Errorf("%s hit %d times while stream healthy, want 0", path, counter.count(path))
		}
	}
	// Feeds the stream never carries still poll.
	for _, path := range []string{pathFundingRate, pathOpenInterest, pathPremiumIndex} {
		if counter.count(path) == 0 {
			t.Errorf("%s not polled, stream health must not pause it", path)
		}
	}
}

func TestRunManualTriggerIgnoresStreamHealth(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	counter := &pathCounter{}
	server := httptest.NewServer(marketDataHandler(t, counter, base))
	defer server.Close()

	mem := store.NewMemory()
	ing := newTestIngestor(t, server.URL, mem, true)

	now := time.Now().UTC()
	fresh := control.NewFreshness(mem, nil, []market.Pair{"Gold-USDT"})
	seen := now.Add(-time.Second)
	if err := fresh.Record(context.Background(), "Gold-USDT", market.FeedCandles, &seen, now); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := ing.Run(context.Background(), Options{Trigger: market.TriggerManual, Now: now}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counter.count(pathKlines) == 0 {
		t.Error("manual trigger must bypass the stream-health skip")
	}
}

func TestBackfillWindowPaginates(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Minute)
	var starts []int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		starts = append(starts, from)
		w.Header().Set("Content-Type", "application/json")
		cursor := time.UnixMilli(from).UTC()
		if cursor.After(start.Add(time.Minute)) {
			fmt.Fprint(w, `{"code":0,"data":[]}`)
			return
		}
		fmt.Fprintf(w, `{"code":0,"data":[
			{"time":%d,"open":"1","high":"1","low":"1","close":"1","volume":"1"},
			{"time":%d,"open":"1","high":"1","low":"1","close":"1","volume":"1"}
		]}`, cursor.UnixMilli(), cursor.Add(time.Minute).UnixMilli())
	}))
	defer server.Close()

	mem := store.NewMemory()
	ing := newTestIngestor(t, server.URL, mem, false)

	inserted, err := ing.BackfillWindow(context.Background(), "Gold-USDT", "1m", start, end, 10)
	if err != nil {
		t.Fatalf("BackfillWindow: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}
	if len(starts) != 2 {
		t.Fatalf("request count = %d, want 2", len(starts))
	}
	if want := start.Add(2 * time.Minute).UnixMilli(); starts[1] != want {
		t.Errorf("second cursor = %d, want %d", starts[1], want)
	}
}

func TestIsSymbolMissing(t *testing.T) {
	err := &RequestError{Status: 400, Message: "symbol not exist"}
	if !IsSymbolMissing(err) {
		t.Error("expected symbol-missing detection")
	}
	if IsSymbolMissing(&RequestError{Status: 400, Message: "bad interval"}) {
		t.Error("unexpected symbol-missing detection")
	}
}
