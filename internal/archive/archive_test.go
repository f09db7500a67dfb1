package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "goldflow/config"
	"goldflow/internal/market"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	data [][]byte
}

func (f *fakePutter) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body := &bytes.Buffer{}
	if input.Body != nil {
		if _, err := body.ReadFrom(input.Body); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.keys = append(f.keys, *input.Key)
	f.data = append(f.data, body.Bytes())
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) uploads() ([]string, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...), append([][]byte(nil), f.data...)
}

func testSnapshot(capturedAt time.Time) market.OrderBookSnapshot {
	return market.OrderBookSnapshot{
		Pair:       "Gold-USDT",
		CapturedAt: capturedAt,
		DepthLevel: 2,
		Bids:       json.RawMessage(`[["2410.5","1.25"],["2410.0","3"]]`),
		Asks:       json.RawMessage(`[["2411.0","0.5"]]`),
		Source:     "ws",
	}
}

func TestFlattenSnapshot(t *testing.T) {
	capturedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	records := flattenSnapshot(testSnapshot(capturedAt))

	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	first := records[0]
	if first.Pair != "Gold-USDT" || first.Symbol != "GOLD-USDT" {
		t.Errorf("unexpected pair fields: %+v", first)
	}
	if first.Side != "bid" || first.Price != 2410.5 || first.Quantity != 1.25 || first.Level != 1 {
		t.Errorf("unexpected first bid: %+v", first)
	}
	if first.CapturedAt != capturedAt.UnixMilli() {
		t.Errorf("captured_at = %d, want %d", first.CapturedAt, capturedAt.UnixMilli())
	}

	ask := records[2]
	if ask.Side != "ask" || ask.Price != 2411.0 || ask.Level != 1 {
		t.Errorf("unexpected ask: %+v", ask)
	}
}

func TestFlattenSnapshotObjectLevels(t *testing.T) {
	snap := market.OrderBookSnapshot{
		Pair:       "XAUT-USDT",
		CapturedAt: time.Now(),
		DepthLevel: 1,
		Bids:       json.RawMessage(`[{"p":"2409.9","a":"0.4"}]`),
		Asks:       json.RawMessage(`[{"p":"2410.1","a":"0.7"}]`),
		Source:     "ws",
	}

	records := flattenSnapshot(snap)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Price != 2409.9 || records[1].Price != 2410.1 {
		t.Errorf("unexpected prices: %+v", records)
	}
}

func TestFlattenSnapshotDropsBadLevels(t *testing.T) {
	snap := market.OrderBookSnapshot{
		Pair:       "Gold-USDT",
		CapturedAt: time.Now(),
		DepthLevel: 3,
		Bids:       json.RawMessage(`[["2410.5","1.25"],["oops","1"],["2410.0","0"]]`),
		Asks:       json.RawMessage(`not json`),
	}

	records := flattenSnapshot(snap)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Price != 2410.5 {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestObjectKeyLayout(t *testing.T) {
	a := newArchiver(appconfig.ArchiveConfig{}, appconfig.S3Config{Bucket: "md-archive", KeyPrefix: "goldflow"}, &fakePutter{})

	ts := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	key := a.objectKey("Gold-USDT", ts)

	want := "goldflow/pair=GOLD-USDT/2025/06/01/bingx_GOLD-USDT_levels_20250601123045.parquet"
	if key != want {
		t.Errorf("objectKey = %q, want %q", key, want)
	}

	a = newArchiver(appconfig.ArchiveConfig{}, appconfig.S3Config{Bucket: "md-archive"}, &fakePutter{})
	if key := a.objectKey("Gold-USDT", ts); strings.HasPrefix(key, "/") {
		t.Errorf("key without prefix should be relative, got %q", key)
	}
}

func TestBuildParquetFile(t *testing.T) {
	records := flattenSnapshot(testSnapshot(time.Now()))

	data, err := buildParquetFile(records)
	if err != nil {
		t.Fatalf("buildParquetFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty parquet payload")
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Error("payload is missing parquet magic bytes")
	}
}

func TestArchiverFlushesOnStop(t *testing.T) {
	putter := &fakePutter{}
	a := newArchiver(
		appconfig.ArchiveConfig{BufferSize: 100, FlushInterval: appconfig.Duration(time.Hour)},
		appconfig.S3Config{Bucket: "md-archive"},
		putter,
	)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("second Start should fail while running")
	}

	a.Add(testSnapshot(time.Now()))
	a.Stop()

	keys, data := putter.uploads()
	if len(keys) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(keys))
	}
	if !strings.Contains(keys[0], "pair=GOLD-USDT") {
		t.Errorf("unexpected key %q", keys[0])
	}
	if len(data[0]) == 0 {
		t.Error("uploaded object is empty")
	}
}

func TestArchiverFlushesWhenBufferFull(t *testing.T) {
	putter := &fakePutter{}
	a := newArchiver(
		appconfig.ArchiveConfig{BufferSize: 3, FlushInterval: appconfig.Duration(time.Hour)},
		appconfig.S3Config{Bucket: "md-archive"},
		putter,
	)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	a.Add(testSnapshot(time.Now()))

	keys, _ := putter.uploads()
	if len(keys) != 1 {
		t.Fatalf("expected immediate flush at capacity, got %d uploads", len(keys))
	}
}
