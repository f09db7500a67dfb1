package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "goldflow/config"
	"goldflow/internal/market"
	"goldflow/logger"
)

const (
	defaultBufferSize    = 2000
	defaultFlushInterval = time.Minute
)

// LevelRecord is one order book level in the parquet archive layout.
type LevelRecord struct {
	Pair       string  `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	CapturedAt int64   `parquet:"name=captured_at, type=INT64"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Quantity   float64 `parquet:"name=quantity, type=DOUBLE"`
	Level      int32   `parquet:"name=level, type=INT32"`
	Depth      int32   `parquet:"name=depth, type=INT32"`
	Source     string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile implements the parquet source interface for in-memory writing.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (mf *memoryFile) Create(name string) (source.ParquetFile, error) { return mf, nil }
func (mf *memoryFile) Open(name string) (source.ParquetFile, error)  { return mf, nil }

func (mf *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(mf.buffer.Len()), nil
}

func (mf *memoryFile) Read(b []byte) (int, error)  { return mf.buffer.Read(b) }
func (mf *memoryFile) Write(b []byte) (int, error) { return mf.buffer.Write(b) }
func (mf *memoryFile) Close() error                { return nil }
func (mf *memoryFile) Bytes() []byte               { return mf.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver buffers order book levels per pair and periodically writes them
// to S3 as parquet files.
type Archiver struct {
	cfg         appconfig.ArchiveConfig
	s3cfg       appconfig.S3Config
	client      objectPutter
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	buffer      map[market.Pair][]LevelRecord
	flushTicker *time.Ticker
	log         *logger.Entry
}

// NewArchiver builds an Archiver backed by a real S3 client.
func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	a := newArchiver(cfg.Archive, cfg.Storage.S3, client)
	a.log.WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archiver initialized")
	return a, nil
}

func newArchiver(cfg appconfig.ArchiveConfig, s3cfg appconfig.S3Config, client objectPutter) *Archiver {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval.Std() <= 0 {
		cfg.FlushInterval = appconfig.Duration(defaultFlushInterval)
	}
	return &Archiver{
		cfg:    cfg,
		s3cfg:  s3cfg,
		client: client,
		buffer: make(map[market.Pair][]LevelRecord),
		log:    logger.GetLogger().WithComponent("archive"),
	}
}

// Start launches the flush worker. It fails when the archiver is already running.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.flushTicker = time.NewTicker(a.cfg.FlushInterval.Std())
	a.mu.Unlock()

	a.log.WithFields(logger.Fields{
		"buffer_size":    a.cfg.BufferSize,
		"flush_interval": a.cfg.FlushInterval.Std().String(),
	}).Info("starting archiver")

	a.wg.Add(1)
	go a.flushWorker()
	return nil
}

// Stop cancels the worker and flushes whatever is still buffered.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	a.flushTicker.Stop()
	a.log.Info("archiver stopped")
}

// Add flattens a snapshot into level records and buffers them. Safe to call
// from the stream flush path.
func (a *Archiver) Add(snap market.OrderBookSnapshot) {
	records := flattenSnapshot(snap)
	if len(records) == 0 {
		return
	}

	a.mu.Lock()
	a.buffer[snap.Pair] = append(a.buffer[snap.Pair], records...)
	full := len(a.buffer[snap.Pair]) >= a.cfg.BufferSize
	a.mu.Unlock()

	if full {
		a.flushBuffers("buffer_full")
	}
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[market.Pair][]LevelRecord)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Debug("flushing archive buffers")

	for pair, records := range buffers {
		if len(records) == 0 {
			continue
		}
		a.processBatch(pair, records)
	}
}

func (a *Archiver) processBatch(pair market.Pair, records []LevelRecord) {
	batchID := uuid.New().String()
	now := time.Now().UTC()

	log := a.log.WithFields(logger.Fields{
		"batch_id":     batchID,
		"pair":         pair,
		"record_count": len(records),
	})

	key := a.objectKey(pair, now)
	data, err := buildParquetFile(records)
	if err != nil {
		log.WithError(err).Error("failed to build parquet file")
		return
	}

	if err := a.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": a.s3cfg.Bucket,
			"key":    key,
		}).Error("failed to upload archive batch")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	log.WithFields(logger.Fields{
		"key":       key,
		"file_size": len(data),
	}).Info("archive batch uploaded")
}

func (a *Archiver) objectKey(pair market.Pair, ts time.Time) string {
	symbol := market.ExchangeSymbol(pair)
	parts := []string{}
	if a.s3cfg.KeyPrefix != "" {
		parts = append(parts, a.s3cfg.KeyPrefix)
	}
	parts = append(parts,
		fmt.Sprintf("pair=%s", symbol),
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("bingx_%s_levels_%s.parquet", symbol, ts.Format("20060102150405")),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func buildParquetFile(records []LevelRecord) ([]byte, error) {
	mf := newMemoryFile()

	pw, err := writer.NewParquetWriter(mf, new(LevelRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return mf.Bytes(), nil
}

func (a *Archiver) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.s3cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  "snappy",
		},
	}

	// Shutdown flushes must still complete after the run context is cancelled.
	ctx := context.WithoutCancel(a.ctx)
	_, err := a.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.s3cfg.Bucket, err)
	}
	return nil
}

// flattenSnapshot expands the raw bid/ask arrays into per-level records.
// Levels arrive either as ["price","qty"] pairs or as {"p","a"} objects from
// the book ticker channel; unparseable levels are dropped.
func flattenSnapshot(snap market.OrderBookSnapshot) []LevelRecord {
	symbol := market.ExchangeSymbol(snap.Pair)
	capturedAt := snap.CapturedAt.UnixMilli()

	records := make([]LevelRecord, 0, snap.DepthLevel*2)
	for _, side := range []struct {
		name string
		raw  json.RawMessage
	}{
		{"bid", snap.Bids},
		{"ask", snap.Asks},
	} {
		for i, level := range parseLevels(side.raw) {
			records = append(records, LevelRecord{
				Pair:       string(snap.Pair),
				Symbol:     symbol,
				CapturedAt: capturedAt,
				Side:       side.name,
				Price:      level.price,
				Quantity:   level.quantity,
				Level:      int32(i + 1),
				Depth:      int32(snap.DepthLevel),
				Source:     snap.Source,
			})
		}
	}
	return records
}

type bookLevel struct {
	price    float64
	quantity float64
}

func parseLevels(raw json.RawMessage) []bookLevel {
	if len(raw) == 0 {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	levels := make([]bookLevel, 0, len(entries))
	for _, entry := range entries {
		var pairForm []any
		if err := json.Unmarshal(entry, &pairForm); err == nil && len(pairForm) >= 2 {
			price, okP := levelNumber(pairForm[0])
			qty, okQ := levelNumber(pairForm[1])
			if okP && okQ && price != 0 && qty != 0 {
				levels = append(levels, bookLevel{price: price, quantity: qty})
			}
			continue
		}
		var objForm map[string]any
		if err := json.Unmarshal(entry, &objForm); err == nil {
			price, okP := levelNumber(objForm["p"])
			qty, okQ := levelNumber(objForm["a"])
			if okP && okQ && price != 0 && qty != 0 {
				levels = append(levels, bookLevel{price: price, quantity: qty})
			}
		}
	}
	return levels
}

func levelNumber(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case string:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
