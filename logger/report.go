package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream  int64
	errorsIngest  int64
	warnsStream   int64
	warnsIngest   int64
	restPages     int64
	wsFrames      int64
	flushWrites   int64
	archiveWrites int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "ingest") {
		atomic.AddInt64(&warnsIngest, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "ingest") {
		atomic.AddInt64(&errorsIngest, 1)
	}
}

func IncrementRestPage(size int) {
	atomic.AddInt64(&restPages, 1)
	recordChannel("rest_pages", size)
}

func IncrementStreamFrame(size int) {
	atomic.AddInt64(&wsFrames, 1)
	recordChannel("stream_frames", size)
}

func IncrementFlushWrite(size int64) {
	atomic.AddInt64(&flushWrites, 1)
	recordChannel("store_flush", int(size))
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of pipeline counters and channel
// statistics. It exposes the internal startReport function for use by other
// packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	heapMB := float64(memStats.HeapAlloc) / 1024 / 1024

	fields := Fields{
		"errors_stream":  atomic.LoadInt64(&errorsStream),
		"errors_ingest":  atomic.LoadInt64(&errorsIngest),
		"warns_stream":   atomic.LoadInt64(&warnsStream),
		"warns_ingest":   atomic.LoadInt64(&warnsIngest),
		"rest_pages":     atomic.LoadInt64(&restPages),
		"ws_frames":      atomic.LoadInt64(&wsFrames),
		"flush_writes":   atomic.LoadInt64(&flushWrites),
		"archive_writes": atomic.LoadInt64(&archiveWrites),
		"goroutines":     runtime.NumGoroutine(),
		"heap_mb":        heapMB,
		"channels":       channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("GoroutineCount"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(heapMB)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsIngest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_ingest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsIngest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_ingest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RestPages"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rest_pages"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamFrames"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ws_frames"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FlushWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["flush_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
