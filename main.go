package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"goldflow/config"
	"goldflow/internal/archive"
	"goldflow/internal/audit"
	"goldflow/internal/control"
	"goldflow/internal/gaps"
	"goldflow/internal/ingest"
	"goldflow/internal/market"
	"goldflow/internal/scheduler"
	"goldflow/internal/store"
	"goldflow/internal/stream"
	"goldflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	overridesPath := flag.String("overrides", "config/source_overrides.yml", "Path to per-source scheduling overrides")
	backfill := flag.Bool("backfill", false, "Run a full historical backfill at startup")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Goldflow.Name,
		"version":     cfg.Goldflow.Version,
		"environment": env,
	}).Info("starting goldflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Logging.ReportInterval.Std()
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}
	if cfg.Logging.DashboardName != "" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Goldflow.Name, cfg.Logging.DashboardName)
	}

	var st store.Store
	if cfg.Storage.Postgres.Enabled {
		pg, err := store.NewPostgres(cfg.Storage.Postgres.DSN)
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
		st = pg
	} else {
		log.WithComponent("main").Info("postgres disabled; using in-memory store")
		st = store.NewMemory()
	}

	pairs := make([]market.Pair, 0, len(cfg.Ingest.Pairs))
	for _, p := range cfg.Ingest.Pairs {
		pairs = append(pairs, market.Pair(p))
	}

	if err := applySourceOverrides(ctx, st, *overridesPath, pairs); err != nil {
		log.WithError(err).Error("failed to apply source overrides")
		os.Exit(1)
	}

	var sink audit.Sink
	if config.IsProductionLike(env) {
		sink = audit.NewCloudWatchSink(cfg.Storage.S3.Region, cfg.Goldflow.Name)
	} else {
		sink = audit.NewLogSink()
	}

	freshness := control.NewFreshness(st, freshnessThresholds(cfg), pairs)
	admission := control.NewAdmission(
		st,
		cfg.Control.DefaultInterval.Std(),
		cfg.Control.BackoffBase.Std(),
		cfg.Control.BackoffMax.Std(),
		cfg.Control.RunTimeout.Std(),
	)

	client := ingest.NewClient(ingest.ClientOptions{
		BaseURL:           cfg.Exchange.RestBaseURL,
		Timeout:           cfg.Exchange.Timeout.Std(),
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Burst:             cfg.Exchange.Burst,
		MaxRetries:        cfg.Exchange.MaxRetries,
		RetryBaseDelay:    cfg.Exchange.RetryBaseDelay.Std(),
	})

	ingestor := ingest.NewIngestor(ingest.IngestorOptions{
		Store:                 st,
		Client:                client,
		Admission:             admission,
		Freshness:             freshness,
		Pairs:                 pairs,
		Intervals:             cfg.Ingest.Intervals,
		CandleLimit:           cfg.Ingest.CandleLimit,
		TradeLimit:            cfg.Ingest.TradeLimit,
		FundingLimit:          cfg.Ingest.FundingLimit,
		OrderbookDepth:        cfg.Ingest.OrderbookDepth,
		MaxTradeBatches:       cfg.Ingest.MaxTradeBatches,
		PauseRESTWhenStreamOK: cfg.Stream.Enabled,
	})

	var archiver *archive.Archiver
	if cfg.Archive.Enabled && cfg.Storage.S3.Enabled {
		archiver, err = archive.NewArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create order book archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("order book archiving disabled")
	}

	var streamClient *stream.Client
	if cfg.Stream.Enabled {
		streamOpts := stream.Options{
			URL: cfg.Exchange.WebsocketURL,
			Topics: stream.BuildTopics(stream.TopicOptions{
				Pairs:        pairs,
				Intervals:    cfg.Stream.KlineIntervals,
				DepthLevel:   cfg.Stream.DepthLevels,
				DepthSpeedMs: cfg.Stream.DepthSpeedMs,
			}),
			Store:              st,
			Freshness:          freshness,
			BufferSize:         cfg.Stream.BufferSize,
			SubscribeBatchSize: cfg.Stream.SubscribeBatchSize,
			SubscribeDelay:     cfg.Stream.SubscribeDelay.Std(),
			FlushInterval:      cfg.Stream.FlushInterval.Std(),
			FlushBackoffBase:   cfg.Stream.FlushBackoffBase.Std(),
			FlushBackoffMax:    cfg.Stream.FlushBackoffMax.Std(),
			ReconnectMin:       cfg.Stream.ReconnectMin.Std(),
			ReconnectMax:       cfg.Stream.ReconnectMax.Std(),
			SequenceTolerance:  cfg.Stream.SequenceTolerance,
			AlertCooldown:      cfg.Stream.AlertCooldown.Std(),
			IndexMaxAge:        cfg.Stream.IndexMaxAge.Std(),
			OnAnomaly: func(event stream.Event, anomaly stream.Anomaly) {
				sink.Record(ctx, audit.Event{
					Category: "stream_sequence",
					Severity: audit.SeverityMedium,
					Metric:   string(anomaly.Kind),
					Value:    float64(anomaly.MissingEvents),
					Metadata: map[string]string{
						"pair":     string(event.Pair),
						"feed":     string(event.Kind),
						"interval": event.Interval,
					},
				})
			},
		}
		if archiver != nil {
			streamOpts.OrderBookSink = archiver.Add
		}
		streamClient = stream.NewClient(streamOpts)
	} else {
		log.WithComponent("main").Info("streaming disabled; REST polling only")
	}

	monitor := gaps.NewMonitor(gaps.MonitorOptions{
		Store:     st,
		Freshness: freshness,
		Healer:    ingestor,

		Pairs:            pairs,
		Intervals:        cfg.Ingest.Intervals,
		LookbackDays:     cfg.Gaps.LookbackDays,
		MaxPointsPerScan: cfg.Gaps.MaxPointsPerScan,
		Tolerance:        cfg.Gaps.Tolerance,

		HealEnabled:     cfg.Gaps.Enabled,
		HealCooldown:    cfg.Gaps.HealCooldown.Std(),
		MaxHealAttempts: cfg.Gaps.MaxHealAttempts,
		MaxGapsPerRun:   cfg.Gaps.MaxGapsPerRun,
		VerifyPadding:   cfg.Gaps.VerifyPadding.Std(),
		ResolveAfter:    cfg.Gaps.ResolveAfter.Std(),

		FullBackfillEnabled: cfg.FullBackfill.Enabled,
		FullBackfillForced:  cfg.FullBackfill.Forced,
		MaxOpenGaps:         cfg.FullBackfill.MaxOpenGaps,
		MaxNonOkSources:     cfg.FullBackfill.MaxNonOkSources,

		Audit: func(action string, fields logger.Fields) {
			sink.Record(ctx, audit.Event{
				Category: "gap_monitor",
				Severity: auditSeverity(action),
				Metric:   action,
				Value:    1,
				Metadata: stringifyFields(fields),
			})
		},
	})

	runner := scheduler.NewRunner()
	runner.Register(&scheduler.Job{
		Name:     "ingest",
		Interval: cfg.Scheduler.IngestInterval.Std(),
		RunOnce:  true,
		Fn: func(ctx context.Context) error {
			_, err := ingestor.Run(ctx, ingest.Options{Trigger: market.TriggerSchedule})
			return err
		},
	})
	if cfg.Gaps.Enabled {
		runner.Register(&scheduler.Job{
			Name:     "gap_scan",
			Interval: cfg.Scheduler.GapScanInterval.Std(),
			Fn: func(ctx context.Context) error {
				_, err := monitor.Scan(ctx, time.Now().UTC())
				return err
			},
		})
	}

	var wg sync.WaitGroup

	if *backfill {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithComponent("main").Info("starting full historical backfill")
			if _, err := ingestor.Run(ctx, ingest.Options{Backfill: true, Trigger: market.TriggerManual}); err != nil {
				log.WithError(err).Warn("full backfill finished with errors")
				return
			}
			log.WithComponent("main").Info("full backfill completed")
		}()
	}

	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
	}
	if streamClient != nil {
		if err := streamClient.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start stream client")
			os.Exit(1)
		}
	}
	if err := runner.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping scheduler")
	runner.Stop()

	if streamClient != nil {
		log.Info("stopping stream client")
		streamClient.Stop()
	}
	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("goldflow stopped")
}

// freshnessThresholds builds the per-feed staleness limits from config,
// starting from the built-in defaults. The combined mark/index REST feed
// drives both price feeds.
func freshnessThresholds(cfg *config.Config) control.Thresholds {
	thresholds := control.DefaultThresholds()
	set := func(feed market.Feed, d config.Duration) {
		if d.Std() > 0 {
			thresholds[feed] = d.Std()
		}
	}
	set(market.FeedCandles, cfg.Freshness.Candles)
	set(market.FeedOrderbook, cfg.Freshness.Orderbook)
	set(market.FeedTrades, cfg.Freshness.Trades)
	set(market.FeedFunding, cfg.Freshness.Funding)
	set(market.FeedOpenInterest, cfg.Freshness.OpenInterest)
	set(market.FeedMarkPrice, cfg.Freshness.MarkIndex)
	set(market.FeedIndexPrice, cfg.Freshness.MarkIndex)
	set(market.FeedTicker, cfg.Freshness.Ticker)
	return thresholds
}

// ingestionConfigSeeder is implemented by stores that accept admission
// overrides directly. The Postgres store reads its ingestion_configs table
// instead, so interval overrides there are managed in the database.
type ingestionConfigSeeder interface {
	SetIngestionConfig(config market.IngestionConfig)
}

func applySourceOverrides(ctx context.Context, st store.Store, path string, pairs []market.Pair) error {
	overrides, err := config.LoadSourceOverrides(path)
	if err != nil {
		return err
	}
	if len(overrides.Overrides) == 0 {
		return nil
	}

	log := logger.GetLogger().WithComponent("main")
	seeder, canSeed := st.(ingestionConfigSeeder)

	for _, o := range overrides.Overrides {
		feed := market.Feed(o.SourceType)

		if o.FreshnessThreshold.Std() > 0 || o.Paused {
			targets := pairs
			if o.Instrument != "" {
				targets = []market.Pair{market.Pair(o.Instrument)}
			}
			for _, pair := range targets {
				if err := st.UpsertSourceConfig(ctx, market.SourceConfig{
					Pair:                      pair,
					SourceType:                feed,
					Enabled:                   !o.Paused,
					FreshnessThresholdSeconds: int(o.FreshnessThreshold.Std().Seconds()),
				}); err != nil {
					return fmt.Errorf("failed to apply override for %s/%s: %w", pair, feed, err)
				}
			}
		}

		if o.IngestInterval.Std() > 0 {
			if !canSeed {
				log.WithFields(logger.Fields{"source_type": o.SourceType}).
					Warn("ingest interval overrides are managed in the ingestion_configs table; skipping")
				continue
			}
			// Admission leases are keyed per feed with an empty source id.
			seeder.SetIngestionConfig(market.IngestionConfig{
				SourceType:             "bingx",
				SourceID:               "",
				Feed:                   feed,
				Enabled:                !o.Paused,
				RefreshIntervalSeconds: int(o.IngestInterval.Std().Seconds()),
			})
		}
	}

	log.WithFields(logger.Fields{"overrides": len(overrides.Overrides)}).Info("applied source overrides")
	return nil
}

func auditSeverity(action string) audit.Severity {
	switch action {
	case "full_backfill_triggered":
		return audit.SeverityHigh
	case "gap_detected", "gap_heal_unresolved":
		return audit.SeverityMedium
	default:
		return audit.SeverityLow
	}
}

func stringifyFields(fields logger.Fields) map[string]string {
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		out[key] = fmt.Sprint(value)
	}
	return out
}
