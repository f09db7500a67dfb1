package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "8h" decode
// directly into config fields. Plain integers are treated as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type Config struct {
	Goldflow     GoldflowConfig     `yaml:"goldflow"`
	Logging      LoggingConfig      `yaml:"logging"`
	Exchange     ExchangeConfig     `yaml:"exchange"`
	Storage      StorageConfig      `yaml:"storage"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Control      ControlConfig      `yaml:"control"`
	Freshness    FreshnessConfig    `yaml:"freshness"`
	Stream       StreamConfig       `yaml:"stream"`
	Gaps         GapsConfig         `yaml:"gaps"`
	FullBackfill FullBackfillConfig `yaml:"full_backfill"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
}

type GoldflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string                 `yaml:"level"`
	Format         string                 `yaml:"format"`
	Output         string                 `yaml:"output"`
	MaxAge         int                    `yaml:"max_age"`
	Fields         map[string]interface{} `yaml:"fields"`
	DashboardName  string                 `yaml:"dashboard_name"`
	ReportInterval Duration               `yaml:"report_interval"`
}

type ExchangeConfig struct {
	RestBaseURL       string        `yaml:"rest_base_url"`
	WebsocketURL      string        `yaml:"websocket_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           Duration      `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    Duration      `yaml:"retry_base_delay"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	KeyPrefix       string `yaml:"key_prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type IngestConfig struct {
	Pairs           []string      `yaml:"pairs"`
	Intervals       []string      `yaml:"intervals"`
	CandleLimit     int           `yaml:"candle_limit"`
	TradeLimit      int           `yaml:"trade_limit"`
	FundingLimit    int           `yaml:"funding_limit"`
	OrderbookDepth  int           `yaml:"orderbook_depth"`
	MaxTradeBatches int           `yaml:"max_trade_batches"`
	BootstrapDays   int           `yaml:"bootstrap_days"`
	RunTimeout      Duration      `yaml:"run_timeout"`
}

type ControlConfig struct {
	DefaultInterval Duration      `yaml:"default_interval"`
	BackoffBase     Duration      `yaml:"backoff_base"`
	BackoffMax      Duration      `yaml:"backoff_max"`
	RunTimeout      Duration      `yaml:"run_timeout"`
}

type FreshnessConfig struct {
	Candles      Duration      `yaml:"candles"`
	Orderbook    Duration      `yaml:"orderbook"`
	Trades       Duration      `yaml:"trades"`
	Funding      Duration      `yaml:"funding"`
	OpenInterest Duration      `yaml:"open_interest"`
	MarkIndex    Duration      `yaml:"mark_index"`
	Ticker       Duration      `yaml:"ticker"`
}

type StreamConfig struct {
	Enabled            bool          `yaml:"enabled"`
	DepthLevels        int           `yaml:"depth_levels"`
	DepthSpeedMs       int           `yaml:"depth_speed_ms"`
	KlineIntervals     []string      `yaml:"kline_intervals"`
	BufferSize         int           `yaml:"buffer_size"`
	SubscribeBatchSize int           `yaml:"subscribe_batch_size"`
	SubscribeDelay     Duration      `yaml:"subscribe_delay"`
	FlushInterval      Duration      `yaml:"flush_interval"`
	FlushBackoffBase   Duration      `yaml:"flush_backoff_base"`
	FlushBackoffMax    Duration      `yaml:"flush_backoff_max"`
	ReconnectMin       Duration      `yaml:"reconnect_min"`
	ReconnectMax       Duration      `yaml:"reconnect_max"`
	SequenceTolerance  float64       `yaml:"sequence_tolerance"`
	AlertCooldown      Duration      `yaml:"alert_cooldown"`
	IndexMaxAge        Duration      `yaml:"index_max_age"`
}

type GapsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	LookbackDays     int           `yaml:"lookback_days"`
	MaxPointsPerScan int           `yaml:"max_points_per_scan"`
	Tolerance        float64       `yaml:"tolerance"`
	HealCooldown     Duration      `yaml:"heal_cooldown"`
	MaxHealAttempts  int           `yaml:"max_heal_attempts"`
	MaxGapsPerRun    int           `yaml:"max_gaps_per_run"`
	VerifyPadding    Duration      `yaml:"verify_padding"`
	ResolveAfter     Duration      `yaml:"resolve_after"`
}

type FullBackfillConfig struct {
	Enabled         bool `yaml:"enabled"`
	Forced          bool `yaml:"forced"`
	MaxOpenGaps     int  `yaml:"max_open_gaps"`
	MaxNonOkSources int  `yaml:"max_non_ok_sources"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval Duration      `yaml:"flush_interval"`
}

type SchedulerConfig struct {
	IngestInterval  Duration      `yaml:"ingest_interval"`
	GapScanInterval Duration      `yaml:"gap_scan_interval"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Exchange: ExchangeConfig{
			RestBaseURL:       "https://open-api.bingx.com",
			WebsocketURL:      "wss://open-api-swap.bingx.com/swap-market",
			RequestsPerSecond: 5,
			Burst:             10,
			Timeout:           Duration(30 * time.Second),
			MaxRetries:        3,
			RetryBaseDelay:    Duration(500 * time.Millisecond),
		},
		Control: ControlConfig{
			DefaultInterval: Duration(time.Minute),
			BackoffBase:     Duration(time.Minute),
			BackoffMax:      Duration(30 * time.Minute),
			RunTimeout:      Duration(15 * time.Minute),
		},
		Freshness: FreshnessConfig{
			Candles:      Duration(2 * time.Minute),
			Orderbook:    Duration(time.Minute),
			Trades:       Duration(2 * time.Minute),
			Funding:      Duration(8 * time.Hour),
			OpenInterest: Duration(2 * time.Minute),
			MarkIndex:    Duration(2 * time.Minute),
			Ticker:       Duration(2 * time.Minute),
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override storage credentials from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Goldflow.Name == "" {
		return fmt.Errorf("goldflow.name is required")
	}

	if cfg.Goldflow.Version == "" {
		return fmt.Errorf("goldflow.version is required")
	}

	if len(cfg.Ingest.Pairs) == 0 {
		return fmt.Errorf("ingest.pairs must not be empty")
	}
	if cfg.Ingest.CandleLimit <= 0 {
		return fmt.Errorf("ingest.candle_limit must be greater than 0")
	}
	if cfg.Ingest.TradeLimit <= 0 {
		return fmt.Errorf("ingest.trade_limit must be greater than 0")
	}
	if cfg.Ingest.MaxTradeBatches <= 0 {
		return fmt.Errorf("ingest.max_trade_batches must be greater than 0")
	}

	if cfg.Control.BackoffBase <= 0 {
		return fmt.Errorf("control.backoff_base must be greater than 0")
	}
	if cfg.Control.BackoffMax < cfg.Control.BackoffBase {
		return fmt.Errorf("control.backoff_max must not be less than control.backoff_base")
	}

	if cfg.Stream.Enabled {
		if cfg.Stream.BufferSize <= 0 {
			return fmt.Errorf("stream.buffer_size must be greater than 0")
		}
		if cfg.Stream.FlushInterval <= 0 {
			return fmt.Errorf("stream.flush_interval must be greater than 0")
		}
		if cfg.Stream.ReconnectMin <= 0 || cfg.Stream.ReconnectMax < cfg.Stream.ReconnectMin {
			return fmt.Errorf("stream.reconnect_min and stream.reconnect_max must describe a valid range")
		}
	}

	if cfg.Gaps.Enabled {
		if cfg.Gaps.LookbackDays <= 0 {
			return fmt.Errorf("gaps.lookback_days must be greater than 0")
		}
		if cfg.Gaps.Tolerance <= 1.0 {
			return fmt.Errorf("gaps.tolerance must be greater than 1.0")
		}
	}

	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when Postgres is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
