package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `goldflow:
  name: "TestApp"
  version: "1.0"
ingest:
  pairs: ["GOLD-USDT"]
  intervals: ["1m"]
  candle_limit: 500
  trade_limit: 1000
  funding_limit: 1000
  max_trade_batches: 3
control:
  backoff_base: 1m
  backoff_max: 30m
storage:
  s3:
    enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Goldflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Goldflow.Name)
	}
	if cfg.Ingest.CandleLimit != 500 {
		t.Errorf("unexpected candle limit: %d", cfg.Ingest.CandleLimit)
	}
	// Defaults survive when the file does not override them.
	if cfg.Exchange.MaxRetries != 3 {
		t.Errorf("unexpected max retries: %d", cfg.Exchange.MaxRetries)
	}
	if cfg.Freshness.Funding.Std() != 8*time.Hour {
		t.Errorf("unexpected funding freshness: %s", cfg.Freshness.Funding)
	}
}

func TestLoadConfigBackoffRange(t *testing.T) {
	content := `goldflow:
  name: "TestApp"
  version: "1.0"
ingest:
  pairs: ["GOLD-USDT"]
  candle_limit: 500
  trade_limit: 1000
  max_trade_batches: 3
control:
  backoff_base: 10m
  backoff_max: 1m
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected error for inverted backoff range")
	}
}

func TestLoadSourceOverrides(t *testing.T) {
	content := `overrides:
- source_type: "trades"
  instrument: "GOLD-USDT"
  paused: true
- source_type: "candles"
  interval: "1m"
  ingest_interval: 2m
  freshness_threshold: 5m
`
	f, err := os.CreateTemp("", "overrides-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	overrides, err := LoadSourceOverrides(f.Name())
	if err != nil {
		t.Fatalf("LoadSourceOverrides failed: %v", err)
	}
	if len(overrides.Overrides) != 2 {
		t.Fatalf("expected 2 overrides, got %d", len(overrides.Overrides))
	}
	if !overrides.Overrides[0].Paused {
		t.Errorf("expected first override to be paused")
	}
	if overrides.Overrides[1].IngestInterval.Std() != 2*time.Minute {
		t.Errorf("unexpected ingest interval: %s", overrides.Overrides[1].IngestInterval)
	}
}

func TestLoadSourceOverridesMissingFile(t *testing.T) {
	overrides, err := LoadSourceOverrides("/nonexistent/overrides.yml")
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(overrides.Overrides) != 0 {
		t.Fatalf("expected no overrides, got %d", len(overrides.Overrides))
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
