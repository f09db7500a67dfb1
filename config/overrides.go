package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceOverride adjusts scheduling for a single data source. Overrides are
// keyed by source type plus optional instrument and interval, matching how
// source status rows are identified.
type SourceOverride struct {
	SourceType         string   `yaml:"source_type"`
	Instrument         string   `yaml:"instrument"`
	Interval           string   `yaml:"interval"`
	Paused             bool     `yaml:"paused"`
	IngestInterval     Duration `yaml:"ingest_interval"`
	FreshnessThreshold Duration `yaml:"freshness_threshold"`
}

// SourceOverrides represents the full override file.
type SourceOverrides struct {
	Overrides []SourceOverride `yaml:"overrides"`
}

// LoadSourceOverrides loads per-source scheduling overrides from the given
// path. A missing file is not an error; it simply yields no overrides.
func LoadSourceOverrides(path string) (*SourceOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SourceOverrides{}, nil
		}
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}
	var cfg SourceOverrides
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse overrides file: %w", err)
	}
	for _, o := range cfg.Overrides {
		if o.SourceType == "" {
			return nil, fmt.Errorf("override entry missing source_type")
		}
	}
	return &cfg, nil
}
