package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	BackpressureBlock  = "block"
	BackpressureReject = "reject"
)

// Config is the root of the engine configuration tree.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	DB     `yaml:"db"`
}

type DB struct {
	Memtable    MemtableConfig    `yaml:"memtable"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Compaction  CompactionConfig  `yaml:"compaction"`
}

type MemtableConfig struct {
	// FlushThresholdBytes triggers a background flush once the active
	// memtable accounts more than this many key+value bytes.
	FlushThresholdBytes int64 `yaml:"flush_threshold"`
	// HardLimitBytes bounds the active memtable while a flush is in
	// progress. Zero disables backpressure.
	HardLimitBytes int64  `yaml:"hard_limit"`
	Backpressure   string `yaml:"backpressure"`
}

type PersistenceConfig struct {
	RootPath    string            `yaml:"path"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
	WAL         WALConfig         `yaml:"wal"`
}

// WALConfig controls the write-ahead log of the memtables. Without it,
// writes are durable only once flushed.
type WALConfig struct {
	Enabled bool `yaml:"enabled"`
	// Sync makes upserts wait until their log batch is fsynced. Without it
	// the log is written in the background and synced on rotation and close.
	Sync bool `yaml:"sync"`
}

type BloomFilterConfig struct {
	Enabled bool    `yaml:"enabled"`
	FPRate  float64 `yaml:"fp_rate"`
}

type CompactionConfig struct {
	// Threshold is the sorted table count that schedules a background
	// compaction. Zero leaves compaction to explicit calls.
	Threshold int `yaml:"threshold"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		DB: DB{
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
				HardLimitBytes:      0,
				Backpressure:        BackpressureBlock,
			},
			Persistence: PersistenceConfig{
				RootPath: "./data",
				BloomFilter: BloomFilterConfig{
					Enabled: true,
					FPRate:  0.01,
				},
				WAL: WALConfig{
					Enabled: true,
					Sync:    false,
				},
			},
			Compaction: CompactionConfig{
				Threshold: 4,
			},
		},
	}
}

// Load reads a YAML config on top of Default. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid logger level %q", c.Logger.Level)
	}
	return c.DB.Validate()
}

func (db *DB) Validate() error {
	if db.Memtable.FlushThresholdBytes <= 0 {
		return fmt.Errorf("memtable.flush_threshold must be positive, got %d", db.Memtable.FlushThresholdBytes)
	}
	if db.Memtable.HardLimitBytes < 0 {
		return fmt.Errorf("memtable.hard_limit must not be negative, got %d", db.Memtable.HardLimitBytes)
	}
	if db.Memtable.HardLimitBytes > 0 && db.Memtable.HardLimitBytes < db.Memtable.FlushThresholdBytes {
		return fmt.Errorf("memtable.hard_limit (%d) is below flush_threshold (%d)",
			db.Memtable.HardLimitBytes, db.Memtable.FlushThresholdBytes)
	}
	switch db.Memtable.Backpressure {
	case BackpressureBlock, BackpressureReject:
	default:
		return fmt.Errorf("invalid memtable.backpressure %q", db.Memtable.Backpressure)
	}
	if db.Persistence.RootPath == "" {
		return fmt.Errorf("persistence.path is required")
	}
	if fp := db.Persistence.BloomFilter.FPRate; db.Persistence.BloomFilter.Enabled && (fp <= 0 || fp >= 1) {
		return fmt.Errorf("persistence.bloom_filter.fp_rate must be in (0, 1), got %v", fp)
	}
	if db.Compaction.Threshold < 0 {
		return fmt.Errorf("compaction.threshold must not be negative, got %d", db.Compaction.Threshold)
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (l LoggerConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
