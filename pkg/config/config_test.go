package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	// upserts must not wait for the log unless asked to
	if !cfg.Persistence.WAL.Enabled || cfg.Persistence.WAL.Sync {
		t.Fatalf("unexpected default wal config: %+v", cfg.Persistence.WAL)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lsmkv.yaml")
	data := []byte(`
logger:
  level: debug
  json: true
db:
  memtable:
    flush_threshold: 1024
    hard_limit: 4096
    backpressure: reject
  persistence:
    path: /var/lib/lsmkv
    bloom_filter:
      enabled: false
    wal:
      sync: true
  compaction:
    threshold: 0
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logger.SlogLevel() != slog.LevelDebug || !cfg.Logger.JSON {
		t.Fatalf("unexpected logger config: %+v", cfg.Logger)
	}
	if cfg.Memtable.FlushThresholdBytes != 1024 || cfg.Memtable.HardLimitBytes != 4096 {
		t.Fatalf("unexpected memtable config: %+v", cfg.Memtable)
	}
	if cfg.Memtable.Backpressure != BackpressureReject {
		t.Fatalf("expected reject policy, got %q", cfg.Memtable.Backpressure)
	}
	if cfg.Persistence.RootPath != "/var/lib/lsmkv" {
		t.Fatalf("unexpected path %q", cfg.Persistence.RootPath)
	}
	if cfg.Persistence.BloomFilter.Enabled {
		t.Fatal("bloom filter should be disabled")
	}
	// untouched keys keep their defaults
	if cfg.Persistence.BloomFilter.FPRate != 0.01 {
		t.Fatalf("expected default fp rate, got %v", cfg.Persistence.BloomFilter.FPRate)
	}
	if !cfg.Persistence.WAL.Enabled || !cfg.Persistence.WAL.Sync {
		t.Fatalf("unexpected wal config: %+v", cfg.Persistence.WAL)
	}
	if cfg.Compaction.Threshold != 0 {
		t.Fatalf("expected compaction threshold 0, got %d", cfg.Compaction.Threshold)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("db:\n  memtable:\n    flush_threshold: -1\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidate(t *testing.T) {
	t.Run("HardLimitBelowThreshold", func(t *testing.T) {
		cfg := Default()
		cfg.Memtable.HardLimitBytes = cfg.Memtable.FlushThresholdBytes - 1
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("UnknownBackpressure", func(t *testing.T) {
		cfg := Default()
		cfg.Memtable.Backpressure = "drop"
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("FPRateOutOfRange", func(t *testing.T) {
		cfg := Default()
		cfg.Persistence.BloomFilter.FPRate = 1
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("Default", func(t *testing.T) {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("default config must be valid: %v", err)
		}
	})
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "dump.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("dumped defaults do not load back: %+v", cfg)
	}
}
