package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/birrpay/quotacache/internal/store/diskstore"
	"github.com/birrpay/quotacache/internal/store/memstore"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
store:
  type: disk
  dir: /var/lib/quotacache
  codec: gzip
cache:
  ttl: 2m
batch:
  max_size: 100
  flush_interval: 250ms
quota:
  reads: 1000
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Store.Type != StoreDisk || cfg.Store.Dir != "/var/lib/quotacache" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Cache.TTL.Duration != 2*time.Minute {
		t.Errorf("Cache.TTL = %v, want 2m", cfg.Cache.TTL)
	}
	if cfg.Batch.FlushInterval.Duration != 250*time.Millisecond {
		t.Errorf("Batch.FlushInterval = %v, want 250ms", cfg.Batch.FlushInterval)
	}
	if cfg.Quota.Reads != 1000 {
		t.Errorf("Quota.Reads = %d, want 1000", cfg.Quota.Reads)
	}
	// Unset fields keep their defaults.
	if cfg.Quota.Writes != 20000 || cfg.Cache.Capacity != 10000 {
		t.Errorf("defaults lost: writes=%d capacity=%d", cfg.Quota.Writes, cfg.Cache.Capacity)
	}
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("cache:\n  ttl: soon\n"))
	if err == nil {
		t.Fatal("Parse() error = nil, want duration error")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Parse() error = %v, want line number", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store.Type = "redis" }, `unknown store.type "redis"`},
		{"disk without dir", func(c *Config) { c.Store.Type = StoreDisk }, "store.dir"},
		{"s3 without bucket", func(c *Config) { c.Store.Type = StoreS3 }, "store.bucket"},
		{"dynamodb without table", func(c *Config) { c.Store.Type = StoreDynamoDB }, "store.table"},
		{"unknown codec", func(c *Config) { c.Store.Codec = "lz4" }, `unknown codec "lz4"`},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity"},
		{"zero batch", func(c *Config) { c.Batch.MaxSize = 0 }, "batch.max_size"},
		{"inverted thresholds", func(c *Config) { c.Quota.Conservative = 95 }, "quota thresholds"},
		{"inverted health", func(c *Config) { c.Health.RecoverBelow = 80 }, "health.recover_below"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotacache.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  size: 4\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("QUOTACACHE_QUOTA_WRITES", "500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Size != 4 {
		t.Errorf("Pool.Size = %d, want 4", cfg.Pool.Size)
	}
	if cfg.Quota.Writes != 500 {
		t.Errorf("Quota.Writes = %d, want 500 from environment", cfg.Quota.Writes)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() error = nil, want error for missing file")
	}
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(name string) (string, bool) {
		if name == "QUOTACACHE_QUOTA_READS" {
			return "many", true
		}
		return "", false
	})
	if err == nil {
		t.Error("applyEnv() error = nil, want parse error")
	}
}

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"", "zstd"},
		{"zstd", "zstd"},
		{"gzip", "gzip"},
		{"none", "none"},
	}
	for _, tt := range tests {
		c, err := CodecByName(tt.name)
		if err != nil {
			t.Fatalf("CodecByName(%q) error = %v", tt.name, err)
		}
		if c.Name() != tt.want {
			t.Errorf("CodecByName(%q).Name() = %q, want %q", tt.name, c.Name(), tt.want)
		}
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := OpenStore(ctx, StoreConfig{Type: StoreMemory})
	if err != nil {
		t.Fatalf("OpenStore(memory) error = %v", err)
	}
	if _, ok := s.(*memstore.Store); !ok {
		t.Errorf("OpenStore(memory) = %T, want *memstore.Store", s)
	}

	s, err = OpenStore(ctx, StoreConfig{Type: StoreDisk, Dir: t.TempDir(), Codec: "gzip"})
	if err != nil {
		t.Fatalf("OpenStore(disk) error = %v", err)
	}
	if _, ok := s.(*diskstore.Store); !ok {
		t.Errorf("OpenStore(disk) = %T, want *diskstore.Store", s)
	}
	s.Close()

	if _, err := OpenStore(ctx, StoreConfig{Type: "redis"}); err == nil {
		t.Error("OpenStore(redis) error = nil, want error")
	}
}
