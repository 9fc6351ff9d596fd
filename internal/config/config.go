// Package config loads the quotacache YAML configuration file.
//
// Loading starts from Default, overlays the file, then applies
// QUOTACACHE_* environment variables, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backend types.
const (
	StoreMemory   = "memory"
	StoreDisk     = "disk"
	StoreGCS      = "gcs"
	StoreS3       = "s3"
	StoreDynamoDB = "dynamodb"
)

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the top-level configuration.
type Config struct {
	Store           StoreConfig  `yaml:"store"`
	Cache           CacheConfig  `yaml:"cache"`
	Batch           BatchConfig  `yaml:"batch"`
	Pool            PoolConfig   `yaml:"pool"`
	Quota           QuotaConfig  `yaml:"quota"`
	Health          HealthConfig `yaml:"health"`
	Server          ServerConfig `yaml:"server"`
	ShutdownTimeout Duration     `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Type string `yaml:"type"`
	// Dir is the data directory of the disk backend.
	Dir string `yaml:"dir"`
	// Bucket of the gcs and s3 backends.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint, for S3-compatible services.
	Endpoint string `yaml:"endpoint"`
	// Table of the dynamodb backend.
	Table          string        `yaml:"table"`
	ConsistentRead bool          `yaml:"consistent_read"`
	Codec          string        `yaml:"codec"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig enables a circuit breaker in front of the store.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold float64  `yaml:"failure_threshold"`
	Timeout          Duration `yaml:"timeout"`
}

type CacheConfig struct {
	Capacity      int      `yaml:"capacity"`
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type BatchConfig struct {
	MaxSize       int      `yaml:"max_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	FlushTimeout  Duration `yaml:"flush_timeout"`
}

type PoolConfig struct {
	Size int `yaml:"size"`
}

// QuotaConfig holds the daily budget and mode thresholds in percent.
type QuotaConfig struct {
	Reads        int64   `yaml:"reads"`
	Writes       int64   `yaml:"writes"`
	Conservative float64 `yaml:"conservative"`
	Emergency    float64 `yaml:"emergency"`
	Hysteresis   float64 `yaml:"hysteresis"`
}

type HealthConfig struct {
	Interval      Duration `yaml:"interval"`
	DegradedBelow float64  `yaml:"degraded_below"`
	RecoverBelow  float64  `yaml:"recover_below"`
	MemoryLimitMB uint64   `yaml:"memory_limit_mb"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Type:  StoreMemory,
			Codec: "zstd",
			Breaker: BreakerConfig{
				FailureThreshold: 0.6,
				Timeout:          Duration{time.Minute},
			},
		},
		Cache: CacheConfig{
			Capacity:      10000,
			TTL:           Duration{5 * time.Minute},
			SweepInterval: Duration{time.Minute},
		},
		Batch: BatchConfig{
			MaxSize:       500,
			FlushInterval: Duration{time.Second},
			FlushTimeout:  Duration{30 * time.Second},
		},
		Pool: PoolConfig{Size: 10},
		Quota: QuotaConfig{
			Reads:        50000,
			Writes:       20000,
			Conservative: 70,
			Emergency:    90,
			Hysteresis:   5,
		},
		Health: HealthConfig{
			Interval:      Duration{30 * time.Second},
			DegradedBelow: 70,
			RecoverBelow:  50,
			MemoryLimitMB: 512,
		},
		Server:          ServerConfig{Addr: ":9090"},
		ShutdownTimeout: Duration{10 * time.Second},
	}
}

// Load reads path over the defaults. An empty path yields the defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"QUOTACACHE_STORE_TYPE":   &c.Store.Type,
		"QUOTACACHE_STORE_DIR":    &c.Store.Dir,
		"QUOTACACHE_STORE_BUCKET": &c.Store.Bucket,
		"QUOTACACHE_STORE_TABLE":  &c.Store.Table,
		"QUOTACACHE_STORE_REGION": &c.Store.Region,
		"QUOTACACHE_SERVER_ADDR":  &c.Server.Addr,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int64{
		"QUOTACACHE_QUOTA_READS":  &c.Quota.Reads,
		"QUOTACACHE_QUOTA_WRITES": &c.Quota.Writes,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	return nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Type {
	case StoreMemory:
	case StoreDisk:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the disk store"))
		}
	case StoreGCS, StoreS3:
		if c.Store.Bucket == "" {
			errs = append(errs, fmt.Errorf("store.bucket is required for the %s store", c.Store.Type))
		}
	case StoreDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.type %q", c.Store.Type))
	}
	if _, err := CodecByName(c.Store.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be positive"))
	}
	if c.Cache.TTL.Duration <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.SweepInterval.Duration <= 0 {
		errs = append(errs, errors.New("cache.sweep_interval must be positive"))
	}
	if c.Batch.MaxSize <= 0 {
		errs = append(errs, errors.New("batch.max_size must be positive"))
	}
	if c.Batch.FlushInterval.Duration <= 0 {
		errs = append(errs, errors.New("batch.flush_interval must be positive"))
	}
	if c.Pool.Size <= 0 {
		errs = append(errs, errors.New("pool.size must be positive"))
	}
	if c.Quota.Reads <= 0 || c.Quota.Writes <= 0 {
		errs = append(errs, errors.New("quota.reads and quota.writes must be positive"))
	}
	if c.Quota.Conservative <= 0 || c.Quota.Conservative >= c.Quota.Emergency || c.Quota.Emergency > 100 {
		errs = append(errs, errors.New("quota thresholds must satisfy 0 < conservative < emergency <= 100"))
	}
	if c.Quota.Hysteresis < 0 {
		errs = append(errs, errors.New("quota.hysteresis must not be negative"))
	}
	if c.Health.Interval.Duration <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if c.Health.RecoverBelow > c.Health.DegradedBelow {
		errs = append(errs, errors.New("health.recover_below must not exceed health.degraded_below"))
	}
	return errors.Join(errs...)
}
