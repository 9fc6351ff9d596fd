package quotacache

import (
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache/internal/batcher"
	"github.com/birrpay/quotacache/internal/codec/zstdcodec"
	"github.com/birrpay/quotacache/internal/config"
	"github.com/birrpay/quotacache/internal/health"
	"github.com/birrpay/quotacache/internal/quota"
	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/store/breakerstore"
	"github.com/birrpay/quotacache/internal/store/diskstore"
)

// Option configures a Client.
type Option interface {
	apply(*options)
}

// options holds the client configuration.
type options struct {
	store           store.Store
	breaker         *breakerstore.Config
	cacheCapacity   int
	cacheTTL        time.Duration
	sweepInterval   time.Duration
	batch           batcher.Config
	poolSize        int
	quotaLimits     quota.Limits
	quotaThresholds quota.Thresholds
	healthInterval  time.Duration
	health          health.Config
	shutdownTimeout time.Duration
	onFailure       func(batcher.Key, []batcher.FailedItem)
	stats           stats.Collector
	logger          *zap.Logger
	clock           clock.Clock
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	return options{
		cacheCapacity:   10000,
		cacheTTL:        5 * time.Minute,
		sweepInterval:   time.Minute,
		batch:           batcher.DefaultConfig(),
		poolSize:        10,
		quotaLimits:     quota.DefaultLimits(),
		quotaThresholds: quota.DefaultThresholds(),
		healthInterval:  30 * time.Second,
		health:          health.DefaultConfig(),
		shutdownTimeout: 10 * time.Second,
		stats:           stats.NewNoop(),
		logger:          zap.NewNop(),
		clock:           clock.New(),
	}
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithStore sets the document store to read from and write to.
func WithStore(s store.Store) Option {
	return optionFunc(func(o *options) {
		o.store = s
	})
}

// WithCircuitBreaker guards the store with a circuit breaker.
func WithCircuitBreaker(cfg breakerstore.Config) Option {
	return optionFunc(func(o *options) {
		o.breaker = &cfg
	})
}

// WithCacheCapacity sets the maximum number of cached documents.
// Default is 10000.
func WithCacheCapacity(n int) Option {
	return optionFunc(func(o *options) {
		o.cacheCapacity = n
	})
}

// WithCacheTTL sets the base TTL of cached documents. Default is 5 minutes.
// The TTL is doubled in CONSERVATIVE quota mode and quadrupled in EMERGENCY.
func WithCacheTTL(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.cacheTTL = d
	})
}

// WithSweepInterval sets how often expired cache entries are swept.
// Default is 1 minute.
func WithSweepInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.sweepInterval = d
	})
}

// WithBatchSize sets the number of queued writes that triggers a flush.
// Default is 500.
func WithBatchSize(n int) Option {
	return optionFunc(func(o *options) {
		o.batch.MaxBatchSize = n
	})
}

// WithFlushInterval sets how long a batch may wait before it is flushed.
// Default is 1 second.
func WithFlushInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.batch.FlushInterval = d
	})
}

// WithPoolSize sets the number of concurrent store operations before
// callers fall back to unpooled access. Default is 10.
func WithPoolSize(n int) Option {
	return optionFunc(func(o *options) {
		o.poolSize = n
	})
}

// WithQuotaLimits sets the daily read and write budget.
// Default is 50000 reads and 20000 writes.
func WithQuotaLimits(reads, writes int64) Option {
	return optionFunc(func(o *options) {
		o.quotaLimits = quota.Limits{Reads: reads, Writes: writes}
	})
}

// WithQuotaThresholds sets the usage percentages that enter CONSERVATIVE
// and EMERGENCY mode, and the hysteresis band for leaving them.
func WithQuotaThresholds(conservative, emergency, hysteresis float64) Option {
	return optionFunc(func(o *options) {
		o.quotaThresholds = quota.Thresholds{
			Conservative: conservative,
			Emergency:    emergency,
			Hysteresis:   hysteresis,
		}
	})
}

// WithHealthInterval sets how often health is checked. Default is 30 seconds.
func WithHealthInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.healthInterval = d
	})
}

// WithHealthConfig overrides the health score weights and thresholds.
func WithHealthConfig(cfg health.Config) Option {
	return optionFunc(func(o *options) {
		o.health = cfg
	})
}

// WithShutdownTimeout bounds the final flush in Shutdown when the caller's
// context has no deadline. Default is 10 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.shutdownTimeout = d
	})
}

// WithFailureHandler is called with writes that could not be committed
// after retry, including writes flushed in the background.
func WithFailureHandler(fn func(batcher.Key, []batcher.FailedItem)) Option {
	return optionFunc(func(o *options) {
		o.onFailure = fn
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		o.stats = c
	})
}

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithClock sets the clock driving TTLs, batch timers and quota windows.
func WithClock(c clock.Clock) Option {
	return optionFunc(func(o *options) {
		o.clock = c
	})
}

// WithConfig applies a loaded configuration file. The store is not opened;
// pair it with WithStore.
func WithConfig(cfg *config.Config) Option {
	return optionFunc(func(o *options) {
		o.cacheCapacity = cfg.Cache.Capacity
		o.cacheTTL = cfg.Cache.TTL.Duration
		o.sweepInterval = cfg.Cache.SweepInterval.Duration
		o.batch.MaxBatchSize = cfg.Batch.MaxSize
		o.batch.FlushInterval = cfg.Batch.FlushInterval.Duration
		o.batch.FlushTimeout = cfg.Batch.FlushTimeout.Duration
		o.poolSize = cfg.Pool.Size
		o.quotaLimits = quota.Limits{Reads: cfg.Quota.Reads, Writes: cfg.Quota.Writes}
		o.quotaThresholds = quota.Thresholds{
			Conservative: cfg.Quota.Conservative,
			Emergency:    cfg.Quota.Emergency,
			Hysteresis:   cfg.Quota.Hysteresis,
		}
		o.healthInterval = cfg.Health.Interval.Duration
		o.health.DegradedBelow = cfg.Health.DegradedBelow
		o.health.RecoverBelow = cfg.Health.RecoverBelow
		o.health.MemoryLimit = cfg.Health.MemoryLimitMB << 20
		o.shutdownTimeout = cfg.ShutdownTimeout.Duration
		if cfg.Store.Breaker.Enabled {
			bc := breakerstore.DefaultConfig(cfg.Store.Type)
			if cfg.Store.Breaker.FailureThreshold > 0 {
				bc.FailureThreshold = cfg.Store.Breaker.FailureThreshold
			}
			if cfg.Store.Breaker.Timeout.Duration > 0 {
				bc.Timeout = cfg.Store.Breaker.Timeout.Duration
			}
			o.breaker = &bc
		}
	})
}

// WithDataDir stores documents as zstd-compressed files under dir.
// This is the simplest way to run with local persistence.
func WithDataDir(dir string) (Option, error) {
	st, err := diskstore.New(dir, zstdcodec.NewFastest())
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return optionFunc(func(o *options) {
		o.store = st
	}), nil
}
