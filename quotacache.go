// Package quotacache keeps a bot backend inside its daily document store
// quota by caching reads and batching writes.
//
// Example usage:
//
//	client, err := quotacache.New(
//	    quotacache.WithStore(st),
//	    quotacache.WithQuotaLimits(50000, 20000),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Shutdown(ctx)
//
//	user, err := client.CachedGet(ctx, "users", chatID)
//	...
//	err = client.QueueWrite(ctx, "users", chatID, store.Document{"lang": "am"}, store.WriteUpdate)
package quotacache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache/internal/batcher"
	"github.com/birrpay/quotacache/internal/health"
	"github.com/birrpay/quotacache/internal/pool"
	"github.com/birrpay/quotacache/internal/quota"
	"github.com/birrpay/quotacache/internal/schedule"
	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/store/breakerstore"
	"github.com/birrpay/quotacache/internal/store/cachedstore"
	"github.com/birrpay/quotacache/internal/ttlcache"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrClosed indicates the client has been shut down.
	ErrClosed = errors.New("quotacache: client closed")

	// ErrNoStore indicates no store was provided.
	ErrNoStore = errors.New("quotacache: no store provided")

	// ErrAlreadyInitialized indicates Initialize was called twice.
	ErrAlreadyInitialized = errors.New("quotacache: already initialized")
)

// Client is the caching and batching layer in front of a document store.
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	store     store.Store
	reads     *cachedstore.Store
	cache     *ttlcache.Cache
	batcher   *batcher.Batcher
	pool      *pool.Pool
	quota     *quota.Tracker
	monitor   *health.Monitor
	scheduler *schedule.Scheduler

	sweepInterval   time.Duration
	healthInterval  time.Duration
	shutdownTimeout time.Duration

	stats  stats.Collector
	logger *zap.Logger
	clock  clock.Clock

	initialized atomic.Bool
	closed      atomic.Bool
}

// New creates a new Client with the given options.
// Background tasks do not run until Initialize is called.
func New(opts ...Option) (*Client, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	if cfg.store == nil {
		return nil, ErrNoStore
	}
	if err := cfg.quotaThresholds.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.logger
	st := cfg.store
	if cfg.breaker != nil {
		st = breakerstore.New(st, *cfg.breaker, logger.Named("breaker"))
	}

	cache, err := ttlcache.New(cfg.cacheCapacity, cfg.cacheTTL,
		ttlcache.WithClock(cfg.clock),
		ttlcache.WithCollector(cfg.stats),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	qlog := logger.Named("quota")
	tracker := quota.New(cfg.quotaLimits,
		quota.WithThresholds(cfg.quotaThresholds),
		quota.WithClock(cfg.clock),
		quota.WithCollector(cfg.stats),
		quota.WithModeChange(func(from, to quota.Mode) {
			qlog.Warn("quota mode changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}),
	)

	p := pool.New(cfg.poolSize,
		pool.WithClock(cfg.clock),
		pool.WithCollector(cfg.stats),
	)

	reads := cachedstore.New(st, cache,
		cachedstore.WithTTL(cfg.cacheTTL),
		cachedstore.WithPool(p),
		cachedstore.WithQuota(tracker),
		cachedstore.WithClock(cfg.clock),
		cachedstore.WithCollector(cfg.stats),
	)

	b := batcher.New(st, cfg.batch,
		batcher.WithClock(cfg.clock),
		batcher.WithLogger(logger.Named("batcher")),
		batcher.WithCollector(cfg.stats),
		batcher.WithQuota(tracker),
		batcher.WithPool(p),
		batcher.WithCommitHandler(func(key batcher.Key, items []store.WriteItem) {
			for _, it := range items {
				reads.Settle(key.Collection, it, nil)
			}
		}),
		batcher.WithFailureHandler(func(key batcher.Key, failed []batcher.FailedItem) {
			for _, f := range failed {
				reads.Settle(key.Collection, f.Item, f.Err)
			}
			if cfg.onFailure != nil {
				cfg.onFailure(key, failed)
			}
		}),
	)

	monitor := health.New(
		health.Sources{Cache: cache, Batcher: b, Pool: p, Quota: tracker},
		health.WithConfig(cfg.health),
		health.WithClock(cfg.clock),
		health.WithLogger(logger.Named("health")),
		health.WithCollector(cfg.stats),
	)

	c := &Client{
		store:   st,
		reads:   reads,
		cache:   cache,
		batcher: b,
		pool:    p,
		quota:   tracker,
		monitor: monitor,
		scheduler: schedule.New(
			schedule.WithClock(cfg.clock),
			schedule.WithLogger(logger.Named("schedule")),
		),
		sweepInterval:   cfg.sweepInterval,
		healthInterval:  cfg.healthInterval,
		shutdownTimeout: cfg.shutdownTimeout,
		stats:           cfg.stats,
		logger:          logger,
		clock:           cfg.clock,
	}

	c.logger.Debug("client created",
		zap.Int("cacheCapacity", cfg.cacheCapacity),
		zap.Duration("cacheTTL", cfg.cacheTTL),
		zap.Int("batchSize", b.Config().MaxBatchSize),
		zap.Int("poolSize", cfg.poolSize),
		zap.Int64("readLimit", cfg.quotaLimits.Reads),
		zap.Int64("writeLimit", cfg.quotaLimits.Writes),
	)

	return c, nil
}

// Initialize registers the recovery actions and starts the cache sweep and
// health check tasks. Reads and writes work without it, but expired entries
// are then only removed lazily and health is never checked.
func (c *Client) Initialize(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	c.registerRecoveries()

	if err := c.scheduler.Every("cache-sweep", c.sweepInterval, c.sweep); err != nil {
		return err
	}
	if err := c.scheduler.Every("health-check", c.healthInterval, c.monitor.RunCheck); err != nil {
		return err
	}
	if err := c.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	c.logger.Info("quotacache initialized",
		zap.Duration("sweepInterval", c.sweepInterval),
		zap.Duration("healthInterval", c.healthInterval),
	)
	return nil
}

func (c *Client) sweep(context.Context) error {
	if n := c.cache.Sweep(); n > 0 {
		c.logger.Debug("swept expired entries", zap.Int("count", n))
	}
	return nil
}

// registerRecoveries installs the actions run when health is poor, cheapest
// first.
func (c *Client) registerRecoveries() {
	c.monitor.RegisterRecovery("sweep-cache", c.sweep)
	c.monitor.RegisterRecovery("trim-cache", func(context.Context) error {
		// Drop the older half of what survived the sweep.
		n := c.cache.EvictOldest(c.cache.Len() / 2)
		c.logger.Info("trimmed cache", zap.Int("evicted", n))
		return nil
	})
	c.monitor.RegisterRecovery("flush-writes", func(ctx context.Context) error {
		_, err := c.batcher.FlushAll(ctx)
		return err
	})
	c.monitor.RegisterRecovery("reset-pool", func(context.Context) error {
		if s := c.pool.Stats(); s.Active < s.Size {
			return nil
		}
		n := c.pool.Reset()
		c.logger.Warn("reset exhausted connection pool", zap.Int("released", n))
		return nil
	})
	c.monitor.RegisterRecovery("free-memory", func(context.Context) error {
		debug.FreeOSMemory()
		return nil
	})
}

// RegisterRecovery adds a recovery action after the built-in ones.
func (c *Client) RegisterRecovery(name string, fn health.RecoveryFunc) {
	c.monitor.RegisterRecovery(name, fn)
}

// CachedGet returns a document, from the cache when possible.
// Returns store.ErrNotFound if the document does not exist.
func (c *Client) CachedGet(ctx context.Context, collection, id string) (store.Document, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if !c.quota.IsReadAllowed() {
		c.logger.Warn("read quota exhausted",
			zap.String("collection", collection),
			zap.String("id", id),
		)
	}

	doc, err := c.reads.GetDocument(ctx, collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// QueueWrite queues a write for the next batch of (collection, writeType)
// and applies it to the cache so later reads observe it. A write that
// fails after retry drops the cached copy, as does a document that had
// writes of different types queued, once they have all been flushed.
func (c *Client) QueueWrite(ctx context.Context, collection, id string, payload store.Document, writeType store.WriteType) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !c.quota.IsWriteAllowed() {
		c.logger.Warn("write quota exhausted, queueing anyway",
			zap.String("collection", collection),
			zap.String("id", id),
		)
	}

	if !writeType.Valid() {
		return fmt.Errorf("%w: %q", store.ErrUnknownWriteType, writeType)
	}

	// The cache is updated first so a flush can never settle the write
	// before it is tracked.
	item := store.WriteItem{DocID: id, Payload: payload.Clone(), Type: writeType}
	c.reads.Queue(collection, item)
	if err := c.batcher.Enqueue(collection, writeType, item); err != nil {
		c.reads.Settle(collection, item, err)
		if errors.Is(err, batcher.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Flush writes every pending batch now.
// A *batcher.PartialFailureError is returned if any write failed after retry.
func (c *Client) Flush(ctx context.Context) ([]*batcher.Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.batcher.FlushAll(ctx)
}

// HealthStatus returns the latest health snapshot. It never runs recovery
// actions.
func (c *Client) HealthStatus() health.Snapshot {
	return c.monitor.GetStatus()
}

// CheckHealth runs a health check now, including recovery actions if the
// score is below the recovery threshold.
func (c *Client) CheckHealth(ctx context.Context) health.Snapshot {
	return c.monitor.Check(ctx)
}

// HealthStats returns cumulative health monitor counters.
func (c *Client) HealthStats() health.Stats {
	return c.monitor.GetStats()
}

// QuotaStatus returns current quota usage and mode.
func (c *Client) QuotaStatus() quota.Status {
	return c.quota.Status()
}

// Store returns the underlying store, including the circuit breaker if one
// is configured.
func (c *Client) Store() store.Store {
	return c.store
}

// TaskStats returns per-task counters of the background scheduler.
func (c *Client) TaskStats() []schedule.TaskStats {
	return c.scheduler.Stats()
}

// Shutdown flushes pending writes, stops background tasks and closes the
// store. If ctx has no deadline the flush is bounded by the shutdown timeout.
// It is safe to call Shutdown multiple times.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && c.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.shutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := c.batcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing writes: %w", err))
	}
	c.scheduler.Stop()
	c.cache.Clear()
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	q := c.quota.Status()
	c.logger.Info("quotacache shut down",
		zap.Int64("reads", q.Reads.Used),
		zap.Int64("writes", q.Writes.Used),
		zap.Stringer("mode", q.Mode),
	)
	return errors.Join(errs...)
}

// Close shuts the client down with the default timeout.
func (c *Client) Close() error {
	return c.Shutdown(context.Background())
}
