// Package batcher groups queued document writes and commits them in bulk.
//
// Writes are accumulated per Key. A batch is flushed when it reaches
// MaxBatchSize or when FlushInterval has elapsed since its first item,
// whichever comes first. Flushing detaches the batch, so writes queued while
// a flush is in flight open a new batch under the same key.
//
// Batches of one key reach the store in the order they were detached, one
// at a time. Different keys flush concurrently.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/birrpay/quotacache/internal/pool"
	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/store"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("batcher: closed")

// Key identifies a batch.
type Key struct {
	Collection string
	Op         store.WriteType
}

func (k Key) String() string {
	return k.Collection + ":" + string(k.Op)
}

// Config holds batching thresholds.
type Config struct {
	// MaxBatchSize triggers an immediate flush when reached.
	MaxBatchSize int
	// FlushInterval is how long a batch may wait after its first item.
	FlushInterval time.Duration
	// FlushTimeout bounds flushes started by the timer or the size trigger.
	FlushTimeout time.Duration
	// MaxConcurrentFlushes bounds FlushAll and Close.
	MaxConcurrentFlushes int
}

// DefaultConfig returns a 500 item / 1s configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         500,
		FlushInterval:        time.Second,
		FlushTimeout:         30 * time.Second,
		MaxConcurrentFlushes: 4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = def.FlushTimeout
	}
	if c.MaxConcurrentFlushes <= 0 {
		c.MaxConcurrentFlushes = def.MaxConcurrentFlushes
	}
	return c
}

// WriteRecorder receives one write per backing-store call.
type WriteRecorder interface {
	RecordWrite(n int64)
}

// FailedItem is an item that could not be committed after its retry.
type FailedItem struct {
	Item store.WriteItem
	Err  error
}

// Result describes one flushed batch.
type Result struct {
	FlushID   string
	Key       Key
	Committed int
	Retried   int
	Failed    []FailedItem
}

// PartialFailureError is returned by Flush when some items failed after retry.
type PartialFailureError struct {
	Key    Key
	Failed []FailedItem
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = f.Item.DocID
	}
	return fmt.Sprintf("batcher: %d writes to %s failed: %s", len(e.Failed), e.Key, strings.Join(ids, ", "))
}

// Unwrap returns the per-item errors.
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f.Err
	}
	return errs
}

// Stats contains batcher statistics.
type Stats struct {
	PendingBatches int
	QueuedItems    int
	InFlight       int
	Flushes        int64
	Committed      int64
	Failed         int64
	Retried        int64
}

type batch struct {
	items    []store.WriteItem
	openedAt time.Time
	timer    *clock.Timer

	// prev is closed when the previous batch of the key has been written.
	// done is closed once this batch has.
	prev <-chan struct{}
	done chan struct{}
}

// Batcher queues writes and commits them to a store in batches.
type Batcher struct {
	store     store.Store
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	collector stats.Collector
	quota     WriteRecorder
	pool      *pool.Pool
	onFailure func(Key, []FailedItem)
	onCommit  func(Key, []store.WriteItem)

	// bgCtx parents flushes started by the timer or the size trigger.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu       sync.Mutex
	pending  map[Key]*batch
	tails    map[Key]chan struct{}
	closed   bool
	inflight int
	bg       sync.WaitGroup

	flushes   int64
	committed int64
	failed    int64
	retried   int64
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithClock sets the clock that drives flush timers.
func WithClock(c clock.Clock) Option {
	return func(b *Batcher) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Batcher) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCollector sets the metrics collector.
func WithCollector(c stats.Collector) Option {
	return func(b *Batcher) {
		if c != nil {
			b.collector = c
		}
	}
}

// WithQuota records one write per store call against r.
func WithQuota(r WriteRecorder) Option {
	return func(b *Batcher) { b.quota = r }
}

// WithPool takes a pool slot for the duration of each store call.
func WithPool(p *pool.Pool) Option {
	return func(b *Batcher) { b.pool = p }
}

// WithFailureHandler is called with the items of every flush that still
// failed after retry, including flushes started by the timer.
func WithFailureHandler(fn func(Key, []FailedItem)) Option {
	return func(b *Batcher) { b.onFailure = fn }
}

// WithCommitHandler is called with the items of every flush that reached
// the store, after their retry if they needed one.
func WithCommitHandler(fn func(Key, []store.WriteItem)) Option {
	return func(b *Batcher) { b.onCommit = fn }
}

// New creates a batcher that commits to s.
func New(s store.Store, cfg Config, opts ...Option) *Batcher {
	b := &Batcher{
		store:     s,
		cfg:       cfg.withDefaults(),
		clock:     clock.New(),
		logger:    zap.NewNop(),
		collector: stats.NewNoop(),
		pending:   make(map[Key]*batch),
		tails:     make(map[Key]chan struct{}),
	}
	b.bgCtx, b.bgCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Batcher) Config() Config {
	return b.cfg
}

// Enqueue appends item to the batch for (collection, op). The item's type
// is set to op. The first item of a batch starts its flush timer; the item
// that fills the batch starts a flush in the background and returns.
func (b *Batcher) Enqueue(collection string, op store.WriteType, item store.WriteItem) error {
	if !op.Valid() {
		return fmt.Errorf("%w: %q", store.ErrUnknownWriteType, op)
	}
	item.Type = op
	key := Key{Collection: collection, Op: op}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	bt, ok := b.pending[key]
	if !ok {
		bt = &batch{openedAt: b.clock.Now()}
		bt.timer = b.clock.AfterFunc(b.cfg.FlushInterval, func() { b.timerFired(key, bt) })
		b.pending[key] = bt
	}
	bt.items = append(bt.items, item)

	var full *batch
	if len(bt.items) >= b.cfg.MaxBatchSize {
		full = b.detachLocked(key)
		b.bg.Add(1)
	}
	depth := b.queuedLocked()
	b.mu.Unlock()

	b.collector.IncCounter(stats.MetricWritesQueued, 1)
	b.collector.SetGauge(stats.MetricQueueDepth, int64(depth))

	if full != nil {
		go func() {
			defer b.bg.Done()
			b.flushBackground(key, full, "size")
		}()
	}
	return nil
}

func (b *Batcher) timerFired(key Key, bt *batch) {
	b.mu.Lock()
	// The batch may already have been detached by the size trigger or Flush.
	if b.closed || b.pending[key] != bt {
		b.mu.Unlock()
		return
	}
	b.detachLocked(key)
	b.bg.Add(1)
	b.mu.Unlock()

	defer b.bg.Done()
	b.flushBackground(key, bt, "timer")
}

func (b *Batcher) flushBackground(key Key, bt *batch, trigger string) {
	ctx, cancel := context.WithTimeout(b.bgCtx, b.cfg.FlushTimeout)
	defer cancel()

	if _, err := b.write(ctx, key, bt); err != nil {
		b.logger.Warn("background flush failed",
			zap.Stringer("key", key),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
	}
}

// detachLocked removes the pending batch for key, cancels its timer and
// assigns it the next flush turn. b.mu must be held.
func (b *Batcher) detachLocked(key Key) *batch {
	bt, ok := b.pending[key]
	if !ok {
		return nil
	}
	delete(b.pending, key)
	bt.timer.Stop()

	if tail, ok := b.tails[key]; ok {
		bt.prev = tail
	}
	bt.done = make(chan struct{})
	b.tails[key] = bt.done
	return bt
}

func (b *Batcher) queuedLocked() int {
	n := 0
	for _, bt := range b.pending {
		n += len(bt.items)
	}
	return n
}

// Flush commits the pending batch for key and returns its result. If the
// key has no pending batch, Flush waits for any in-flight flush of the key
// to finish and returns a Result with nothing committed.
//
// Items that fail the bulk write are retried once individually. If any
// still fail, the returned error is a *PartialFailureError listing them.
// If ctx is done before an earlier flush of the key finishes, the batch is
// not written and every item is reported as failed with ctx's error.
func (b *Batcher) Flush(ctx context.Context, key Key) (*Result, error) {
	b.mu.Lock()
	bt := b.detachLocked(key)
	if bt == nil {
		tail := b.tails[key]
		b.mu.Unlock()
		if tail != nil {
			select {
			case <-tail:
			case <-ctx.Done():
				return &Result{Key: key}, ctx.Err()
			}
		}
		return &Result{Key: key}, nil
	}
	b.mu.Unlock()

	return b.write(ctx, key, bt)
}

// FlushAll flushes every pending batch concurrently and returns their results.
// The error joins every PartialFailureError.
func (b *Batcher) FlushAll(ctx context.Context) ([]*Result, error) {
	b.mu.Lock()
	keys := make([]Key, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	return b.flushKeys(ctx, keys)
}

func (b *Batcher) flushKeys(ctx context.Context, keys []Key) ([]*Result, error) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	results := make([]*Result, len(keys))
	errs := make([]error, len(keys))

	g := new(errgroup.Group)
	g.SetLimit(b.cfg.MaxConcurrentFlushes)
	for i, key := range keys {
		g.Go(func() error {
			results[i], errs[i] = b.Flush(ctx, key)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// Close stops accepting writes and flushes everything still pending.
// It returns once every flush has finished or ctx is done, whichever comes
// first. Flushes still running when Close returns have their contexts
// canceled.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	keys := make([]Key, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	defer b.bgCancel()

	done := make(chan error, 1)
	go func() {
		_, err := b.flushKeys(ctx, keys)
		b.bg.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("batcher: close: %w", ctx.Err())
	}
}

// Stats returns current batcher statistics.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		PendingBatches: len(b.pending),
		QueuedItems:    b.queuedLocked(),
		InFlight:       b.inflight,
		Flushes:        b.flushes,
		Committed:      b.committed,
		Failed:         b.failed,
		Retried:        b.retried,
	}
}

// write waits for bt's turn, commits it and retries failures.
func (b *Batcher) write(ctx context.Context, key Key, bt *batch) (*Result, error) {
	res := &Result{FlushID: uuid.NewString(), Key: key}
	if err := b.awaitTurn(ctx, key, bt); err != nil {
		for _, item := range bt.items {
			res.Failed = append(res.Failed, FailedItem{Item: item, Err: err})
		}
		b.mu.Lock()
		b.failed += int64(len(res.Failed))
		b.mu.Unlock()
		b.collector.IncCounter(stats.MetricWritesFailed, int64(len(res.Failed)))
		b.logger.Warn("batch abandoned before its turn",
			zap.String("flush_id", res.FlushID),
			zap.Stringer("key", key),
			zap.Int("items", len(bt.items)),
			zap.Error(err),
		)
		if b.onFailure != nil {
			b.onFailure(key, res.Failed)
		}
		return res, &PartialFailureError{Key: key, Failed: res.Failed}
	}
	defer b.finishTurn(key, bt)

	logger := b.logger.With(
		zap.String("flush_id", res.FlushID),
		zap.Stringer("key", key),
		zap.Int("items", len(bt.items)),
	)
	start := b.clock.Now()

	itemErrs := b.bulkWrite(ctx, key, bt.items)

	var failed []FailedItem
	committed := make([]store.WriteItem, 0, len(bt.items))
	for i, item := range bt.items {
		if itemErrs[i] == nil {
			res.Committed++
			committed = append(committed, item)
			continue
		}
		logger.Debug("retrying write", zap.String("doc_id", item.DocID), zap.Error(itemErrs[i]))
		res.Retried++
		if retryErrs := b.bulkWrite(ctx, key, []store.WriteItem{item}); retryErrs[0] != nil {
			failed = append(failed, FailedItem{Item: item, Err: retryErrs[0]})
			continue
		}
		res.Committed++
		committed = append(committed, item)
	}
	res.Failed = failed
	if b.onCommit != nil && len(committed) > 0 {
		b.onCommit(key, committed)
	}

	b.mu.Lock()
	b.flushes++
	b.committed += int64(res.Committed)
	b.retried += int64(res.Retried)
	b.failed += int64(len(failed))
	b.mu.Unlock()

	b.collector.IncCounter(stats.MetricBatchFlushes, 1)
	b.collector.ObserveHistogram(stats.MetricBatchSize, float64(len(bt.items)))
	b.collector.ObserveHistogram(stats.MetricBatchLatency, b.clock.Now().Sub(start).Seconds())
	b.collector.IncCounter(stats.MetricWritesRetried, int64(res.Retried))
	b.collector.IncCounter(stats.MetricWritesFailed, int64(len(failed)))

	if len(failed) == 0 {
		logger.Debug("batch flushed", zap.Int("retried", res.Retried))
		return res, nil
	}

	logger.Warn("batch flushed with failures",
		zap.Int("committed", res.Committed),
		zap.Int("failed", len(failed)),
	)
	if b.onFailure != nil {
		b.onFailure(key, failed)
	}
	return res, &PartialFailureError{Key: key, Failed: failed}
}

// bulkWrite makes one store call and returns an error per item.
func (b *Batcher) bulkWrite(ctx context.Context, key Key, items []store.WriteItem) []error {
	if b.pool != nil {
		slot := b.pool.Acquire()
		defer b.pool.Release(slot)
	}

	errs, err := b.store.BulkWrite(ctx, key.Collection, key.Op, items)
	if b.quota != nil {
		b.quota.RecordWrite(1)
	}

	out := make([]error, len(items))
	switch {
	case err != nil:
		for i := range out {
			out[i] = err
		}
	case errs == nil:
	case len(errs) != len(items):
		mismatch := fmt.Errorf("bulk write returned %d results for %d items", len(errs), len(items))
		for i := range out {
			out[i] = mismatch
		}
	default:
		copy(out, errs)
	}
	return out
}

// awaitTurn waits until the previous batch of key has been written or ctx
// is done. If ctx wins, the turn is handed on once the previous batch
// finishes so later batches keep their order.
func (b *Batcher) awaitTurn(ctx context.Context, key Key, bt *batch) error {
	if bt.prev != nil {
		select {
		case <-bt.prev:
		case <-ctx.Done():
			go func() {
				<-bt.prev
				b.passTurn(key, bt)
			}()
			return ctx.Err()
		}
	}
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
	return nil
}

func (b *Batcher) finishTurn(key Key, bt *batch) {
	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()
	b.passTurn(key, bt)
}

func (b *Batcher) passTurn(key Key, bt *batch) {
	b.mu.Lock()
	if b.tails[key] == bt.done {
		delete(b.tails, key)
	}
	b.mu.Unlock()
	close(bt.done)
}
