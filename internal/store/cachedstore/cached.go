package cachedstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/birrpay/quotacache/internal/pool"
	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/ttlcache"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Store wraps another Store with a document cache.
//
// Cache hits never touch the underlying store or the quota. Misses take a
// pool slot, read through, record one read and cache the result. Writes go
// straight to the underlying store and keep the cache coherent.
type Store struct {
	underlying store.Store
	backend    Backend
	ttl        time.Duration
	pool       *pool.Pool
	quota      Quota
	clock      clock.Clock
	collector  stats.Collector

	mu      sync.Mutex
	pending map[string]*pendingDoc
}

// pendingDoc tracks the queued writes of one document that have not
// settled yet.
type pendingDoc struct {
	n  int
	op store.WriteType
	// dirty is set when the cached copy may not match the store once every
	// write has settled.
	dirty bool
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the base TTL for cached documents.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithPool bounds concurrent reads of the underlying store.
func WithPool(p *pool.Pool) Option {
	return func(s *Store) { s.pool = p }
}

// WithQuota records store operations against q and extends TTLs in
// degraded modes.
func WithQuota(q Quota) Option {
	return func(s *Store) { s.quota = q }
}

// WithClock sets the clock used to time reads.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithCollector sets the metrics collector.
func WithCollector(c stats.Collector) Option {
	return func(s *Store) {
		if c != nil {
			s.collector = c
		}
	}
}

// New creates a new cached store wrapping the given store.
func New(underlying store.Store, backend Backend, opts ...Option) *Store {
	s := &Store{
		underlying: underlying,
		backend:    backend,
		ttl:        ttlcache.DefaultTTL,
		clock:      clock.New(),
		collector:  stats.NewNoop(),
		pending:    make(map[string]*pendingDoc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetDocument reads a document, checking the cache first.
// The returned document is a copy the caller may modify.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	start := s.clock.Now()
	s.collector.IncCounter(stats.MetricReads, 1)
	defer func() {
		s.collector.ObserveHistogram(stats.MetricReadLatency, s.clock.Now().Sub(start).Seconds())
	}()

	key := store.Key(collection, id)
	if doc, ok := s.backend.Get(key); ok {
		return doc.Clone(), nil
	}

	// Cache miss - read from underlying store.
	doc, err := s.read(ctx, collection, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.collector.IncCounter(stats.MetricReadErrors, 1)
		}
		return nil, err
	}

	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		// The store copy does not have the queued writes yet.
		p.dirty = true
	}
	s.mu.Unlock()

	s.backend.SetWithTTL(key, doc, s.effectiveTTL())
	return doc.Clone(), nil
}

func (s *Store) read(ctx context.Context, collection, id string) (store.Document, error) {
	if s.pool != nil {
		slot := s.pool.Acquire()
		defer s.pool.Release(slot)
	}
	doc, err := s.underlying.GetDocument(ctx, collection, id)
	if s.quota != nil {
		s.quota.RecordRead(1)
	}
	s.collector.IncCounter(stats.MetricStoreReads, 1)
	return doc, err
}

func (s *Store) effectiveTTL() time.Duration {
	if s.quota == nil {
		return s.ttl
	}
	return s.ttl * time.Duration(s.quota.TTLMultiplier())
}

// SetDocument writes through to the underlying store and updates the cache.
func (s *Store) SetDocument(ctx context.Context, collection, id string, doc store.Document, opts store.SetOptions) error {
	err := s.underlying.SetDocument(ctx, collection, id, doc, opts)
	if s.quota != nil {
		s.quota.RecordWrite(1)
	}
	if err != nil {
		// The write may have partly applied; drop the cached copy.
		s.backend.Delete(store.Key(collection, id))
		return err
	}

	typ := store.WriteSet
	if opts.Merge {
		typ = store.WriteUpdate
	}
	s.Apply(collection, store.WriteItem{DocID: id, Payload: doc, Type: typ})
	return nil
}

// BulkWrite writes through to the underlying store and updates the cache
// for every committed item. Items that failed are evicted from the cache.
func (s *Store) BulkWrite(ctx context.Context, collection string, op store.WriteType, items []store.WriteItem) ([]error, error) {
	errs, err := s.underlying.BulkWrite(ctx, collection, op, items)
	if s.quota != nil {
		s.quota.RecordWrite(1)
	}
	for i, item := range items {
		if err != nil || (i < len(errs) && errs[i] != nil) {
			s.Invalidate(collection, item.DocID)
			continue
		}
		s.Apply(collection, item)
	}
	return errs, err
}

// Apply updates the cache as if item had been committed, without touching
// the underlying store. Updates merge into a cached copy; an update with no
// cached copy invalidates, since the full document is unknown.
func (s *Store) Apply(collection string, item store.WriteItem) {
	key := store.Key(collection, item.DocID)
	switch item.Type {
	case store.WriteSet:
		s.backend.SetWithTTL(key, item.Payload.Clone(), s.effectiveTTL())
	case store.WriteUpdate:
		cached, ok := s.backend.Peek(key)
		if !ok {
			s.backend.Delete(key)
			return
		}
		s.backend.SetWithTTL(key, cached.Merge(item.Payload), s.effectiveTTL())
	default:
		s.backend.Delete(key)
	}
}

// Queue applies item to the cache ahead of its commit and tracks it until
// Settle is called for it. Writes of one document with different types
// are flushed independently, so their commit order is unknown; such a
// document is dropped from the cache once all its writes have settled.
func (s *Store) Queue(collection string, item store.WriteItem) {
	key := store.Key(collection, item.DocID)

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	if !ok {
		p = &pendingDoc{op: item.Type}
		s.pending[key] = p
	} else if p.op != item.Type {
		p.dirty = true
	}
	p.n++
	s.Apply(collection, item)
}

// Settle marks a queued write as committed (err == nil) or failed. A failed
// write drops the cached copy at once.
func (s *Store) Settle(collection string, item store.WriteItem, err error) {
	key := store.Key(collection, item.DocID)

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	if err != nil {
		s.backend.Delete(key)
		if ok {
			p.dirty = true
		}
	}
	if !ok {
		return
	}
	p.n--
	if p.n > 0 {
		return
	}
	delete(s.pending, key)
	if p.dirty {
		s.backend.Delete(key)
	}
}

// Pending returns the number of documents with unsettled writes.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Invalidate drops the cached copy of a document.
func (s *Store) Invalidate(collection, id string) {
	s.backend.Delete(store.Key(collection, id))
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.underlying.Close()
}

// Stats returns cache statistics.
func (s *Store) Stats() ttlcache.Stats {
	return s.backend.Stats()
}
