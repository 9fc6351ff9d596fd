// Package pool bounds the number of concurrent logical store operations.
//
// A Pool hands out a fixed number of slots. When every slot is taken Acquire
// returns a fallback slot instead of blocking; fallback slots are not
// counted against the pool and releasing them is a no-op.
package pool

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/birrpay/quotacache/internal/stats"
)

// DefaultSize is used when a non-positive size is configured.
const DefaultSize = 10

// FallbackID is the ID reported by fallback slots.
const FallbackID = -1

// Slot is a lease on one pool slot, returned by Acquire.
type Slot struct {
	id       int
	lease    uint64
	fallback bool
}

// ID returns the slot index, or FallbackID for a fallback slot.
func (s *Slot) ID() int { return s.id }

// Fallback reports whether the slot bypasses pool accounting.
func (s *Slot) Fallback() bool { return s.fallback }

// SlotInfo is a point-in-time view of one slot.
type SlotInfo struct {
	ID         int
	InUse      bool
	LastUsedAt time.Time
}

type slotState struct {
	inUse      bool
	lease      uint64
	lastUsedAt time.Time
}

// Stats contains pool statistics.
type Stats struct {
	Size      int
	Active    int
	Acquired  int64 // Real slots handed out
	Fallbacks int64 // Fallback slots handed out
	Resets    int64
}

// Utilization returns active slots as a percentage of pool size.
func (s Stats) Utilization() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.Active) / float64(s.Size) * 100
}

// Pool is a fixed-size set of reusable slots. Safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	slots     []slotState
	free      []int // stack of free slot indexes
	nextLease uint64
	clock     clock.Clock
	collector stats.Collector

	acquired  int64
	fallbacks int64
	resets    int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock used to stamp LastUsedAt.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithCollector sets the metrics collector.
func WithCollector(c stats.Collector) Option {
	return func(p *Pool) {
		if c != nil {
			p.collector = c
		}
	}
}

// New creates a pool with size slots.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		slots:     make([]slotState, size),
		free:      make([]int, 0, size),
		clock:     clock.New(),
		collector: stats.NewNoop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.collector.IncCounter(stats.MetricPoolCreated, int64(size))
	p.refill()
	return p
}

// refill marks every slot free. Lower indexes are handed out first.
func (p *Pool) refill() {
	p.free = p.free[:0]
	for i := len(p.slots) - 1; i >= 0; i-- {
		p.slots[i].inUse = false
		p.free = append(p.free, i)
	}
}

// Acquire returns a free slot, or a fallback slot when none is free.
// It never blocks.
func (p *Pool) Acquire() *Slot {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.fallbacks++
		p.mu.Unlock()
		p.collector.IncCounter(stats.MetricPoolFallbacks, 1)
		return &Slot{id: FallbackID, fallback: true}
	}

	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.nextLease++
	p.slots[id].inUse = true
	p.slots[id].lease = p.nextLease
	p.acquired++
	active := len(p.slots) - len(p.free)
	slot := &Slot{id: id, lease: p.nextLease}
	p.mu.Unlock()

	p.collector.SetGauge(stats.MetricPoolInUse, int64(active))
	return slot
}

// Release returns s to the pool. Releasing nil, a fallback slot, or a slot
// that was already released or reclaimed by Reset is a no-op.
func (p *Pool) Release(s *Slot) {
	if s == nil || s.fallback {
		return
	}

	p.mu.Lock()
	st := &p.slots[s.id]
	if !st.inUse || st.lease != s.lease {
		p.mu.Unlock()
		return
	}
	st.inUse = false
	st.lastUsedAt = p.clock.Now()
	p.free = append(p.free, s.id)
	active := len(p.slots) - len(p.free)
	p.mu.Unlock()

	p.collector.SetGauge(stats.MetricPoolInUse, int64(active))
}

// Reset reclaims every slot and returns how many were in use.
// Leases held at the time of the reset become invalid.
func (p *Pool) Reset() int {
	p.mu.Lock()
	reclaimed := len(p.slots) - len(p.free)
	p.refill()
	p.resets++
	p.mu.Unlock()

	p.collector.SetGauge(stats.MetricPoolInUse, 0)
	return reclaimed
}

// Slots returns a view of every slot.
func (p *Pool) Slots() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SlotInfo, len(p.slots))
	for i, st := range p.slots {
		infos[i] = SlotInfo{ID: i, InUse: st.inUse, LastUsedAt: st.lastUsedAt}
	}
	return infos
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      len(p.slots),
		Active:    len(p.slots) - len(p.free),
		Acquired:  p.acquired,
		Fallbacks: p.fallbacks,
		Resets:    p.resets,
	}
}
