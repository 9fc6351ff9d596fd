// Package health scores the caching layer and runs recovery actions.
//
// A Monitor samples the cache, batcher, pool and quota tracker, combines
// their headroom into a score from 0 to 100 and, when the score is low
// enough, runs every registered recovery action. Check is meant to be
// called periodically from a scheduler.
package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache/internal/batcher"
	"github.com/birrpay/quotacache/internal/pool"
	"github.com/birrpay/quotacache/internal/quota"
	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/ttlcache"
)

// State classifies a score.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sources the monitor samples. Nil sources score full headroom.
type Sources struct {
	Cache   interface{ Stats() ttlcache.Stats }
	Batcher interface{ Stats() batcher.Stats }
	Pool    interface{ Stats() pool.Stats }
	Quota   interface{ Peek() quota.Status }
}

// Weights of each sub-score. They should sum to 1.
type Weights struct {
	HitRate float64
	Memory  float64
	Quota   float64
	Pool    float64
}

// DefaultWeights favours quota headroom.
func DefaultWeights() Weights {
	return Weights{HitRate: 0.25, Memory: 0.25, Quota: 0.30, Pool: 0.20}
}

// Config holds monitor thresholds.
type Config struct {
	Weights Weights
	// DegradedBelow marks the layer degraded.
	DegradedBelow float64
	// RecoverBelow marks it unhealthy and triggers recovery actions.
	RecoverBelow float64
	// MemoryLimit is the heap size that scores zero memory headroom.
	// Zero disables the memory sub-score.
	MemoryLimit uint64
}

// DefaultConfig returns 70/50 thresholds and a 512 MiB memory limit.
func DefaultConfig() Config {
	return Config{
		Weights:       DefaultWeights(),
		DegradedBelow: 70,
		RecoverBelow:  50,
		MemoryLimit:   512 << 20,
	}
}

// Memory is a process memory sample.
type Memory struct {
	HeapAlloc  uint64
	Sys        uint64
	NumGC      uint32
	Goroutines int
}

// Scores are the sub-scores behind a snapshot's score, each 0 to 100.
type Scores struct {
	HitRate float64
	Memory  float64
	Quota   float64
	Pool    float64
}

// Snapshot is a point-in-time health report.
type Snapshot struct {
	Time      time.Time
	Score     float64
	State     State
	Scores    Scores
	Cache     ttlcache.Stats
	Batcher   batcher.Stats
	Pool      pool.Stats
	Quota     quota.Status
	Memory    Memory
	Recovered []string `json:",omitempty"`
}

// Stats are cumulative monitor counters.
type Stats struct {
	Started          time.Time
	Uptime           time.Duration
	Checks           int64
	Recoveries       int64
	RecoveryFailures int64
	LastScore        float64
}

// RecoveryFunc is a recovery action.
type RecoveryFunc func(ctx context.Context) error

type recovery struct {
	name string
	fn   RecoveryFunc
}

// Monitor computes health snapshots. Safe for concurrent use.
type Monitor struct {
	sources    Sources
	cfg        Config
	clock      clock.Clock
	logger     *zap.Logger
	collector  stats.Collector
	readMemory func() Memory

	mu         sync.Mutex
	recoveries []recovery
	last       *Snapshot
	started    time.Time
	checks     int64
	recovered  int64
	failures   int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConfig overrides the thresholds.
func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCollector sets the metrics collector.
func WithCollector(c stats.Collector) Option {
	return func(m *Monitor) {
		if c != nil {
			m.collector = c
		}
	}
}

// WithMemoryReader replaces the runtime memory sampler.
func WithMemoryReader(fn func() Memory) Option {
	return func(m *Monitor) { m.readMemory = fn }
}

// New creates a monitor over sources.
func New(sources Sources, opts ...Option) *Monitor {
	m := &Monitor{
		sources:    sources,
		cfg:        DefaultConfig(),
		clock:      clock.New(),
		logger:     zap.NewNop(),
		collector:  stats.NewNoop(),
		readMemory: readRuntimeMemory,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.clock.Now()
	return m
}

// RegisterRecovery adds an action run, in registration order, whenever a
// check scores below the recovery threshold.
func (m *Monitor) RegisterRecovery(name string, fn RecoveryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveries = append(m.recoveries, recovery{name: name, fn: fn})
}

// Check samples every source, runs recovery actions if the layer is
// unhealthy and stores the snapshot for GetStatus.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	snap := m.sample()

	if snap.State == StateUnhealthy {
		m.logger.Warn("health below recovery threshold",
			zap.Float64("score", snap.Score),
			zap.Float64("threshold", m.cfg.RecoverBelow),
		)
		snap.Recovered = m.recover(ctx)
	} else if snap.State == StateDegraded {
		m.logger.Info("health degraded", zap.Float64("score", snap.Score))
	}

	m.mu.Lock()
	m.checks++
	m.last = &snap
	m.mu.Unlock()

	m.collector.SetGauge(stats.MetricHealthScore, int64(snap.Score))
	return snap
}

// RunCheck adapts Check to a scheduled task.
func (m *Monitor) RunCheck(ctx context.Context) error {
	m.Check(ctx)
	return nil
}

// GetStatus returns the latest snapshot, or a fresh sample if no check has
// run yet. It never runs recovery actions.
func (m *Monitor) GetStatus() Snapshot {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if last != nil {
		return *last
	}
	return m.sample()
}

// GetStats returns cumulative counters.
func (m *Monitor) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Started:          m.started,
		Uptime:           m.clock.Now().Sub(m.started),
		Checks:           m.checks,
		Recoveries:       m.recovered,
		RecoveryFailures: m.failures,
	}
	if m.last != nil {
		s.LastScore = m.last.Score
	}
	return s
}

func (m *Monitor) sample() Snapshot {
	snap := Snapshot{Time: m.clock.Now(), Memory: m.readMemory()}
	if m.sources.Cache != nil {
		snap.Cache = m.sources.Cache.Stats()
	}
	if m.sources.Batcher != nil {
		snap.Batcher = m.sources.Batcher.Stats()
	}
	if m.sources.Pool != nil {
		snap.Pool = m.sources.Pool.Stats()
	}
	if m.sources.Quota != nil {
		snap.Quota = m.sources.Quota.Peek()
	}

	snap.Scores = Scores{
		HitRate: 100,
		Memory:  100,
		Quota:   100 - snap.Quota.Percent(),
		Pool:    100 - snap.Pool.Utilization(),
	}
	if snap.Cache.Hits+snap.Cache.Misses > 0 {
		snap.Scores.HitRate = snap.Cache.HitRate()
	}
	if m.cfg.MemoryLimit > 0 {
		used := float64(snap.Memory.HeapAlloc) / float64(m.cfg.MemoryLimit) * 100
		snap.Scores.Memory = clamp(100 - used)
	}

	w := m.cfg.Weights
	snap.Score = clamp(snap.Scores.HitRate*w.HitRate +
		snap.Scores.Memory*w.Memory +
		snap.Scores.Quota*w.Quota +
		snap.Scores.Pool*w.Pool)

	switch {
	case snap.Score < m.cfg.RecoverBelow:
		snap.State = StateUnhealthy
	case snap.Score < m.cfg.DegradedBelow:
		snap.State = StateDegraded
	default:
		snap.State = StateHealthy
	}
	return snap
}

func (m *Monitor) recover(ctx context.Context) []string {
	m.mu.Lock()
	actions := append([]recovery(nil), m.recoveries...)
	m.mu.Unlock()

	var ran []string
	for _, r := range actions {
		err := safeRun(ctx, r.fn)

		m.mu.Lock()
		if err != nil {
			m.failures++
		} else {
			m.recovered++
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("recovery action failed", zap.String("action", r.name), zap.Error(err))
			continue
		}
		m.logger.Info("recovery action ran", zap.String("action", r.name))
		m.collector.IncCounter(stats.MetricRecoveries, 1)
		ran = append(ran, r.name)
	}
	return ran
}

func safeRun(ctx context.Context, fn RecoveryFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func readRuntimeMemory() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Memory{
		HeapAlloc:  ms.HeapAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}

func clamp(v float64) float64 {
	return min(max(v, 0), 100)
}
