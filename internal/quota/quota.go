// Package quota tracks document store reads and writes against a daily budget.
//
// The tracker only reports state. Callers decide what to do with the mode
// and the advisory IsReadAllowed/IsWriteAllowed answers; nothing here blocks.
package quota

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/birrpay/quotacache/internal/stats"
)

// Window is the length of the accounting window.
const Window = 24 * time.Hour

// Mode is the operating mode derived from quota usage.
type Mode int

const (
	ModeNormal Mode = iota
	ModeConservative
	ModeEmergency
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeConservative:
		return "CONSERVATIVE"
	case ModeEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "NORMAL":
		return ModeNormal, nil
	case "CONSERVATIVE":
		return ModeConservative, nil
	case "EMERGENCY":
		return ModeEmergency, nil
	}
	return 0, fmt.Errorf("quota: unknown mode %q", s)
}

// Limits is the daily operation budget.
type Limits struct {
	Reads  int64
	Writes int64
}

// DefaultLimits matches the Firestore free tier.
func DefaultLimits() Limits {
	return Limits{Reads: 50000, Writes: 20000}
}

// Thresholds are the usage percentages at which modes are entered.
type Thresholds struct {
	Conservative float64
	Emergency    float64
	// Hysteresis is how many points below a mode's entry threshold usage
	// must fall before the mode is left. Zero disables damping.
	Hysteresis float64
}

// DefaultThresholds returns 70/90 with 5 points of hysteresis.
func DefaultThresholds() Thresholds {
	return Thresholds{Conservative: 70, Emergency: 90, Hysteresis: 5}
}

// Validate checks that thresholds are ordered and within 0..100.
func (t Thresholds) Validate() error {
	if t.Conservative <= 0 || t.Emergency > 100 || t.Conservative >= t.Emergency {
		return fmt.Errorf("quota: thresholds must satisfy 0 < conservative < emergency <= 100, got %v/%v",
			t.Conservative, t.Emergency)
	}
	if t.Hysteresis < 0 || t.Hysteresis >= t.Conservative {
		return fmt.Errorf("quota: hysteresis %v out of range", t.Hysteresis)
	}
	return nil
}

func (t Thresholds) enter(m Mode) float64 {
	switch m {
	case ModeEmergency:
		return t.Emergency
	case ModeConservative:
		return t.Conservative
	default:
		return 0
	}
}

// Usage is the consumption of one operation kind.
type Usage struct {
	Used    int64
	Limit   int64
	Percent float64 // Capped at 100
}

// Status is a point-in-time view of the tracker.
type Status struct {
	Reads       Usage
	Writes      Usage
	Mode        Mode
	WindowStart time.Time
	WindowEnd   time.Time
}

// Percent returns the larger of the read and write percentages.
func (s Status) Percent() float64 {
	return max(s.Reads.Percent, s.Writes.Percent)
}

// Tracker counts operations in the current window. Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	limits      Limits
	thresholds  Thresholds
	clock       clock.Clock
	collector   stats.Collector
	onChange    func(from, to Mode)
	windowStart time.Time
	reads       int64
	writes      int64
	mode        Mode
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThresholds overrides the mode thresholds.
func WithThresholds(t Thresholds) Option {
	return func(tr *Tracker) { tr.thresholds = t }
}

// WithClock sets the clock used for window accounting.
func WithClock(c clock.Clock) Option {
	return func(tr *Tracker) { tr.clock = c }
}

// WithCollector sets the metrics collector.
func WithCollector(c stats.Collector) Option {
	return func(tr *Tracker) {
		if c != nil {
			tr.collector = c
		}
	}
}

// WithModeChange registers a callback invoked after every mode transition.
// It runs outside the tracker's lock.
func WithModeChange(fn func(from, to Mode)) Option {
	return func(tr *Tracker) { tr.onChange = fn }
}

// New creates a tracker whose first window starts now.
// Non-positive limits are replaced with the defaults.
func New(limits Limits, opts ...Option) *Tracker {
	def := DefaultLimits()
	if limits.Reads <= 0 {
		limits.Reads = def.Reads
	}
	if limits.Writes <= 0 {
		limits.Writes = def.Writes
	}
	tr := &Tracker{
		limits:     limits,
		thresholds: DefaultThresholds(),
		clock:      clock.New(),
		collector:  stats.NewNoop(),
	}
	for _, opt := range opts {
		opt(tr)
	}
	tr.windowStart = tr.clock.Now()
	return tr
}

// RecordRead adds n reads. Non-positive n is ignored.
func (t *Tracker) RecordRead(n int64) {
	t.record(n, 0)
}

// RecordWrite adds n writes. Non-positive n is ignored.
func (t *Tracker) RecordWrite(n int64) {
	t.record(0, n)
}

func (t *Tracker) record(reads, writes int64) {
	if reads <= 0 && writes <= 0 {
		return
	}
	t.mu.Lock()
	t.rollLocked()
	if reads > 0 {
		t.reads += reads
	}
	if writes > 0 {
		t.writes += writes
	}
	st, from, changed := t.updateLocked()
	t.mu.Unlock()

	t.publish(st, from, changed)
}

// Status rolls the window if it has expired and returns the current state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	t.rollLocked()
	st, from, changed := t.updateLocked()
	t.mu.Unlock()

	t.publish(st, from, changed)
	return st
}

// Peek returns the state Status would report without changing the
// tracker: an expired window is shown as empty but not rolled, and no
// mode change is recorded or published.
func (t *Tracker) Peek() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	start, reads, writes := t.windowStart, t.reads, t.writes
	if elapsed := t.clock.Now().Sub(start); elapsed >= Window {
		start = start.Add(elapsed.Truncate(Window))
		reads, writes = 0, 0
	}
	st := Status{
		Reads:       usage(reads, t.limits.Reads),
		Writes:      usage(writes, t.limits.Writes),
		WindowStart: start,
		WindowEnd:   start.Add(Window),
	}
	st.Mode = nextMode(t.mode, st.Percent(), t.thresholds)
	return st
}

// Mode returns the current mode.
func (t *Tracker) Mode() Mode {
	return t.Status().Mode
}

// IsReadAllowed advises against reads only in emergency mode with the read
// budget spent.
func (t *Tracker) IsReadAllowed() bool {
	st := t.Status()
	return st.Mode != ModeEmergency || st.Reads.Used < st.Reads.Limit
}

// IsWriteAllowed advises against writes in emergency mode.
func (t *Tracker) IsWriteAllowed() bool {
	return t.Mode() != ModeEmergency
}

// TTLMultiplier returns the factor by which callers should extend cache TTLs.
func (t *Tracker) TTLMultiplier() int {
	switch t.Mode() {
	case ModeEmergency:
		return 4
	case ModeConservative:
		return 2
	default:
		return 1
	}
}

// Limits returns the configured budget.
func (t *Tracker) Limits() Limits {
	return t.limits
}

// rollLocked starts a new window when the current one has expired.
// Windows stay aligned to the first window's start.
func (t *Tracker) rollLocked() {
	elapsed := t.clock.Now().Sub(t.windowStart)
	if elapsed < Window {
		return
	}
	t.windowStart = t.windowStart.Add(elapsed.Truncate(Window))
	t.reads = 0
	t.writes = 0
}

func (t *Tracker) updateLocked() (Status, Mode, bool) {
	st := Status{
		Reads:       usage(t.reads, t.limits.Reads),
		Writes:      usage(t.writes, t.limits.Writes),
		WindowStart: t.windowStart,
		WindowEnd:   t.windowStart.Add(Window),
	}
	from := t.mode
	t.mode = nextMode(t.mode, st.Percent(), t.thresholds)
	st.Mode = t.mode
	return st, from, from != t.mode
}

// nextMode moves up immediately and steps down only once pct has fallen
// Hysteresis points below the threshold of the mode being left. Usage at
// exactly the emergency threshold is still CONSERVATIVE.
func nextMode(current Mode, pct float64, th Thresholds) Mode {
	target := ModeNormal
	switch {
	case pct > th.Emergency:
		target = ModeEmergency
	case pct >= th.Conservative:
		target = ModeConservative
	}
	if target >= current {
		return target
	}
	m := current
	for m > target && pct < th.enter(m)-th.Hysteresis {
		m--
	}
	return m
}

func (t *Tracker) publish(st Status, from Mode, changed bool) {
	t.collector.SetGauge(stats.MetricQuotaReads, st.Reads.Used)
	t.collector.SetGauge(stats.MetricQuotaWrites, st.Writes.Used)
	t.collector.SetGauge(stats.MetricQuotaUsage, int64(st.Percent()))
	if changed && t.onChange != nil {
		t.onChange(from, st.Mode)
	}
}

func usage(used, limit int64) Usage {
	pct := float64(used) / float64(limit) * 100
	return Usage{Used: used, Limit: limit, Percent: min(pct, 100)}
}
