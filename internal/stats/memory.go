package stats

import "sync"

// Memory keeps the latest counter and gauge values in memory.
// Histogram observations are counted, not bucketed.
type Memory struct {
	mu           sync.Mutex
	counters     map[string]int64
	gauges       map[string]int64
	observations map[string]int
}

// Compile-time check that Memory implements Collector.
var _ Collector = (*Memory)(nil)

// NewMemory creates an empty in-memory collector.
func NewMemory() *Memory {
	return &Memory{
		counters:     make(map[string]int64),
		gauges:       make(map[string]int64),
		observations: make(map[string]int),
	}
}

func (m *Memory) IncCounter(name string, delta int64) {
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

func (m *Memory) SetGauge(name string, value int64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

func (m *Memory) ObserveHistogram(name string, value float64) {
	m.mu.Lock()
	m.observations[name]++
	m.mu.Unlock()
}

// Counter returns the accumulated value of a counter.
func (m *Memory) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge returns the last value set for a gauge.
func (m *Memory) Gauge(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Observations returns how many values were recorded for a histogram.
func (m *Memory) Observations(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observations[name]
}
