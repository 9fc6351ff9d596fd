// Package logger provides a stats collector that reports metrics through zap.
//
// Counters are logged with their running total. Gauges are logged only when
// their value changes, so the periodic queue depth and cache size updates do
// not flood the log.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/birrpay/quotacache/internal/stats"
)

// Collector implements stats.Collector by logging metrics via zap.
type Collector struct {
	logger *zap.Logger
	level  zapcore.Level

	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
}

// Compile-time check that Collector implements stats.Collector.
var _ stats.Collector = (*Collector)(nil)

// New creates a collector logging at debug level.
// If logger is nil, a no-op logger is used.
func New(logger *zap.Logger) *Collector {
	return NewLevel(logger, zapcore.DebugLevel)
}

// NewLevel creates a collector logging at level.
func NewLevel(logger *zap.Logger, level zapcore.Level) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		logger:   logger,
		level:    level,
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

// IncCounter logs a counter increment and the new total.
func (c *Collector) IncCounter(name string, delta int64) {
	if delta <= 0 {
		return
	}
	c.mu.Lock()
	c.counters[name] += delta
	total := c.counters[name]
	c.mu.Unlock()

	c.logger.Log(c.level, "counter",
		zap.String("metric", name),
		zap.Int64("delta", delta),
		zap.Int64("total", total),
	)
}

// SetGauge logs a gauge value if it differs from the last one.
func (c *Collector) SetGauge(name string, value int64) {
	c.mu.Lock()
	prev, seen := c.gauges[name]
	c.gauges[name] = value
	c.mu.Unlock()
	if seen && prev == value {
		return
	}

	c.logger.Log(c.level, "gauge",
		zap.String("metric", name),
		zap.Int64("value", value),
	)
}

// ObserveHistogram logs a histogram observation.
func (c *Collector) ObserveHistogram(name string, value float64) {
	c.logger.Log(c.level, "histogram",
		zap.String("metric", name),
		zap.Float64("value", value),
	)
}

// Totals returns a copy of the counter totals.
func (c *Collector) Totals() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}
