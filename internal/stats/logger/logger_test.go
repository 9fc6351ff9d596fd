package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCollector_Counter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := New(zap.New(core))

	c.IncCounter("quotacache_reads_total", 2)
	c.IncCounter("quotacache_reads_total", 3)
	c.IncCounter("quotacache_reads_total", 0)

	entries := logs.FilterMessage("counter").All()
	if len(entries) != 2 {
		t.Fatalf("logged %d counters, want 2", len(entries))
	}
	if got := entries[1].ContextMap()["total"]; got != int64(5) {
		t.Errorf("total = %v, want 5", got)
	}
	if got := c.Totals()["quotacache_reads_total"]; got != 5 {
		t.Errorf("Totals() = %d, want 5", got)
	}
}

func TestCollector_GaugeLogsChangesOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := New(zap.New(core))

	for _, v := range []int64{3, 3, 4, 4, 3} {
		c.SetGauge("quotacache_queue_depth", v)
	}

	if got := logs.FilterMessage("gauge").Len(); got != 3 {
		t.Errorf("logged %d gauges, want 3", got)
	}
}

func TestCollector_Level(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	New(zap.New(core)).ObserveHistogram("quotacache_batch_size", 10)
	if logs.Len() != 0 {
		t.Error("debug collector logged at info level")
	}

	NewLevel(zap.New(core), zapcore.InfoLevel).ObserveHistogram("quotacache_batch_size", 10)
	if logs.Len() != 1 {
		t.Errorf("logged %d entries, want 1", logs.Len())
	}
}

func TestNew_NilLogger(t *testing.T) {
	c := New(nil)
	c.IncCounter("x", 1)
	c.SetGauge("y", 1)
	c.ObserveHistogram("z", 1)
}
