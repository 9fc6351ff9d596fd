// Package stats provides a unified interface for collecting metrics.
package stats

// Metric names used throughout the library.
const (
	// Read path metrics.
	MetricReads       = "quotacache_reads_total"
	MetricStoreReads  = "quotacache_store_reads_total"
	MetricReadErrors  = "quotacache_read_errors_total"
	MetricReadLatency = "quotacache_read_seconds"

	// Cache metrics.
	MetricCacheHits        = "quotacache_cache_hits_total"
	MetricCacheMisses      = "quotacache_cache_misses_total"
	MetricCacheEvictions   = "quotacache_cache_evictions_total"
	MetricCacheExpirations = "quotacache_cache_expirations_total"
	MetricCacheSize        = "quotacache_cache_size"

	// Batcher metrics.
	MetricWritesQueued  = "quotacache_writes_queued_total"
	MetricBatchFlushes  = "quotacache_batch_flushes_total"
	MetricBatchSize     = "quotacache_batch_size"
	MetricBatchLatency  = "quotacache_batch_flush_seconds"
	MetricWritesFailed  = "quotacache_writes_failed_total"
	MetricWritesRetried = "quotacache_writes_retried_total"
	MetricQueueDepth    = "quotacache_queue_depth"

	// Pool metrics.
	MetricPoolInUse     = "quotacache_pool_in_use"
	MetricPoolCreated   = "quotacache_pool_created_total"
	MetricPoolFallbacks = "quotacache_pool_fallbacks_total"

	// Quota metrics.
	MetricQuotaReads  = "quotacache_quota_reads"
	MetricQuotaWrites = "quotacache_quota_writes"
	MetricQuotaUsage  = "quotacache_quota_usage_percent"

	// Health metrics.
	MetricHealthScore = "quotacache_health_score"
	MetricRecoveries  = "quotacache_recoveries_total"
)

var help = map[string]string{
	MetricReads:            "Cached reads requested.",
	MetricStoreReads:       "Reads that reached the document store.",
	MetricReadErrors:       "Reads that failed in the document store.",
	MetricReadLatency:      "Latency of cached reads in seconds.",
	MetricCacheHits:        "Cache hits.",
	MetricCacheMisses:      "Cache misses, including stale entries.",
	MetricCacheEvictions:   "Entries evicted to make room.",
	MetricCacheExpirations: "Stale entries removed.",
	MetricCacheSize:        "Entries currently cached.",
	MetricWritesQueued:     "Writes accepted by the batcher.",
	MetricBatchFlushes:     "Batches flushed to the store.",
	MetricBatchSize:        "Items per flushed batch.",
	MetricBatchLatency:     "Duration of batch flushes in seconds.",
	MetricWritesFailed:     "Writes that failed after retry.",
	MetricWritesRetried:    "Writes retried individually after a bulk failure.",
	MetricQueueDepth:       "Writes waiting in batcher queues.",
	MetricPoolInUse:        "Connections currently acquired.",
	MetricPoolCreated:      "Connections created.",
	MetricPoolFallbacks:    "Acquires served by the fallback connection.",
	MetricQuotaReads:       "Reads recorded in the current quota window.",
	MetricQuotaWrites:      "Writes recorded in the current quota window.",
	MetricQuotaUsage:       "Highest quota usage percentage in the current window.",
	MetricHealthScore:      "Most recent health score.",
	MetricRecoveries:       "Recovery actions run.",
}

// Help returns the description for a metric name, or the name itself if unknown.
func Help(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
