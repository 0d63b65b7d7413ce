// Package metrics exposes Prometheus metrics for the chunk store, the
// query engine and the ingestion path. All metrics self-register through
// promauto and share the magnetar_ namespace.
//
// Latency histograms are bucketed in nanoseconds: the interesting
// operations here (index lookups, binary searches, cache hits) live well
// below a millisecond and would all land in the first bucket of a
// seconds-oriented layout.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBuckets spans 100ns to 1s.
var latencyBuckets = []float64{
	100,   // 100ns - index lookups
	1000,  // 1μs - cache hits
	10000, // 10μs - single-chunk queries
	1e5,   // 100μs - multi-chunk merges
	1e6,   // 1ms - large inserts
	1e7,   // 10ms - compactions
	1e8,   // 100ms - big collections
	1e9,   // 1s - pathological
}

var (
	// ChunksInserted counts insert outcomes.
	// Labels: store_id, outcome (inserted/compacted/noop/rejected)
	ChunksInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_chunks_inserted_total",
			Help: "Total chunk insert attempts by outcome",
		},
		[]string{"store_id", "outcome"},
	)

	// RowsInserted counts rows entering the store.
	RowsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_rows_inserted_total",
			Help: "Total rows inserted",
		},
		[]string{"store_id"},
	)

	// InsertLatency tracks the insert path end to end, including index
	// maintenance, compaction and subscriber dispatch.
	InsertLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magnetar_insert_latency_nanoseconds",
			Help:    "Chunk insert latency in nanoseconds",
			Buckets: latencyBuckets,
		},
		[]string{"store_id"},
	)

	// QueryLatency tracks query engine latency.
	// Labels: operation (latest_at/range)
	QueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magnetar_query_latency_nanoseconds",
			Help:    "Query latency in nanoseconds",
			Buckets: latencyBuckets,
		},
		[]string{"operation"},
	)

	// StoreChunks gauges the number of chunks currently held.
	StoreChunks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magnetar_store_chunks",
			Help: "Chunks currently held by the store",
		},
		[]string{"store_id"},
	)

	// StoreBytes gauges the retained heap size of all chunks.
	StoreBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magnetar_store_bytes",
			Help: "Retained chunk bytes",
		},
		[]string{"store_id"},
	)

	// GCChunksEvicted counts chunks removed by garbage collection.
	GCChunksEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_gc_chunks_evicted_total",
			Help: "Chunks evicted by garbage collection",
		},
		[]string{"store_id"},
	)

	// GCBytesFreed counts bytes freed by garbage collection.
	GCBytesFreed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_gc_bytes_freed_total",
			Help: "Bytes freed by garbage collection",
		},
		[]string{"store_id"},
	)

	// GCDuration tracks full collection passes.
	GCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magnetar_gc_duration_nanoseconds",
			Help:    "Garbage collection duration in nanoseconds",
			Buckets: latencyBuckets,
		},
		[]string{"store_id"},
	)

	// CacheLookups counts query cache traffic.
	// Labels: store_id, result (hit/miss)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_cache_lookups_total",
			Help: "Query cache lookups by result",
		},
		[]string{"store_id", "result"},
	)

	// IngestQueueDepth gauges the ingestion queue backlog.
	IngestQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magnetar_ingest_queue_depth",
			Help: "Chunks waiting in the ingestion queue",
		},
		[]string{"store_id"},
	)

	// IngestDropped counts chunks dropped under backpressure.
	IngestDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_ingest_dropped_total",
			Help: "Chunks dropped by the ingester under backpressure",
		},
		[]string{"store_id"},
	)
)

// Timer measures one operation for a nanosecond histogram.
type Timer struct {
	start time.Time
	hist  prometheus.Observer
}

// NewTimer starts timing against the given observer.
func NewTimer(hist prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), hist: hist}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.hist.Observe(float64(d.Nanoseconds()))
	return d
}

// ThroughputTracker accumulates a row count for periodic rate reporting.
type ThroughputTracker struct {
	mu    sync.Mutex
	count int64
	since time.Time
}

// NewThroughputTracker returns a tracker starting now.
func NewThroughputTracker() *ThroughputTracker {
	return &ThroughputTracker{since: time.Now()}
}

// Add records n rows.
func (t *ThroughputTracker) Add(n int64) {
	t.mu.Lock()
	t.count += n
	t.mu.Unlock()
}

// RateAndReset returns rows per second since the last reset, then resets.
func (t *ThroughputTracker) RateAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(t.count) / elapsed
	t.count = 0
	t.since = time.Now()
	return rate
}
