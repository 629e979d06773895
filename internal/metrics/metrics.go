package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Attention core metrics
	AttentionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_calls_total",
		Help: "Attention core invocations by computation path",
	}, []string{"path"})

	AttentionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attention_duration_seconds",
		Help:    "Attention core execution time by computation path",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	AttentionQueryLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_query_length_tokens",
		Help:    "Distribution of query lengths per forward call",
		Buckets: []float64{1, 2, 4, 16, 64, 256, 1024, 4096},
	})

	ContextLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_context_length_tokens",
		Help:    "Distribution of key lengths (context) per forward call",
		Buckets: []float64{1, 16, 64, 256, 1024, 2048, 4096, 8192, 16384},
	})

	// KV cache metrics
	KVCacheCapacityTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_tokens",
		Help: "Allocated KV cache capacity in time steps",
	})

	KVCacheUsedTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_tokens",
		Help: "Valid time steps currently held in the KV cache",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total allocated KV cache size in bytes (keys + values)",
	})

	KVCacheReallocs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_reallocs_total",
		Help: "Cache buffer reallocations (grow-and-copy events)",
	})

	KVCacheAppendedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_appended_tokens_total",
		Help: "Total time steps appended to KV caches",
	})

	KVCacheAllocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_alloc_failures_total",
		Help: "Cache growth requests rejected by the allocation guard",
	})

	// Shape/validation metrics
	ShapeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shape_errors_total",
		Help: "Shape mismatches by pipeline stage",
	}, []string{"stage"})

	// Numerical health metrics
	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "NaN/Inf values detected in activations",
	}, []string{"tensor", "type"})
)

// RecordAttention records one attention core invocation.
func RecordAttention(path string, queryLen, keyLen int, d time.Duration) {
	AttentionCalls.WithLabelValues(path).Inc()
	AttentionDuration.WithLabelValues(path).Observe(d.Seconds())
	AttentionQueryLength.Observe(float64(queryLen))
	ContextLength.Observe(float64(keyLen))
}

// RecordKVCacheState updates cache occupancy gauges after an append.
func RecordKVCacheState(capacity, used, bytesAllocated int) {
	KVCacheCapacityTokens.Set(float64(capacity))
	KVCacheUsedTokens.Set(float64(used))
	KVCacheCapacityBytes.Set(float64(bytesAllocated))
}

// RecordKVCacheAppend counts appended time steps.
func RecordKVCacheAppend(tokens int) {
	KVCacheAppendedTokens.Add(float64(tokens))
}

// RecordKVCacheRealloc counts one grow-and-copy event.
func RecordKVCacheRealloc() {
	KVCacheReallocs.Inc()
}

// RecordShapeError counts a shape mismatch at the named stage.
func RecordShapeError(stage string) {
	ShapeErrors.WithLabelValues(stage).Inc()
}

// RecordNumericalInstability counts NaN/Inf sightings in a named tensor.
func RecordNumericalInstability(tensor string, nans, infs int) {
	if nans > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nans))
	}
	if infs > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infs))
	}
}
