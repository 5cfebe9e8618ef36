package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dreamer_inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "dreamer_inference_duration_seconds",
		Help: "Duration of per-token inference steps",
	})

	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dreamer_prefill_duration_seconds",
		Help:    "Duration of the prompt prefill pass",
		Buckets: prometheus.DefBuckets,
	})

	GPUMemoryActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dreamer_gpu_memory_active_bytes",
		Help: "Bytes currently owned by live tensors",
	})

	GPUMemoryPooled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dreamer_gpu_memory_pooled_bytes",
		Help: "Bytes parked in the buffer pool awaiting reuse",
	})

	GPUMemoryPeak = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dreamer_gpu_memory_peak_bytes",
		Help: "High-water mark of total device allocation",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dreamer_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times by variant",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	DispatchesPerSubmission = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dreamer_dispatches_per_submission",
		Help:    "Number of recorded kernel dispatches collapsed into one queue submission",
		Buckets: []float64{1, 4, 16, 64, 128, 256, 512, 1024},
	})

	SubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dreamer_submissions_total",
		Help: "Total command buffer submissions",
	})

	PoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dreamer_buffer_pool_hits_total",
		Help: "Acquire calls satisfied from the pool",
	})

	PoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dreamer_buffer_pool_misses_total",
		Help: "Acquire calls that allocated new device memory",
	})

	PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dreamer_buffer_pool_evictions_total",
		Help: "Pooled buffers destroyed to stay under the VRAM budget",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dreamer_kv_cache_capacity_bytes",
		Help: "Total capacity of the KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dreamer_kv_cache_used_bytes",
		Help: "Bytes of the KV cache holding live positions",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dreamer_validation_errors_total",
		Help: "Shape/dtype validation failures at kernel boundaries",
	}, []string{"operation", "error_type"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dreamer_numerical_instability_total",
		Help: "NaN/Inf values detected in activations or logits",
	}, []string{"tensor", "type"})

	ShardBytesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dreamer_shard_bytes_loaded_total",
		Help: "Total shard bytes fetched and verified",
	})

	ShardLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dreamer_shard_load_duration_seconds",
		Help:    "Duration of shard fetches by source",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	TuneRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dreamer_autotune_runs_total",
		Help: "Auto-tuner benchmark runs by operation family",
	}, []string{"family"})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	InferenceDuration.Observe(duration.Seconds())
}

func RecordPrefill(duration time.Duration) {
	PrefillDuration.Observe(duration.Seconds())
}

func RecordMemory(active, pooled, peak int64) {
	GPUMemoryActive.Set(float64(active))
	GPUMemoryPooled.Set(float64(pooled))
	GPUMemoryPeak.Set(float64(peak))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordSubmission(dispatches int) {
	SubmissionsTotal.Inc()
	DispatchesPerSubmission.Observe(float64(dispatches))
}

func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordNumericalInstability(tensor string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infCount))
	}
}

func RecordShardLoad(source string, bytes int64, duration time.Duration) {
	ShardBytesLoaded.Add(float64(bytes))
	ShardLoadDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func RecordTuneRun(family string) {
	TuneRuns.WithLabelValues(family).Inc()
}

// TotalTokens returns the process-lifetime generated token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}
