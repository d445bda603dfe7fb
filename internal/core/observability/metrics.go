// Package observability holds the Prometheus collectors shared by the index
// components. Collectors exist from package init so observations never fail;
// Init registers them with the registry that gets exposed.
package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileindex_store_ops_total",
			Help: "Key-value store operations by backend, op and result.",
		},
		[]string{"backend", "op", "result"},
	)

	storeOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileindex_store_op_duration_seconds",
			Help:    "Latency of key-value store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"backend", "op"},
	)

	blobOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileindex_blob_ops_total",
			Help: "Blob store operations by backend, op and result.",
		},
		[]string{"backend", "op", "result"},
	)

	blobOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileindex_blob_op_duration_seconds",
			Help:    "Latency of blob store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"backend", "op"},
	)

	blobCacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileindex_blob_cache_results_total",
			Help: "Blob read cache results by outcome.",
		},
		[]string{"outcome"},
	)

	querySubqueries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tileindex_query_subqueries",
			Help:    "Number of tile sub-queries a bounding box query expands into.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileindex_query_duration_seconds",
			Help:    "End to end bounding box query latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"result"},
	)

	batchUnprocessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileindex_batch_unprocessed_total",
			Help: "Items a batch operation could not process.",
		},
		[]string{"op"},
	)

	changeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileindex_change_events_total",
			Help: "Change events by operation and publish result.",
		},
		[]string{"op", "result"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileindex_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

var initOnce sync.Once

// Init registers every collector with reg. Only the first call has effect.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	initOnce.Do(func() {
		reg.MustRegister(
			httpRequestsTotal,
			httpRequestDurationSeconds,
			storeOpsTotal,
			storeOpDurationSeconds,
			blobOpsTotal,
			blobOpDurationSeconds,
			blobCacheResults,
			querySubqueries,
			queryDurationSeconds,
			batchUnprocessedTotal,
			changeEventsTotal,
			buildInfo,
		)
	})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveStoreOp(backend, op string, err error, durationSeconds float64) {
	storeOpsTotal.WithLabelValues(backend, op, result(err)).Inc()
	storeOpDurationSeconds.WithLabelValues(backend, op).Observe(durationSeconds)
}

func ObserveBlobOp(backend, op string, err error, durationSeconds float64) {
	blobOpsTotal.WithLabelValues(backend, op, result(err)).Inc()
	blobOpDurationSeconds.WithLabelValues(backend, op).Observe(durationSeconds)
}

func IncBlobCacheHit()  { blobCacheResults.WithLabelValues("hit").Inc() }
func IncBlobCacheMiss() { blobCacheResults.WithLabelValues("miss").Inc() }

func ObserveQuery(subqueries int, err error, durationSeconds float64) {
	querySubqueries.Observe(float64(subqueries))
	queryDurationSeconds.WithLabelValues(result(err)).Observe(durationSeconds)
}

func AddBatchUnprocessed(op string, n int) {
	if n <= 0 {
		return
	}
	batchUnprocessedTotal.WithLabelValues(op).Add(float64(n))
}

func IncChangeEvent(op, res string) {
	changeEventsTotal.WithLabelValues(op, res).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
