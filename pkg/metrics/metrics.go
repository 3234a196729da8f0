package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TileRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_requests_total",
		Help: "Total number of tile requests by outcome",
	}, []string{"outcome"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_cache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_cache_misses_total",
		Help: "Total number of cache misses",
	}, []string{"cache"})

	CacheStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_cache_stores_total",
		Help: "Total number of cache store operations by result",
	}, []string{"cache", "result"})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_cache_errors_total",
		Help: "Total number of cache errors",
	}, []string{"cache", "operation"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_cache_evictions_total",
		Help: "Total number of tiles removed by the background sweep",
	}, []string{"cache", "reason"})

	CacheSweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tms_cache_sweep_duration_seconds",
		Help:    "Duration of background cache sweeps in seconds",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
	}, []string{"cache"})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_upstream_requests_total",
		Help: "Total number of upstream tile requests by result",
	}, []string{"set", "result"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tms_upstream_latency_seconds",
		Help:    "Latency of upstream tile fetches until response headers in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"set"})

	ClientDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tms_client_disconnects_total",
		Help: "Total number of clients that went away while a tile was streamed",
	})
)
