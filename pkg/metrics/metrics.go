// Package metrics registers the cdn_ namespaced Prometheus collectors
// shared by every component, following the teacher's promauto-based
// registration idiom in pkg/api/prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cdn"

// Metrics bundles every collector the pipeline updates. Construct one per
// process with New and pass it down to the cache, breaker manager, rate
// limiter, coalescer and pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheStale     *prometheus.CounterVec
	CacheEvictions prometheus.Counter
	CacheSizeBytes prometheus.Gauge
	CacheEntries   prometheus.Gauge

	OriginRequests     *prometheus.CounterVec
	OriginErrors       *prometheus.CounterVec
	OriginLatencySecs  *prometheus.HistogramVec

	BreakerState      *prometheus.GaugeVec
	BreakerTrips      *prometheus.CounterVec

	RateLimitRejected prometheus.Counter

	CoalescedWaiters prometheus.Counter

	RequestsTotal    *prometheus.CounterVec
	RequestDurations *prometheus.HistogramVec
	BytesServed      *prometheus.CounterVec
}

// New creates a fresh registry and registers every collector on it. Each
// process should construct exactly one Metrics and reuse it everywhere,
// since promauto panics on duplicate registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Cache lookups served from an entry, fresh or within its stale window.",
		}, []string{"origin"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "Cache lookups with no usable entry.",
		}, []string{"origin"}),
		CacheStale: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_stale_total", Help: "Cache lookups served stale (revalidate or error window).",
		}, []string{"origin", "reason"}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_evictions_total", Help: "Entries evicted to stay under the size budget.",
		}),
		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_size_bytes", Help: "Current total size of cached entries.",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_entries", Help: "Current number of cached entries.",
		}),

		OriginRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "origin_requests_total", Help: "Requests sent upstream to an origin.",
		}, []string{"origin", "status"}),
		OriginErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "origin_errors_total", Help: "Requests to an origin that failed.",
		}, []string{"origin", "reason"}),
		OriginLatencySecs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "origin_latency_seconds", Help: "Origin round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"origin"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state", Help: "0=closed 1=half-open 2=open.",
		}, []string{"origin"}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_breaker_trips_total", Help: "Transitions into the open state.",
		}, []string{"origin"}),

		RateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_rejected_total", Help: "Requests rejected by the token bucket limiter.",
		}),

		CoalescedWaiters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "coalesced_waiters_total", Help: "Requests that joined an in-flight origin fetch instead of issuing their own.",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Proxied requests by origin, status and cache status.",
		}, []string{"origin", "status", "cache_status"}),
		RequestDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds", Help: "End-to-end request handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		BytesServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_served_total", Help: "Response bytes served to clients, by cache status.",
		}, []string{"cache_status"}),
	}
}
