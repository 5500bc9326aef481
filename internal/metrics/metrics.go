// Package metrics registers the Prometheus series this module
// exposes.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of counters/gauges one edge node updates. It is
// constructed once per node and passed down explicitly, same as Config
// and Logger.
type Metrics struct {
	reg *prometheus.Registry

	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	CooperativeHits prometheus.Counter
	OriginFetches   prometheus.Counter

	WritelockWaitSeconds prometheus.Histogram
	WritelockFailures    prometheus.Counter

	PlacementDecisions prometheus.Counter
	VictimSyncMessages prometheus.Counter

	BandwidthBytes *prometheus.CounterVec
}

// New builds a fresh registry scoped to this node (not the global
// default registry, so multiple in-process edges in tests don't clash).
func New(edgeID int) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"edge_id": strconv.Itoa(edgeID)}

	m := &Metrics{
		reg: reg,
		CacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edgecache_cache_hits_total", ConstLabels: constLabels,
		}),
		CacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edgecache_cache_misses_total", ConstLabels: constLabels,
		}),
		CacheEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edgecache_cache_evictions_total", ConstLabels: constLabels,
		}),
		CooperativeHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edgecache_cooperative_hits_total", ConstLabels: constLabels,
		}),
		OriginFetches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edgecache_origin_fetches_total", ConstLabels: constLabels,
		}),
		WritelockWaitSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "edgecache_writelock_wait_seconds", ConstLabels: constLabels,
			Buckets: prometheus.DefBuckets,
		}),
		WritelockFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edgecache_writelock_failures_total", ConstLabels: constLabels,
		}),
		PlacementDecisions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edgecache_placement_decisions_total", ConstLabels: constLabels,
		}),
		VictimSyncMessages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edgecache_victim_sync_messages_total", ConstLabels: constLabels,
		}),
		BandwidthBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "edgecache_bandwidth_bytes_total", ConstLabels: constLabels,
		}, []string{"link"}),
	}
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
