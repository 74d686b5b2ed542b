// Package metrics holds the Prometheus collectors shared by xblob components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. Each instance owns its registration, so
// tests can build as many as they like against private registries.
type Metrics struct {
	registry prometheus.Gatherer

	// Storage node client
	NodeRequests        *prometheus.CounterVec   // xblob_node_requests_total{op,outcome}
	NodeRequestDuration *prometheus.HistogramVec // xblob_node_request_duration_seconds{op}
	NodeRetries         *prometheus.CounterVec   // xblob_node_retries_total{op}
	DegradedNodes       prometheus.Gauge         // xblob_node_degraded

	// Certification
	Writes         *prometheus.CounterVec // xblob_writes_total{outcome}
	WriteDuration  prometheus.Histogram   // xblob_write_duration_seconds
	WriteFallbacks prometheus.Counter     // xblob_write_fallbacks_total

	// Reconstruction
	Reads         *prometheus.CounterVec // xblob_reads_total{outcome}
	ReadDuration  prometheus.Histogram   // xblob_read_duration_seconds
	ReadFallbacks prometheus.Counter     // xblob_read_fallbacks_total
	ReadPath      *prometheus.CounterVec // xblob_read_path_total{path}

	// Lifecycle
	BlobsTracked prometheus.Gauge        // xblob_blobs_tracked
	BlobsRemoved *prometheus.CounterVec  // xblob_blobs_removed_total{reason}
	Reclaims     *prometheus.CounterVec  // xblob_reclaim_advisories_total{outcome}
	Cache        *prometheus.CounterVec  // xblob_cache_lookups_total{result}
	ShardOps     *prometheus.CounterVec  // xblob_storage_node_requests_total{method,status}
	ShardsStored prometheus.Gauge        // xblob_storage_node_shards
}

// New registers all collectors with reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		NodeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_node_requests_total",
			Help: "Storage node requests by operation and outcome",
		}, []string{"op", "outcome"}),
		NodeRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xblob_node_request_duration_seconds",
			Help:    "Storage node request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		NodeRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_node_retries_total",
			Help: "Storage node request retries by operation",
		}, []string{"op"}),
		DegradedNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "xblob_node_degraded",
			Help: "Storage nodes currently over their failure budget",
		}),

		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_writes_total",
			Help: "Certification attempts by outcome",
		}, []string{"outcome"}),
		WriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xblob_write_duration_seconds",
			Help:    "Time from dispatch to certification outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		WriteFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "xblob_write_fallbacks_total",
			Help: "Shard dispatches sent to a fallback node",
		}),

		Reads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_reads_total",
			Help: "Blob reads by outcome",
		}, []string{"outcome"}),
		ReadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xblob_read_duration_seconds",
			Help:    "Time to collect k valid shards and rebuild a blob",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ReadFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "xblob_read_fallbacks_total",
			Help: "Shard fetches sent to a fallback node",
		}),
		ReadPath: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_read_path_total",
			Help: "Reads served from data shards only (systematic) or by decoding",
		}, []string{"path"}),

		BlobsTracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "xblob_blobs_tracked",
			Help: "Blobs with a live lifecycle entry",
		}),
		BlobsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_blobs_removed_total",
			Help: "Lifecycle entries removed by reason",
		}, []string{"reason"}),
		Reclaims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_reclaim_advisories_total",
			Help: "Advisory shard deletions sent to storage nodes",
		}, []string{"outcome"}),
		Cache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_cache_lookups_total",
			Help: "Aggregator blob cache lookups",
		}, []string{"result"}),
		ShardOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xblob_storage_node_requests_total",
			Help: "Shard requests served by this storage node",
		}, []string{"method", "status"}),
		ShardsStored: f.NewGauge(prometheus.GaugeOpts{
			Name: "xblob_storage_node_shards",
			Help: "Shards held by this storage node",
		}),
	}
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
