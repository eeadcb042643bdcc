// Package metrics exposes Prometheus collectors mirroring the teacher's
// hand-rolled DHTMetrics struct (kernel/core/mesh/routing/dht.go) through a
// real instrumentation library (SPEC_FULL.md §4.11).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every gauge/counter a node updates during crawling and
// maintenance.
type Registry struct {
	reg *prometheus.Registry

	ReplicaCount      *prometheus.GaugeVec
	LookupLatency     prometheus.Histogram
	CrawlRoundsTotal  *prometheus.CounterVec
	StoreRecords      *prometheus.GaugeVec
	MaintenanceCycles prometheus.Counter
	RPCFailuresTotal  *prometheus.CounterVec
}

// New constructs a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ReplicaCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kadefs_replica_count",
			Help: "Number of peers currently known to hold a given key.",
		}, []string{"kind"}),
		LookupLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kadefs_lookup_latency_seconds",
			Help:    "Wall-clock duration of a spider crawl from start to termination.",
			Buckets: prometheus.DefBuckets,
		}),
		CrawlRoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kadefs_crawl_rounds_total",
			Help: "Number of crawler rounds executed, by strategy.",
		}, []string{"strategy"}),
		StoreRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kadefs_store_records",
			Help: "Number of locally held records, by kind and integrity state.",
		}, []string{"kind", "integrity"}),
		MaintenanceCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "kadefs_maintenance_cycles_total",
			Help: "Number of completed maintenance loop cycles.",
		}),
		RPCFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kadefs_rpc_failures_total",
			Help: "RPC failures observed by callers, by method.",
		}, []string{"method"}),
	}
}

// Handler returns the HTTP handler to mount on an optional debug listener.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
