package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the process metrics. Registration happens once at
// construction; a second NewCollector with the same registerer panics, so
// tests construct against their own registry.
type Collector struct {
	UpstreamCallsTotal  prometheus.Counter
	UpstreamErrorsTotal *prometheus.CounterVec
	UpstreamCallBudget  prometheus.Gauge
	BackoffMultiplier   prometheus.Gauge

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	StaleServesTotal prometheus.Counter
	SnapshotCount    prometheus.Gauge

	CollectionDuration  prometheus.Histogram
	RecordsWrittenTotal *prometheus.CounterVec

	SecondaryWriteFailuresTotal prometheus.Counter
	ReconcileDrift              *prometheus.GaugeVec
	PoolConnections             *prometheus.GaugeVec

	SessionsOpenedTotal prometheus.Counter
	SessionsClosedTotal prometheus.Counter
}

// NewCollector registers the metric set with reg under the given namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		UpstreamCallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Total live calls made to the vehicle API",
		}),
		UpstreamErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream call failures by error kind",
		}, []string{"kind"}),
		UpstreamCallBudget: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_call_budget_remaining",
			Help:      "Remaining API calls in the current daily budget",
		}),
		BackoffMultiplier: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_multiplier",
			Help:      "Current fetch interval backoff multiplier",
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Fetches served from a valid cached snapshot",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Fetches requiring a live upstream call",
		}),
		StaleServesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_serves_total",
			Help:      "Fetches that fell back to a stale snapshot after upstream failure",
		}),
		SnapshotCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_count",
			Help:      "Snapshots currently retained on disk",
		}),

		CollectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "End-to-end duration of one collection tick",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RecordsWrittenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Records persisted by entity family",
		}, []string{"family"}),

		SecondaryWriteFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secondary_write_failures_total",
			Help:      "Best-effort secondary writes that failed",
		}),
		ReconcileDrift: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_records",
			Help:      "Records present on exactly one storage side, by family and side",
		}, []string{"family", "missing_in"}),
		PoolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections",
			Help:      "Relational connection pool state",
		}, []string{"state"}),

		SessionsOpenedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charging_sessions_opened_total",
			Help:      "Charging sessions started by the tracker",
		}),
		SessionsClosedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charging_sessions_closed_total",
			Help:      "Charging sessions finalized by the tracker",
		}),
	}
}

// Default returns a collector registered with the global Prometheus
// registry.
func Default(namespace string) *Collector {
	return NewCollector(namespace, prometheus.DefaultRegisterer)
}
