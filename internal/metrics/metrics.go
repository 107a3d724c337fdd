// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec

	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	RecordsDiscarded prometheus.Counter
	NodesByStatus    *prometheus.GaugeVec
	NetworkHealth    prometheus.Gauge
	SnapshotsWritten prometheus.Counter

	AlertsCreated  *prometheus.CounterVec
	AlertsResolved prometheus.Counter
	ActiveAlerts   prometheus.Gauge

	AnomaliesDetected prometheus.Counter
}

// New registers every collector on reg. Passing a fresh registry keeps tests
// isolated from the default one.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pnode_indexing_cycles_total",
			Help: "Indexing cycles by outcome",
		}, []string{"outcome"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pnode_indexing_cycle_duration_seconds",
			Help:    "Duration of completed indexing cycles",
			Buckets: prometheus.DefBuckets,
		}),

		RecordsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "pnode_records_discarded_total",
			Help: "Raw node records skipped during normalization",
		}),

		NodesByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pnode_nodes",
			Help: "Nodes in the last cycle by status",
		}, []string{"status"}),

		NetworkHealth: f.NewGauge(prometheus.GaugeOpts{
			Name: "pnode_network_health_score",
			Help: "Share of online nodes in the last cycle, 0-100",
		}),

		SnapshotsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pnode_snapshots_written_total",
			Help: "Snapshots appended to the time-series store",
		}),

		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pnode_alerts_created_total",
			Help: "Alerts raised by severity",
		}, []string{"severity"}),

		AlertsResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "pnode_alerts_resolved_total",
			Help: "Alerts resolved automatically or by an operator",
		}),

		ActiveAlerts: f.NewGauge(prometheus.GaugeOpts{
			Name: "pnode_alerts_active",
			Help: "Currently unresolved alerts",
		}),

		AnomaliesDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "anomalies_detected_total",
			Help: "Total number of anomalies detected",
		}),
	}
}

// NewNop returns collectors bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
