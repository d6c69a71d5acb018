// Package metrics exposes the manager's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the manager's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	OrdersProcessed  prometheus.Counter
	OrdersFailed     prometheus.Counter
	ReceiptUpdates   prometheus.Counter
	ReconcileSweeps  prometheus.Counter
	RecoveredOrders  prometheus.Counter
	ScheduledBacklog prometheus.Gauge
	ProcessingTime   prometheus.Histogram
}

// New creates the manager's collectors, registered alongside the standard
// process and Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		OrdersProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "workorder_processed_total",
			Help: "Work orders processed to a terminal response.",
		}),
		OrdersFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "workorder_failed_total",
			Help: "Work orders whose response reports failure.",
		}),
		ReceiptUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "workorder_receipt_updates_total",
			Help: "Receipt updates appended.",
		}),
		ReconcileSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "workorder_reconcile_sweeps_total",
			Help: "Boot and periodic reconcile sweeps executed.",
		}),
		RecoveredOrders: factory.NewCounter(prometheus.CounterOpts{
			Name: "workorder_recovered_total",
			Help: "Work orders re-queued by crash recovery.",
		}),
		ScheduledBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workorder_scheduled_backlog",
			Help: "Work orders currently waiting in the scheduled queue.",
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workorder_processing_seconds",
			Help:    "Wall time spent processing a single work order.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
