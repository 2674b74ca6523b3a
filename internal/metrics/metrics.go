// Package metrics exposes Prometheus instrumentation for the egress
// daemon: per-client queue/bucket gauges, RTO, callback fire counts,
// and the background worker pool's queue health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "egress_queue_depth",
		Help: "Current priority queue depth for a client",
	}, []string{"agent_id"})

	CategoryTokens = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "egress_category_tokens",
		Help: "Current token count for a client's category bucket",
	}, []string{"agent_id", "category"})

	ClientRootRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "egress_client_root_rate_bytes",
		Help: "Current requested drip rate of a client's root bucket, in bytes/sec",
	}, []string{"agent_id"})

	RTOMillis = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "egress_rto_milliseconds",
		Help: "Current retransmission timeout for a client",
	}, []string{"agent_id"})

	PacketsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_packets_dispatched_total",
		Help: "Total packets dispatched to the send sink",
	}, []string{"agent_id", "category"})

	PacketsRequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_packets_requeued_total",
		Help: "Total packets re-enqueued at a higher priority after a bucket check failed",
	}, []string{"agent_id", "category"})

	QueueEmptyFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_queue_empty_fires_total",
		Help: "Total times the queue-empty callback fired",
	}, []string{"agent_id"})

	QueueEmptyNumPackets = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "egress_queue_empty_num_packets",
		Help:    "Distribution of the dampened num_packets value requested per queue-empty fire",
		Buckets: []float64{20, 50, 100, 200, 500, 1000},
	})

	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "egress_worker_queue_depth",
		Help: "Current number of tasks waiting in the background executor's queue",
	})

	WorkerQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "egress_worker_queue_capacity",
		Help: "Maximum capacity of the background executor's task queue",
	})

	WorkerDroppedTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "egress_worker_dropped_tasks_total",
		Help: "Total tasks dropped because the background executor's queue was full",
	})

	FleetActiveClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "egress_fleet_active_clients",
		Help: "Current number of admitted clients in the fleet manager",
	})

	FleetRejectedConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_fleet_rejected_connects_total",
		Help: "Total connection attempts rejected by the admission-control guard",
	}, []string{"reason"})

	FleetCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "egress_fleet_cpu_percent",
		Help: "Most recently sampled CPU usage percent used for admission control",
	})
)

func init() {
	prometheus.MustRegister(
		QueueDepth, CategoryTokens, ClientRootRate, RTOMillis,
		PacketsDispatched, PacketsRequeued, QueueEmptyFires, QueueEmptyNumPackets,
		WorkerQueueDepth, WorkerQueueCapacity, WorkerDroppedTasks,
		FleetActiveClients, FleetRejectedConnects, FleetCPUPercent,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
