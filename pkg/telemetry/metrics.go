package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "switchboard"

var Metrics = struct {
	TasksTotal       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	StreamEvents     *prometheus.CounterVec
	PendingMessages  prometheus.Gauge
	RegisteredAgents prometheus.Gauge
	StorageOps       *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	WSConnections    prometheus.Gauge
}{
	TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Task state changes by side (host/agent) and state.",
	}, []string{"side", "state"}),

	DispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time from dispatching a message until its task is resolved.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"mode"}),

	StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_events_total",
		Help:      "Streaming task events by kind (status/artifact/error).",
	}, []string{"kind"}),

	PendingMessages: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_messages",
		Help:      "Messages awaiting a terminal task.",
	}),

	RegisteredAgents: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registered_agents",
		Help:      "Agents currently in the registry.",
	}),

	StorageOps: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_ops_total",
		Help:      "Persistence operations by op and status.",
	}, []string{"op", "status"}),

	ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total errors by component.",
	}, []string{"component"}),

	WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Number of open event feed websocket connections.",
	}),
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStorage counts one persistence operation.
func ObserveStorage(op string, err error) {
	Metrics.StorageOps.WithLabelValues(op, statusLabel(err)).Inc()
}
