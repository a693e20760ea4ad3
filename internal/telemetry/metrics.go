package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of Prometheus collectors exposed on /metrics.
type Metrics struct {
	BusOverflow        *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	CommandsInFlight   *prometheus.GaugeVec
	CommandsCompleted  *prometheus.CounterVec
	HistoryOverflow    prometheus.Counter
	PersistenceFailed  *prometheus.CounterVec
	AdapterReconnects  *prometheus.CounterVec
}

// NewMetrics builds and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BusOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_eventbus_overflow_total",
			Help: "Events dropped from a subscriber mailbox because it was full.",
		}, []string{"topic"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubd_command_queue_depth",
			Help: "Current number of commands queued per protocol.",
		}, []string{"protocol"}),
		CommandsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubd_commands_in_flight",
			Help: "Commands currently being dispatched to an adapter.",
		}, []string{"protocol"}),
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_commands_completed_total",
			Help: "Commands that reached a terminal state.",
		}, []string{"protocol", "outcome"}),
		HistoryOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubd_history_overflow_total",
			Help: "History records dropped because the buffered ring was full.",
		}),
		PersistenceFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_persistence_failed_total",
			Help: "Writes that exhausted retry and were surfaced as persistence/failed.",
		}, []string{"sink"}),
		AdapterReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_adapter_reconnects_total",
			Help: "Adapter session reconnects, by protocol.",
		}, []string{"protocol"}),
	}

	reg.MustRegister(
		m.BusOverflow,
		m.QueueDepth,
		m.CommandsInFlight,
		m.CommandsCompleted,
		m.HistoryOverflow,
		m.PersistenceFailed,
		m.AdapterReconnects,
	)
	return m
}
