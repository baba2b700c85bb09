// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "canhub"

// Metrics bundles every collector the pipeline updates.
type Metrics struct {
	FramesTotal   *prometheus.CounterVec
	DecodedTotal  *prometheus.CounterVec
	BlockedTotal  *prometheus.CounterVec
	EventsTotal   *prometheus.CounterVec
	DroppedTotal  *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	CommandsTotal *prometheus.CounterVec
	BridgedTotal  *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "frames_total",
			Help:      "Raw frames received per channel.",
		}, []string{"channel"}),
		DecodedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "messages_total",
			Help:      "Successfully decoded messages per protocol.",
		}, []string{"protocol"}),
		BlockedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "blocked_total",
			Help:      "Frames blocked before decode, by reason.",
		}, []string{"reason"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Diagnostic and security events emitted, by kind.",
		}, []string{"kind"}),
		DroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "dropped_total",
			Help:      "Frames evicted from full queues, by tier.",
		}, []string{"tier"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "queue_depth",
			Help:      "Current queued frames per tier.",
		}, []string{"tier"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encode",
			Name:      "commands_total",
			Help:      "Outbound commands by result.",
		}, []string{"result"}),
		BridgedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "updates_total",
			Help:      "Entity updates produced per source protocol.",
		}, []string{"protocol"}),
	}
}
