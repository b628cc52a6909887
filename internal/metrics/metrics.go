package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "horus"

var (
	Registry = prometheus.NewRegistry()

	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Connection state transitions of the realtime channel.",
	}, []string{"state"})

	SessionOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "open",
		Help:      "1 while the realtime channel is open.",
	})

	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "frames_received_total",
		Help:      "Inbound frames decoded successfully.",
	})

	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped because they could not be decoded.",
	})

	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "frames_sent_total",
		Help:      "Outbound frames written, by message type.",
	}, []string{"type"})

	SendRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "refused_total",
		Help:      "Intents refused before transmission, by reason.",
	}, []string{"reason"})

	KeepalivesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "keepalives_skipped_total",
		Help:      "Keepalive ticks suppressed while a WiFi scan was polling.",
	})

	RosterPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "roster",
		Name:      "peers",
		Help:      "Peers in the latest roster snapshot.",
	})

	WorkflowPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "polls_total",
		Help:      "Poll requests issued by the provisioning workflows.",
	}, []string{"workflow", "result"})

	WorkflowOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "outcomes_total",
		Help:      "Terminal states reached by the provisioning workflows.",
	}, []string{"workflow", "state"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionTransitions,
		SessionOpen,
		FramesReceived,
		FramesDropped,
		FramesSent,
		SendRefused,
		KeepalivesSkipped,
		RosterPeers,
		WorkflowPolls,
		WorkflowOutcomes,
	)
}
