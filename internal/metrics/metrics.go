// Package metrics declares the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicecall"

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Committed session state transitions.",
	}, []string{"from", "to"})

	RejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "rejected_transitions_total",
		Help:      "Events that had no edge from the current state.",
	}, []string{"from", "trigger"})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "calls_ended_total",
		Help:      "Calls ended, by reason.",
	}, []string{"reason"})

	CandidatesGathered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ice",
		Name:      "candidates_gathered_total",
		Help:      "Local ICE candidates gathered, by kind.",
	}, []string{"kind"})

	GatherWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ice",
		Name:      "gather_wait_seconds",
		Help:      "Time spent waiting for candidate gathering before sending a description.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"reason"})

	Routes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ice",
		Name:      "selected_routes_total",
		Help:      "Connected sessions by selected candidate pair route.",
	}, []string{"route"})

	SyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "send_failures_total",
		Help:      "Failed state-sync sends.",
	})

	SignalMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "messages_total",
		Help:      "Signaling messages by direction and type.",
	}, []string{"direction", "type"})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "online_users",
		Help:      "Users with an open signaling connection.",
	})
)
