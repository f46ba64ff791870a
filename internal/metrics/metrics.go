// Package metrics provides Prometheus metrics for the conectl controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts inbound heartbeat frames by outcome.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conectl_heartbeat_frames_total",
		Help: "Total inbound heartbeat frames, by outcome (ok/malformed).",
	}, []string{"outcome"})

	// TouchesTotal counts touch reports by attribution outcome.
	TouchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conectl_touches_total",
		Help: "Total touch reports, by attribution outcome.",
	}, []string{"outcome"})

	// CommandsTotal counts commands written to cones by kind and result.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conectl_commands_total",
		Help: "Total commands sent to cones, by command and result.",
	}, []string{"cmd", "result"})

	// SessionsCompletedTotal counts session terminations by final status.
	SessionsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conectl_sessions_completed_total",
		Help: "Total sessions reaching a terminal state, by status.",
	}, []string{"status"})

	// RunsCompletedTotal counts run terminations by final status.
	RunsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conectl_runs_completed_total",
		Help: "Total athlete runs reaching a terminal state, by status.",
	}, []string{"status"})

	// StoreRetriesTotal counts transient-lock retries on the store.
	StoreRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conectl_store_retries_total",
		Help: "Total retried store operations after a transient lock.",
	})

	// DroppedTouchesTotal counts touches dropped by the dispatch queue.
	DroppedTouchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conectl_dropped_touches_total",
		Help: "Total touch reports dropped because the dispatch queue was full.",
	})

	// NodesOnline tracks cones with a live connection.
	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conectl_nodes_online",
		Help: "Current number of cones with a live heartbeat connection.",
	})

	// ActiveRuns tracks runs currently in the running state.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conectl_active_runs",
		Help: "Current number of athlete runs in the running state.",
	})
)

// RecordFrame increments the frame counter.
func RecordFrame(outcome string) {
	FramesTotal.WithLabelValues(outcome).Inc()
}

// RecordTouch increments the touch counter for the given outcome.
func RecordTouch(outcome string) {
	TouchesTotal.WithLabelValues(outcome).Inc()
}

// RecordCommand increments the command counter.
func RecordCommand(cmd, result string) {
	CommandsTotal.WithLabelValues(cmd, result).Inc()
}

// RecordSessionEnd increments the session terminal-state counter.
func RecordSessionEnd(status string) {
	SessionsCompletedTotal.WithLabelValues(status).Inc()
}

// RecordRunEnd increments the run terminal-state counter.
func RecordRunEnd(status string) {
	RunsCompletedTotal.WithLabelValues(status).Inc()
}
