// Package metrics provides Prometheus metrics for the worker pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smazurov/clusterd/internal/events"
)

const namespace = "clusterd"

// Phases reported by the phase gauge.
var phases = []string{"filling", "steady", "rolling_restart", "shutting_down", "terminated"}

var (
	workersForked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "forked_total",
		Help:      "Worker processes started",
	})

	workerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "exits_total",
		Help:      "Worker exits by reason",
	}, []string{"reason"})

	workerRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "respawns_total",
		Help:      "Worker exits followed by a replacement",
	})

	forcedKills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "forced_kills_total",
		Help:      "Workers force-killed after their grace period",
	})

	launchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "launch_failures_total",
		Help:      "Failed worker launches",
	})

	rollingRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "rolling_restarts_total",
		Help:      "Rolling restarts started",
	})

	supervisorPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "phase",
		Help:      "Current supervisor phase, 1 for the active one",
	}, []string{"phase"})
)

// Exit reasons.
const (
	ReasonUnsolicited = "unsolicited"
	ReasonRequested   = "requested"
)

// RecordFork counts a started worker.
func RecordFork() {
	workersForked.Inc()
}

// RecordExit counts a worker exit.
func RecordExit(expected, respawn bool) {
	reason := ReasonUnsolicited
	if expected {
		reason = ReasonRequested
	}
	workerExits.WithLabelValues(reason).Inc()
	if respawn {
		workerRespawns.Inc()
	}
}

// RecordForcedKill counts a worker killed after its grace period.
func RecordForcedKill() {
	forcedKills.Inc()
}

// RecordLaunchFailure counts a failed launch.
func RecordLaunchFailure() {
	launchFailures.Inc()
}

// SetPhase marks phase as the active supervisor phase.
func SetPhase(phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		supervisorPhase.WithLabelValues(p).Set(v)
	}
	if phase == "rolling_restart" {
		rollingRestarts.Inc()
	}
}

// Attach records metrics for every lifecycle event published on bus.
// The returned function detaches.
func Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.WorkerStateChangedEvent) {
			if e.OldState == "" {
				RecordFork()
			}
		}),
		bus.Subscribe(func(e events.WorkerExitedEvent) {
			RecordExit(e.Expected, e.Respawn)
		}),
		bus.Subscribe(func(events.WorkerForceKilledEvent) {
			RecordForcedKill()
		}),
		bus.Subscribe(func(events.WorkerLaunchFailedEvent) {
			RecordLaunchFailure()
		}),
		bus.Subscribe(func(e events.PhaseChangedEvent) {
			SetPhase(e.NewPhase)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
