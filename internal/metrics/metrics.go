// Package metrics defines the Prometheus collectors the core exposes.
// Grounded on the pack's prometheus/client_golang usage (counters and
// histograms built with prometheus.New* and registered explicitly), but
// deliberately avoids the default global registry: bootstrap constructs one
// *Set, registers it against a private prometheus.Registry, and passes the
// *Set by reference into the session registry, task engine, fragment
// reassembler and scheduler (listeners take none) — no package-level
// mutable state beyond what the Prometheus client itself requires
// internally.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every collector the core publishes.
type Set struct {
	Registry *prometheus.Registry

	ChecksumFailures     prometheus.Counter
	ProtocolDesyncs      prometheus.Counter
	BackpressureDrops    prometheus.Counter
	ActiveSessions       *prometheus.GaugeVec // labeled by session state
	ActiveFragmentSets   prometheus.Gauge
	TaskStateTransitions *prometheus.CounterVec // labeled by target state
}

// New builds a Set and registers every collector against a fresh private
// registry.
func New() *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		Registry: reg,
		ChecksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "fragment",
			Name:      "checksum_failures_total",
			Help:      "Fragments dropped for failing their one's-complement checksum.",
		}),
		ProtocolDesyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "session",
			Name:      "protocol_desyncs_total",
			Help:      "Sessions closed after three consecutive framing/crypto failures.",
		}),
		BackpressureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "session",
			Name:      "backpressure_drops_total",
			Help:      "Outbound sends rejected because a session's queue was full.",
		}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "session",
			Name:      "active",
			Help:      "Currently known agent sessions, by lifecycle state.",
		}, []string{"state"}),
		ActiveFragmentSets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "fragment",
			Name:      "inflight_sets",
			Help:      "Fragment sets currently awaiting completion.",
		}),
		TaskStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "task",
			Name:      "state_transitions_total",
			Help:      "Task state transitions, by the state reached.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		s.ChecksumFailures,
		s.ProtocolDesyncs,
		s.BackpressureDrops,
		s.ActiveSessions,
		s.ActiveFragmentSets,
		s.TaskStateTransitions,
	)
	return s
}
