// Package metrics holds the process-wide Prometheus collectors for the
// transport engine. Per-CPU /proc exposure is explicitly out of scope
// (spec.md §1); this is ordinary host-level instrumentation of the kind
// runZeroInc-conniver and nabbar-golib register with client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every collector the engine touches. A zero-value
// Registry is unusable; build one with NewRegistry.
type Registry struct {
	GrantsIssued       prometheus.Counter
	RetransmitsSent    prometheus.Counter
	RPCsTimedOut       prometheus.Counter
	RPCStateTransition *prometheus.CounterVec
	TotalIncomingBytes prometheus.Gauge
	PacerQueueNs       prometheus.Gauge
	ThrottledMessages  prometheus.Gauge
}

// NewRegistry creates and registers every collector on reg. Passing
// prometheus.NewRegistry() in tests keeps collectors from leaking across
// table-driven subtests that build more than one transport.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		GrantsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "grants_issued_total",
			Help:      "GRANT packets emitted by the grant scheduler.",
		}),
		RetransmitsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "retransmits_sent_total",
			Help:      "DATA segments retransmitted in response to a RESEND.",
		}),
		RPCsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "rpcs_timed_out_total",
			Help:      "RPCs aborted by the timer after exhausting their resend budget.",
		}),
		RPCStateTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "rpc_state_transitions_total",
			Help:      "RPC state machine transitions, labeled by destination state.",
		}, []string{"state"}),
		TotalIncomingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "homa",
			Name:      "grant_total_incoming_bytes",
			Help:      "Sum of granted-but-not-received bytes across active incoming RPCs.",
		}),
		PacerQueueNs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "homa",
			Name:      "pacer_queue_ns",
			Help:      "Estimated NIC transmit queue occupancy, in nanoseconds.",
		}),
		ThrottledMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "homa",
			Name:      "pacer_throttled_messages",
			Help:      "Messages currently parked on the pacer's throttled list.",
		}),
	}
	reg.MustRegister(
		m.GrantsIssued,
		m.RetransmitsSent,
		m.RPCsTimedOut,
		m.RPCStateTransition,
		m.TotalIncomingBytes,
		m.PacerQueueNs,
		m.ThrottledMessages,
	)
	return m
}
