// Package metrics collects the prometheus series shared across the
// sender, connection, scheduler and pacer packages. The pattern —
// package-level collectors registered once, labelled by connection or
// interval — mirrors rafthttp's sentFailures counter in the teacher
// repo (etcdserver/api/rafthttp/peer.go references a metrics.go with
// exactly this shape).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SendFailures counts send attempts that did not go out: producer
	// under-run, no write credit, or no peer buffer space.
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsbuilder",
		Subsystem: "sender",
		Name:      "send_failures_total",
		Help:      "Total number of timeslice send attempts deferred by producer under-run or peer backpressure.",
	}, []string{"conn"})

	// CreditExhausted counts times write_request_available() was false.
	CreditExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsbuilder",
		Subsystem: "connection",
		Name:      "credit_exhausted_total",
		Help:      "Total number of times a connection had no write credit available.",
	}, []string{"conn"})

	// AckLatencySeconds observes the time between transmit and the local
	// RDMA write completion (rdma-acked) for a timeslice.
	AckLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tsbuilder",
		Subsystem: "connection",
		Name:      "ack_latency_seconds",
		Help:      "Latency between timeslice transmit and its RDMA write completion.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"conn"})

	// IntervalDriftSeconds observes actual_duration - proposed_duration
	// per completed interval, positive meaning the interval ran long.
	IntervalDriftSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tsbuilder",
		Subsystem: "scheduler",
		Name:      "interval_drift_seconds",
		Help:      "actual_duration minus proposed_duration for each completed interval.",
		Buckets:   []float64{-1, -0.5, -0.1, 0, 0.1, 0.5, 1, 5},
	}, []string{"target"})

	// ReassignedTimeslices counts timeslices moved off a connection
	// declared failed.
	ReassignedTimeslices = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsbuilder",
		Subsystem: "timeslicemgr",
		Name:      "reassigned_timeslices_total",
		Help:      "Total number of timeslices reassigned away from a failed connection.",
	}, []string{"from_conn"})

	// RingUsedFraction reports the fraction of desc/data ring capacity
	// currently occupied, per report_status (spec §4.F step 3).
	RingUsedFraction = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tsbuilder",
		Subsystem: "sender",
		Name:      "ring_used_fraction",
		Help:      "Fraction of ring capacity currently used, sending, freeing or free.",
	}, []string{"ring", "state"})
)

// MustRegister registers all collectors with reg. Call once per process.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		SendFailures,
		CreditExhausted,
		AckLatencySeconds,
		IntervalDriftSeconds,
		ReassignedTimeslices,
		RingUsedFraction,
	)
}
