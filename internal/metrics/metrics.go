// Package metrics holds the process-wide prometheus collectors for the
// queue and kernel. The export surface (HTTP handler, push, none) is the
// embedding process's concern; this package only registers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the collector registry all deeprun metrics register into.
var Registry = prometheus.NewRegistry()

var (
	// JobClaims counts successful lease claims per node role.
	JobClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deeprun",
		Subsystem: "queue",
		Name:      "job_claims_total",
		Help:      "Run jobs claimed, by node role.",
	}, []string{"role"})

	// JobCompletions counts jobs completed under a held lease.
	JobCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deeprun",
		Subsystem: "queue",
		Name:      "job_completions_total",
		Help:      "Run jobs completed.",
	})

	// JobReleases counts released leases, split by whether the failure
	// was retryable.
	JobReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deeprun",
		Subsystem: "queue",
		Name:      "job_releases_total",
		Help:      "Run jobs released back to the queue or closed failed.",
	}, []string{"retryable"})

	// LeaseExpirations counts orphaned leases the dispatcher reclaimed.
	LeaseExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deeprun",
		Subsystem: "queue",
		Name:      "lease_expirations_total",
		Help:      "Leases that expired and were requeued by the dispatcher.",
	})

	// HeartbeatFailures counts heartbeats rejected because the lease was
	// no longer held.
	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deeprun",
		Subsystem: "queue",
		Name:      "heartbeat_failures_total",
		Help:      "Heartbeats that found the lease lost.",
	})

	// RunsFinished counts terminal run transitions by final status.
	RunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deeprun",
		Subsystem: "kernel",
		Name:      "runs_finished_total",
		Help:      "Runs reaching a terminal status.",
	}, []string{"status"})

	// StepDuration observes per-step wall time by tool.
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deeprun",
		Subsystem: "kernel",
		Name:      "step_duration_seconds",
		Help:      "Step attempt duration, by tool.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"tool"})
)

func init() {
	Registry.MustRegister(
		JobClaims,
		JobCompletions,
		JobReleases,
		LeaseExpirations,
		HeartbeatFailures,
		RunsFinished,
		StepDuration,
	)
}
