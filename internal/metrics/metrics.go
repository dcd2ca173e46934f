// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "crmq",
	Subsystem: "poller",
	Name:      "jobs_claimed_total",
	Help:      "Count of jobs claimed from the store",
})

var ClaimErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "crmq",
	Subsystem: "poller",
	Name:      "claim_errors_total",
	Help:      "Count of poll ticks aborted by a claim failure",
})

var ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "crmq",
	Subsystem: "poller",
	Name:      "active_jobs",
	Help:      "Jobs currently executing in this process",
})

// JobOutcomes counts dispatch results by backend and outcome
// (success, requeued, failed, load_error).
var JobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "crmq",
	Subsystem: "dispatch",
	Name:      "job_outcomes_total",
	Help:      "Count of dispatched jobs by backend and outcome",
}, []string{"backend", "outcome"})

// WriterErrors counts writer failures by backend and error kind.
var WriterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "crmq",
	Subsystem: "dispatch",
	Name:      "writer_errors_total",
	Help:      "Count of writer failures by backend and error kind",
}, []string{"backend", "kind"})

var WriterDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "crmq",
	Subsystem: "dispatch",
	Name:      "writer_duration_seconds",
	Help:      "Duration of writer invocations",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
}, []string{"backend"})

var EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "crmq",
	Subsystem: "events",
	Name:      "dropped_total",
	Help:      "Events not delivered to a subscriber whose buffer was full",
})
