// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinel_verdicts_total",
	Help: "Moderation verdicts returned, by action and category",
}, []string{"action", "category"})

var VerdictErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinel_verdict_errors_total",
	Help: "Moderation requests that could not produce a classified verdict",
}, []string{"reason"})

var ClassifierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "sentinel_classifier_duration_seconds",
	Help:    "Latency of classifier calls",
	Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
}, []string{"outcome"})

var IncidentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinel_incidents_total",
	Help: "Incident writes, by whether a new row was stored or an existing one returned",
}, []string{"result"})

var IncidentPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sentinel_incident_persist_failures_total",
	Help: "Verdicts whose incident could not be persisted",
})

var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinel_chain_status_transitions_total",
	Help: "Chain status transition attempts, by result",
}, []string{"from", "to", "result"})

var Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinel_submissions_total",
	Help: "Ledger submission attempts, by outcome",
}, []string{"outcome"})

var SubmissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sentinel_submission_duration_seconds",
	Help:    "Latency of ledger submission calls",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
})

var Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinel_confirmations_total",
	Help: "Confirmation checks of submitted incidents, by ledger status",
}, []string{"status"})

var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sentinel_submission_queue_depth",
	Help: "Incidents waiting in the submission queue",
})

var QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sentinel_submission_queue_dropped_total",
	Help: "Enqueue attempts dropped because the queue was full",
})
