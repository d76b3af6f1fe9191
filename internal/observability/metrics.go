package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	participationOutcomes *prometheus.CounterVec
	capacityViolations    *prometheus.CounterVec
	rosterSyncFailures    *prometheus.CounterVec
	rosterDriftTotal      *prometheus.CounterVec
	admissionLockWait     prometheus.Histogram
	feedSubscribers       prometheus.Gauge
	feedMessagesTotal     *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the participation API and worker.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "participation_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "participation_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "participation_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		participationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "participation_requests_total",
			Help: "Participation workflow outcomes by operation and result.",
		}, []string{"operation", "outcome"})

		capacityViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "participation_capacity_violations_total",
			Help: "Admission rule violations by kind.",
		}, []string{"kind"})

		rosterSyncFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "participation_roster_sync_failures_total",
			Help: "Roster writes that failed after the ledger change committed.",
		}, []string{"operation"})

		rosterDriftTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "participation_roster_drift_total",
			Help: "Roster entries corrected by reconciliation.",
		}, []string{"direction"})

		admissionLockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "participation_admission_lock_wait_seconds",
			Help:    "Time spent waiting for the per-event admission lock.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		})

		feedSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "participation_feed_subscribers",
			Help: "Active live participation feed subscribers.",
		})

		feedMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "participation_feed_messages_total",
			Help: "Participation change messages published by action.",
		}, []string{"action"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			participationOutcomes,
			capacityViolations,
			rosterSyncFailures,
			rosterDriftTotal,
			admissionLockWait,
			feedSubscribers,
			feedMessagesTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// ParticipationOutcomes counts workflow results, e.g. ("submit", "approved").
func ParticipationOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return participationOutcomes
}

// CapacityViolations counts broken admission rules.
func CapacityViolations() *prometheus.CounterVec {
	RegisterMetrics()
	return capacityViolations
}

// RosterSyncFailures counts roster writes lost after a ledger commit.
func RosterSyncFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return rosterSyncFailures
}

// RosterDrift counts seats added or removed by reconciliation.
func RosterDrift() *prometheus.CounterVec {
	RegisterMetrics()
	return rosterDriftTotal
}

// AdmissionLockWait observes admission lock wait time.
func AdmissionLockWait() prometheus.Histogram {
	RegisterMetrics()
	return admissionLockWait
}

// FeedSubscribersActive tracks open live feed subscriptions.
func FeedSubscribersActive() prometheus.Gauge {
	RegisterMetrics()
	return feedSubscribers
}

// FeedMessagesPublished counts published participation changes.
func FeedMessagesPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return feedMessagesTotal
}
