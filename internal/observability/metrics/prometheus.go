// Package metrics provides Prometheus metrics for the prescription
// lifecycle engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's metric set.
type Metrics struct {
	RequestsSubmitted    *prometheus.CounterVec
	AssignmentFallbacks  prometheus.Counter
	ReviewsCompleted     *prometheus.CounterVec
	PrescriptionsIssued  prometheus.Counter
	Verifications        *prometheus.CounterVec
	Dispenses            *prometheus.CounterVec
	ReferenceCacheMisses prometheus.Counter
	ProcessingDuration   prometheus.Histogram
	OutboxPending        prometheus.Gauge
	NotificationsRelayed prometheus.Counter
}

// New creates and registers the metric set. Call once per process.
func New() *Metrics {
	m := &Metrics{
		RequestsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_requests_submitted_total",
			Help: "Prescription requests accepted, by triage category",
		}, []string{"category"}),
		AssignmentFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewer_assignment_fallbacks_total",
			Help: "Requests left unassigned for broadcast pickup",
		}),
		ReviewsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_reviews_total",
			Help: "Review decisions recorded, by action",
		}, []string{"action"}),
		PrescriptionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_issued_total",
			Help: "Signed prescriptions issued",
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_verifications_total",
			Help: "Verification attempts, by outcome reason",
		}, []string{"reason"}),
		Dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_dispenses_total",
			Help: "Dispense attempts, by outcome reason",
		}, []string{"reason"}),
		ReferenceCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drug_reference_cache_misses_total",
			Help: "Drug reference lookups that fell through to the store",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "request_processing_duration_seconds",
			Help:    "Intake processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_outbox_pending",
			Help: "Notification outbox entries awaiting relay",
		}),
		NotificationsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_relayed_total",
			Help: "Notifications relayed to the broker",
		}),
	}

	prometheus.MustRegister(
		m.RequestsSubmitted,
		m.AssignmentFallbacks,
		m.ReviewsCompleted,
		m.PrescriptionsIssued,
		m.Verifications,
		m.Dispenses,
		m.ReferenceCacheMisses,
		m.ProcessingDuration,
		m.OutboxPending,
		m.NotificationsRelayed,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
