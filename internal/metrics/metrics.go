package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_provider_request_duration_seconds",
			Help:    "Duration of payment provider API calls, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	PreferencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_preferences_total",
			Help: "Payment preferences requested, by result",
		},
		[]string{"result"},
	)

	ReconcileOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_outcomes_total",
			Help: "Reconciliation attempts by confirmation source and outcome",
		},
		[]string{"source", "outcome"},
	)

	CandidateSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_candidate_skips_total",
			Help: "Candidates skipped during reconciliation, by reason",
		},
		[]string{"reason"},
	)

	OrphanPaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_orphan_payments_total",
			Help: "Approved payments whose donation was already closed, by donation status",
		},
		[]string{"status"},
	)

	PointsAwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "points_awarded_total",
			Help: "Points credited to donors for approved monetary donations",
		},
	)
)

// Register registers all collectors on reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(HTTPRequestsTotal)
	reg.MustRegister(HTTPRequestDuration)
	reg.MustRegister(ProviderRequestDuration)
	reg.MustRegister(PreferencesTotal)
	reg.MustRegister(ReconcileOutcomesTotal)
	reg.MustRegister(CandidateSkipsTotal)
	reg.MustRegister(OrphanPaymentsTotal)
	reg.MustRegister(PointsAwardedTotal)
}
