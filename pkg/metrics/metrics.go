package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verifications counts finalized verification records by kind (ARCHIVE|XML|QR|NUMBER) and status.
	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinekyc_verifications_total",
			Help: "Total number of finalized verifications",
		},
		[]string{"kind", "status"},
	)

	// VerificationStepDuration measures each pipeline step by audit action.
	VerificationStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offlinekyc_verification_step_seconds",
			Help:    "Duration of individual verification steps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"action"},
	)

	// SignatureVerdicts counts signature verdicts (valid|invalid).
	SignatureVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinekyc_signature_verdicts_total",
			Help: "Total number of XML signature verdicts",
		},
		[]string{"verdict"},
	)

	// MaintenanceRuns counts retention sweeps by result (success|failure).
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlinekyc_maintenance_runs_total",
			Help: "Total number of retention sweeps",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offlinekyc_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
