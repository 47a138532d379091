package kyc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	casesInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kyc_cases_initiated_total",
		Help: "Total number of verification cases created",
	}, []string{"provider", "level"})

	caseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kyc_case_transitions_total",
		Help: "Total number of case status transitions",
	}, []string{"from", "to", "trigger"})

	webhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kyc_webhooks_received_total",
		Help: "Total number of provider webhook deliveries by outcome",
	}, []string{"outcome"})

	manualReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kyc_manual_reviews_total",
		Help: "Total number of manual review decisions",
	}, []string{"decision"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kyc_provider_request_duration_seconds",
		Help:    "Duration of outbound provider calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"provider", "operation", "result"})

	casesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kyc_cases_expired_total",
		Help: "Total number of overdue cases marked expired by the sweep worker",
	})
)

func recordCaseInitiated(provider string, level VerificationLevel) {
	casesInitiatedTotal.WithLabelValues(provider, string(level)).Inc()
}

func recordTransition(from, to CaseStatus, trigger string) {
	if from == to {
		return
	}
	caseTransitionsTotal.WithLabelValues(string(from), string(to), trigger).Inc()
}

// recordWebhook tracks webhook outcomes: applied, unknown_case, rejected_signature.
func recordWebhook(outcome string) {
	webhooksReceivedTotal.WithLabelValues(outcome).Inc()
}

func recordManualReview(decision CaseStatus) {
	manualReviewsTotal.WithLabelValues(string(decision)).Inc()
}

func observeProviderRequest(provider, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	providerRequestDuration.WithLabelValues(provider, operation, result).Observe(time.Since(start).Seconds())
}
