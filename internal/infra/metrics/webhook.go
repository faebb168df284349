package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		WebhookRequests,
		WebhookDuration,
		unrecognizedStatusTotal,
		confirmRequests,
	)
}

var (
	// result: ok|fail
	// reason (fail only): bad_secret|not_found|amount_mismatch|bad_request|unavailable|unknown
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_requests_total",
			Help: "Count of provider webhook deliveries by result and reason.",
		},
		[]string{"result", "reason"},
	)

	WebhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_webhook_duration_seconds",
			Help:    "Duration of the webhook handler in seconds.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"result"},
	)

	unrecognizedStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_unrecognized_status_total",
			Help: "Provider status codes that did not map to a known status and were treated as pending.",
		},
		[]string{"source"}, // webhook | confirm
	)

	// outcome: settled|applied|pending|coalesced|stale|rate_limited
	confirmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_confirm_requests_total",
			Help: "Confirm polls by outcome.",
		},
		[]string{"outcome"},
	)
)

func IncUnrecognizedStatus(source string) {
	unrecognizedStatusTotal.WithLabelValues(norm(source)).Inc()
}

func IncConfirm(outcome string) {
	confirmRequests.WithLabelValues(norm(outcome)).Inc()
}
