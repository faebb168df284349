package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

func init() {
	register(
		paymentIntentsCreated,
		paymentTransitionsTotal,
		paymentsRevenueTotal,
		entitlementChangesTotal,
		providerCallDuration,
	)
}

var (
	paymentIntentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_intents_created_total",
			Help: "Payment intents created, labeled by currency.",
		},
		[]string{"currency"},
	)

	// Counts committed status changes only; no-op deliveries are not counted.
	paymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Committed payment status transitions.",
		},
		[]string{"from", "to"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_revenue_total",
			Help: "The total monetary value of successful payments, labeled by currency.",
		},
		[]string{"currency"},
	)

	entitlementChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_changes_total",
			Help: "Course access grants and revocations that changed the stored flag.",
		},
		[]string{"action"}, // grant | revoke
	)

	providerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_provider_call_duration_seconds",
			Help:    "Latency of payment provider calls by operation and result.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op", "result"},
	)
)

func IncIntentCreated(currency string) {
	paymentIntentsCreated.WithLabelValues(norm(currency)).Inc()
}

func IncPaymentTransition(from, to string) {
	paymentTransitionsTotal.WithLabelValues(norm(from), norm(to)).Inc()
}

func AddPaymentRevenue(currency string, amount decimal.Decimal) {
	paymentsRevenueTotal.WithLabelValues(norm(currency)).Add(amount.InexactFloat64())
}

func IncEntitlementChange(action string) {
	entitlementChangesTotal.WithLabelValues(norm(action)).Inc()
}

func ObserveProviderCall(op string, seconds float64, err error) {
	providerCallDuration.WithLabelValues(norm(op), result(err)).Observe(seconds)
}
