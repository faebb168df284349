package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(reconcilerSweepsTotal) }

var reconcilerSweepsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payment_reconciler_checked_total",
		Help: "Pending intents re-checked by the background sweep, labeled by resulting status.",
	},
	[]string{"status"}, // 'pending', 'succeeded', 'failed', 'error'
)

func IncReconcilerChecked(status string) {
	reconcilerSweepsTotal.WithLabelValues(norm(status)).Inc()
}
