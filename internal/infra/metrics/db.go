package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(dbPoolStats, dbConflictsTotal) }

var dbPoolStats = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "db_pool_stats",
		Help: "Current state of the database connection pool.",
	},
	[]string{"state"}, // 'total', 'idle', 'in_use'
)

var dbConflictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "db_write_conflicts_total",
		Help: "Version-check conflicts on payment writes, labeled by whether the retry resolved them.",
	},
	[]string{"outcome"}, // 'retried', 'gave_up'
)

func SetDBPoolStats(total, idle, inUse int32) {
	dbPoolStats.WithLabelValues("total").Set(float64(total))
	dbPoolStats.WithLabelValues("idle").Set(float64(idle))
	dbPoolStats.WithLabelValues("in_use").Set(float64(inUse))
}

func IncDBConflict(outcome string) {
	dbConflictsTotal.WithLabelValues(norm(outcome)).Inc()
}
