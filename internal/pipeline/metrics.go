package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	// SyncRuns counts sync runs by mode (full or commit) and result.
	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync runs by mode and result.",
	}, []string{"mode", "result"})

	SyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "provisiond",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall time of sync runs.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"mode"})

	// ManagerFailures counts failed manager phases.
	ManagerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Subsystem: "sync",
		Name:      "manager_failures_total",
		Help:      "Downstream manager failures by manager and phase.",
	}, []string{"manager", "phase"})

	TriggerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Subsystem: "sync",
		Name:      "trigger_failures_total",
		Help:      "Failed trigger paths run by the pipeline.",
	}, []string{"path"})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{SyncRuns, SyncDuration, ManagerFailures, TriggerFailures}
}
