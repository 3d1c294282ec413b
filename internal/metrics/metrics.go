// Package metrics exposes the control plane's own operational metrics via
// github.com/prometheus/client_golang. This is ambient observability for the
// core, not a "logging sink" — the distinction spec.md §1 draws when
// scoping logging sinks out.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the few gauges/counters the core subsystems update.
// Constructed once at startup and threaded explicitly to the endpoint and
// job subsystems; internal/update instead holds it in a package-level hook
// set through update.SetMetrics.
type Metrics struct {
	EndpointOnline      *prometheus.GaugeVec
	OfflineTransitions  *prometheus.CounterVec
	JobsCompleted       *prometheus.CounterVec
	JobsFailed          *prometheus.CounterVec
	RollingUpdateSeconds *prometheus.HistogramVec
}

// New registers and returns a Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EndpointOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cluman",
			Name:      "endpoint_online",
			Help:      "1 if the endpoint is online, 0 if it is in its offline cooldown.",
		}, []string{"endpoint"}),
		OfflineTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluman",
			Name:      "endpoint_offline_transitions_total",
			Help:      "Count of ONLINE->OFFLINE transitions per endpoint.",
		}, []string{"endpoint"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluman",
			Name:      "jobs_completed_total",
			Help:      "Count of job instances that reached COMPLETED.",
		}, []string{"type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluman",
			Name:      "jobs_failed_total",
			Help:      "Count of job instances that reached FAILED.",
		}, []string{"type"}),
		RollingUpdateSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cluman",
			Name:      "rolling_update_seconds",
			Help:      "Wall-clock duration of a rolling-update job, by strategy.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
	}
	reg.MustRegister(m.EndpointOnline, m.OfflineTransitions, m.JobsCompleted, m.JobsFailed, m.RollingUpdateSeconds)
	return m
}
