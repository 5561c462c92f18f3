// Package metrics exposes control-plane counters on a dedicated
// prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the failover control plane.
type Metrics struct {
	registry *prometheus.Registry

	FailoversLaunched prometheus.Counter
	BackupsTracked    prometheus.Gauge
	GCObjectsDeleted  prometheus.Counter
	GCSweepDuration   prometheus.Histogram
	RelayAttempts     *prometheus.CounterVec
	RelayInFlight     prometheus.Gauge
	DetectorPasses    prometheus.Counter
	DetectorDuration  prometheus.Histogram
}

var global *Metrics

// Init builds the global metrics instance. sessionCounts supplies the
// active/inactive gauges from the store; it may be nil in tests.
func Init(namespace string, sessionCounts func() (active, inactive float64)) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		FailoversLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_launched_total",
			Help:      "Backup workers launched for failed sessions",
		}),
		BackupsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backups_tracked",
			Help:      "Backup containers currently tracked by the launcher",
		}),
		GCObjectsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_objects_deleted_total",
			Help:      "Chunk objects deleted by the garbage collector",
		}),
		GCSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_sweep_duration_seconds",
			Help:      "Duration of per-session chunk sweeps",
			Buckets:   prometheus.DefBuckets,
		}),
		RelayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attempts_total",
			Help:      "Outbound notification delivery attempts by outcome",
		}, []string{"outcome"}),
		RelayInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_in_flight",
			Help:      "Notification deliveries currently in flight",
		}),
		DetectorPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_passes_total",
			Help:      "Completed liveness detector passes",
		}),
		DetectorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_pass_duration_seconds",
			Help:      "Duration of liveness detector passes",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.FailoversLaunched, m.BackupsTracked,
		m.GCObjectsDeleted, m.GCSweepDuration,
		m.RelayAttempts, m.RelayInFlight,
		m.DetectorPasses, m.DetectorDuration,
	)

	if sessionCounts != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions in the active index",
		}, func() float64 {
			active, _ := sessionCounts()
			return active
		}))
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_inactive",
			Help:      "Sessions in the inactive index",
		}, func() float64 {
			_, inactive := sessionCounts()
			return inactive
		}))
	}

	global = m
	return m
}

// Global returns the metrics instance, initializing a default one if
// Init has not run (tests).
func Global() *Metrics {
	if global == nil {
		return Init("sentinel", nil)
	}
	return global
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
