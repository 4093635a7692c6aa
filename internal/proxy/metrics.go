package proxy

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the daemon's Prometheus instrumentation. A zero-value
// metrics (&metrics{}, with nil collectors) is never used; newMetrics
// always registers against a private registry so tests can construct
// multiple daemons without colliding on the default global registry.
type metrics struct {
	registry        *prometheus.Registry
	sessionsTotal   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	bootLatencySecs prometheus.Histogram
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgtemp",
			Name:      "proxy_sessions_total",
			Help:      "Number of client sessions accepted, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgtemp",
			Name:      "proxy_sessions_active",
			Help:      "Number of client sessions currently being proxied.",
		}),
		bootLatencySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgtemp",
			Name:      "proxy_backing_cluster_boot_seconds",
			Help:      "Time to boot a backing cluster for a normal-mode session.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.sessionsTotal, m.sessionsActive, m.bootLatencySecs)
	return m
}

func (m *metrics) sessionStarted() { m.sessionsActive.Inc() }

func (m *metrics) sessionEnded(mode, outcome string) {
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(mode, outcome).Inc()
}
