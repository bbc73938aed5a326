package tablet

import "github.com/prometheus/client_golang/prometheus"

const namespace = "granite"

type managerMetrics struct {
	createRequests    prometheus.Counter
	createFailures    prometheus.Counter
	dropRequests      prometheus.Counter
	reportRequests    prometheus.Counter
	reportAllRequests prometheus.Counter
}

func newManagerMetrics() *managerMetrics {
	const subsystem = "tablet_manager"
	return &managerMetrics{
		createRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "create_tablet_requests_total",
			Help: "Total number of create tablet requests.",
		}),
		createFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "create_tablet_requests_failed",
			Help: "Number of create tablet requests that failed.",
		}),
		dropRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "drop_tablet_requests_total",
			Help: "Total number of drop tablet requests.",
		}),
		reportRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "report_tablet_requests_total",
			Help: "Total number of single tablet report requests.",
		}),
		reportAllRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "report_all_tablets_requests_total",
			Help: "Total number of full tablet report requests.",
		}),
	}
}

// PrometheusCollectors returns the collectors of the manager for registration.
func (m *Manager) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.metrics.createRequests,
		m.metrics.createFailures,
		m.metrics.dropRequests,
		m.metrics.reportRequests,
		m.metrics.reportAllRequests,
	}
}
