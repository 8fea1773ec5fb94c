package connector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector tracks connector invocation outcomes.
type metricsCollector struct {
	invocations *prometheus.CounterVec
	replays     prometheus.Counter
	inflight    prometheus.Gauge
}

func newMetricsCollector(reg prometheus.Registerer) *metricsCollector {
	m := &metricsCollector{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_invocations_total",
			Help: "Connector invocations by request type and outcome.",
		}, []string{"req_type", "outcome"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_dedup_replays_total",
			Help: "Duplicate submissions answered from the existing request record.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connector_inflight_requests",
			Help: "Connector invocations currently being processed.",
		}),
	}
	reg.MustRegister(m.invocations, m.replays, m.inflight)
	return m
}

func (m *metricsCollector) observe(reqType, outcome string) {
	if reqType == "" {
		reqType = "unknown"
	}
	m.invocations.WithLabelValues(reqType, outcome).Inc()
}
