package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	PingsTotal   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when it is not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osquery_extension_calls_total",
				Help: "Total number of plugin calls served",
			},
			[]string{"registry", "item", "code"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "osquery_extension_call_duration_seconds",
				Help:    "Plugin call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"registry"},
		),
		PingsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "osquery_extension_pings_total",
				Help: "Total number of pings answered",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.CallsTotal, m.CallDuration, m.PingsTotal)
	}
	return m
}

func (m *Metrics) recordCall(registry, item, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(registry, item, code).Inc()
	m.CallDuration.WithLabelValues(registry).Observe(elapsed.Seconds())
}

func (m *Metrics) recordPing() {
	if m == nil {
		return
	}
	m.PingsTotal.Inc()
}
