package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the proxy's counters. All methods are safe on a nil receiver,
// so an un-instrumented proxy pays nothing.
type Metrics struct {
	callsIssued  prometheus.Counter
	callsSettled *prometheus.CounterVec
	crashes      *prometheus.CounterVec
	disposals    prometheus.Counter
}

// NewMetrics builds and registers the proxy counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proclink_calls_issued_total",
			Help: "Total calls forwarded to the worker, including queued ones.",
		}),
		callsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proclink_calls_settled_total",
			Help: "Total calls settled, by outcome.",
		}, []string{"outcome"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proclink_worker_crashes_total",
			Help: "Worker crashes latched, by classification.",
		}, []string{"class"}),
		disposals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proclink_disposals_total",
			Help: "Completed disposal handshakes.",
		}),
	}
	reg.MustRegister(m.callsIssued, m.callsSettled, m.crashes, m.disposals)
	return m
}

func (m *Metrics) incCallsIssued() {
	if m != nil {
		m.callsIssued.Inc()
	}
}

func (m *Metrics) incCallsSettled(outcome string) {
	if m != nil {
		m.callsSettled.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) incCrash(class string) {
	if m != nil {
		m.crashes.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) incDisposals() {
	if m != nil {
		m.disposals.Inc()
	}
}
