package gifting

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts dispatch runs and per-contact results. A nil *Metrics records nothing.
type Metrics struct {
	runs       *prometheus.CounterVec
	dispatches *prometheus.CounterVec
}

// NewMetrics creates the dispatch metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "giftagent",
				Name:      "dispatch_runs_total",
				Help:      "Birthday dispatch runs by batch status.",
			},
			[]string{"status"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "giftagent",
				Name:      "gift_dispatches_total",
				Help:      "Per-contact gift dispatch results.",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.runs, m.dispatches)
	return m
}

func (m *Metrics) run(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) dispatch(result Result) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(string(result)).Inc()
}
