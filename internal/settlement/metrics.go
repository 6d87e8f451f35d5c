package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts settlement outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	outcomes *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewMetrics registers settlement metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorid_settlement_outcomes_total",
			Help: "Settled calls by mode and status",
		}, []string{"mode", "status"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorid_settlement_failures_total",
			Help: "Failed settlements by mode",
		}, []string{"mode"}),
	}
}

func (m *Metrics) IncOutcome(o *Outcome) {
	if m == nil || o == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o.Mode), string(o.Status)).Inc()
}

func (m *Metrics) IncFailure(mode Mode) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(mode)).Inc()
}
