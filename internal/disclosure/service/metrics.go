package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts per-claim decisions. A nil *Metrics is a no-op.
type Metrics struct {
	decisions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "anchorid_disclosure_decisions_total",
			Help: "Per-claim disclosure decisions",
		}, []string{"decision"}),
	}
}

func (m *Metrics) IncDecision(disclosed bool) {
	if m == nil {
		return
	}
	label := "denied"
	if disclosed {
		label = "disclosed"
	}
	m.decisions.WithLabelValues(label).Inc()
}
