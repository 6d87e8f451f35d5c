package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts issuance attempts by outcome. A nil *Metrics is a no-op.
type Metrics struct {
	issued *prometheus.CounterVec
}

// NewMetrics registers issuance metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		issued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "anchorid_credentials_issued_total",
			Help: "Credential issuance attempts by outcome",
		}, []string{"outcome"}),
	}
}

// IncOutcome counts one issuance. outcome is a settlement status or an error code.
func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(outcome).Inc()
}
