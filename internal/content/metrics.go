package content

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anchorid_content_operation_duration_seconds",
		Help:    "Latency of content store operations",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"backend", "op", "outcome"})

	fetchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchorid_content_fetch_retries_total",
		Help: "Retried content fetch attempts",
	}, []string{"backend"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchorid_content_cache_lookups_total",
		Help: "Content cache lookups by result",
	}, []string{"result"})
)

// ObserveOp records the latency of one store operation.
func ObserveOp(backend, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(CategoryOf(err))
	}
	opDuration.WithLabelValues(backend, op, outcome).Observe(time.Since(start).Seconds())
}

// IncRetry counts a retried fetch attempt.
func IncRetry(backend string) {
	fetchRetries.WithLabelValues(backend).Inc()
}

// IncCacheLookup counts a cache hit or miss.
func IncCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}
