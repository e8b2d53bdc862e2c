package handler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the session endpoints.
type Metrics struct {
	LocksActive    prometheus.Gauge
	LockConflicts  prometheus.Counter
	CommitsTotal   *prometheus.CounterVec
	ExchangesTotal *prometheus.CounterVec
	HoldSeconds    prometheus.Histogram
}

// NewMetrics registers the handler metrics once per process:
//   - sessionbridge_locks_active
//   - sessionbridge_lock_conflicts_total
//   - sessionbridge_commits_total{result}
//   - sessionbridge_exchanges_total{mode}
//   - sessionbridge_lock_hold_seconds
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			LocksActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "sessionbridge_locks_active",
				Help: "Sessions currently held open by a writeable GET",
			}),
			LockConflicts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sessionbridge_lock_conflicts_total",
				Help: "Writeable GETs rejected because the session was already registered",
			}),
			CommitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "sessionbridge_commits_total",
				Help: "Session commits by result",
			}, []string{"result"}),
			ExchangesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "sessionbridge_exchanges_total",
				Help: "Session exchanges by mode (readonly, writeable, streaming)",
			}, []string{"mode"}),
			HoldSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "sessionbridge_lock_hold_seconds",
				Help:    "How long a writeable GET held its session",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 1200},
			}),
		}
	})
	return globalMetrics
}
