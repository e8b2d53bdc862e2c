package store

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the session store.
type Metrics struct {
	Sessions      prometheus.Gauge
	CreatedTotal  prometheus.Counter
	ExpiredTotal  prometheus.Counter
	AbandonTotal  prometheus.Counter
	LockWaitTotal *prometheus.CounterVec
}

// NewMetrics registers the store metrics once per process:
//   - sessionbridge_store_sessions
//   - sessionbridge_store_created_total
//   - sessionbridge_store_expired_total
//   - sessionbridge_store_abandoned_total
//   - sessionbridge_store_lock_waits_total{outcome}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Sessions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "sessionbridge_store_sessions",
				Help: "Number of live sessions held by the store",
			}),
			CreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sessionbridge_store_created_total",
				Help: "Total number of sessions created",
			}),
			ExpiredTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sessionbridge_store_expired_total",
				Help: "Total number of sessions removed after their idle timeout",
			}),
			AbandonTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sessionbridge_store_abandoned_total",
				Help: "Total number of sessions removed because they were abandoned",
			}),
			LockWaitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "sessionbridge_store_lock_waits_total",
				Help: "Exclusive opens that had to wait for another holder",
			}, []string{"outcome"}), // "acquired" or "canceled"
		}
	})
	return globalMetrics
}
