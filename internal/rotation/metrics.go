package rotation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationsTotal   *prometheus.CounterVec
	rotationDuration *prometheus.HistogramVec

	metricsOnce sync.Once
)

// InitMetrics registers the rotation Prometheus metrics once.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_rotations_total",
				Help: "Total number of finished secret rotations",
			},
			[]string{"type", "outcome"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trustplane_rotation_duration_seconds",
				Help:    "Duration of secret rotations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		)
	})
}

func recordRotationMetric(rotationType, outcome string, elapsed time.Duration) {
	if rotationsTotal == nil {
		return
	}
	rotationsTotal.WithLabelValues(rotationType, outcome).Inc()
	rotationDuration.WithLabelValues(rotationType).Observe(elapsed.Seconds())
}
