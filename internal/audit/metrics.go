package audit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal         *prometheus.CounterVec
	flushesTotal        *prometheus.CounterVec
	integrityViolations prometheus.Counter
	storageErrorsTotal  *prometheus.CounterVec
	flushBatchSize      prometheus.Histogram

	metricsOnce sync.Once
)

// InitMetrics registers the audit Prometheus metrics. Safe to call more than
// once; registration happens on the first call only.
func InitMetrics() {
	metricsOnce.Do(func() {
		eventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_audit_events_total",
				Help: "Total number of audit events recorded",
			},
			[]string{"level", "action", "success"},
		)

		flushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_audit_flushes_total",
				Help: "Total number of audit buffer flushes",
			},
			[]string{"trigger"},
		)

		integrityViolations = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trustplane_audit_integrity_violations_total",
				Help: "Total number of audit events dropped due to checksum mismatch",
			},
		)

		storageErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_audit_storage_errors_total",
				Help: "Total number of audit sink append failures",
			},
			[]string{"sink"},
		)

		flushBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trustplane_audit_flush_batch_size",
				Help:    "Number of events per flushed batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		)
	})
}

func recordEventMetric(level Level, action Action, success bool) {
	if eventsTotal == nil {
		return
	}
	s := "true"
	if !success {
		s = "false"
	}
	eventsTotal.WithLabelValues(string(level), string(action), s).Inc()
}

func recordFlushMetric(trigger string, batch int) {
	if flushesTotal == nil {
		return
	}
	flushesTotal.WithLabelValues(trigger).Inc()
	flushBatchSize.Observe(float64(batch))
}

func recordIntegrityViolationMetric() {
	if integrityViolations == nil {
		return
	}
	integrityViolations.Inc()
}

func recordStorageErrorMetric(sink string) {
	if storageErrorsTotal == nil {
		return
	}
	storageErrorsTotal.WithLabelValues(sink).Inc()
}
