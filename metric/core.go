package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains relay-level metrics shared across components.
// Component-specific metrics are registered separately via the Registrar
// interface.
type CoreMetrics struct {
	RecordsReceived  *prometheus.CounterVec
	RecordsProcessed *prometheus.CounterVec
	RecordsDropped   *prometheus.CounterVec
	FlushDuration    *prometheus.HistogramVec
	ErrorsTotal      *prometheus.CounterVec

	TransportState      prometheus.Gauge
	TransportReconnects prometheus.Counter
	TransportFallbacks  prometheus.Counter
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		RecordsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "records",
				Name:      "received_total",
				Help:      "Total number of records received from upstream",
			},
			[]string{"kind"},
		),

		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "records",
				Name:      "processed_total",
				Help:      "Total number of records processed by kind handlers",
			},
			[]string{"kind", "status"},
		),

		RecordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "records",
				Name:      "dropped_total",
				Help:      "Total number of records dropped",
			},
			[]string{"kind", "reason"},
		),

		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "batch",
				Name:      "flush_duration_seconds",
				Help:      "Batch flush duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total errors by component and class",
			},
			[]string{"component", "class"},
		),

		TransportState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "transport",
				Name:      "state",
				Help:      "Transport state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
			},
		),

		TransportReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Total number of primary reconnect attempts",
			},
		),

		TransportFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "transport",
				Name:      "fallbacks_total",
				Help:      "Total number of fallbacks to the secondary transport",
			},
		),
	}
}

func (m *CoreMetrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.RecordsReceived,
		m.RecordsProcessed,
		m.RecordsDropped,
		m.FlushDuration,
		m.ErrorsTotal,
		m.TransportState,
		m.TransportReconnects,
		m.TransportFallbacks,
	)
}
