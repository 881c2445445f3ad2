package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: сколько событий принято в буфер
	EventsCaptured prometheus.Counter

	// Потери: gate_disabled, closed, queue_full, flush_failed
	EventsDropped *prometheus.CounterVec

	// Сколько событий реально легло в хранилище
	EventsPersisted prometheus.Counter

	// Триггеры: size, timer, drain
	Flushes *prometheus.CounterVec

	// Ошибки записи по ErrorKind
	FlushFailures *prometheus.CounterVec

	FlushDuration prometheus.Histogram
	BatchSize     prometheus.Histogram

	// Saturation: текущий размер неотправленного батча
	PendingEvents prometheus.Gauge

	// 0 - ENABLED, 1 - DISABLED
	GateState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsCaptured: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "audit_events_captured_total",
			Help: "Total number of audit events accepted into the batch.",
		}),

		EventsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total number of audit events dropped before persistence.",
		}, []string{"reason"}),

		EventsPersisted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "audit_events_persisted_total",
			Help: "Total number of audit events handed to storage successfully.",
		}),

		Flushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "audit_flushes_total",
			Help: "Total number of batch flushes by trigger.",
		}, []string{"trigger"}),

		FlushFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "audit_flush_failures_total",
			Help: "Total number of failed batch writes by error kind.",
		}, []string{"kind"}),

		FlushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_flush_duration_seconds",
			Help:    "Histogram of batch write latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		BatchSize: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_batch_size",
			Help:    "Number of events per flushed batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),

		PendingEvents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "audit_pending_events",
			Help: "Current number of events waiting in the open batch.",
		}),

		GateState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "audit_gate_state",
			Help: "Audit persistence gate (0=enabled, 1=disabled).",
		}),
	}
}
