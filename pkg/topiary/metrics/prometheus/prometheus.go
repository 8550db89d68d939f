package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

// Metrics implements topiary.Metrics using Prometheus.
type Metrics struct {
	reservationsTotal    *prometheus.CounterVec
	reservationAmount    *prometheus.HistogramVec
	reconciliationDelta  *prometheus.HistogramVec
	generationDuration   *prometheus.HistogramVec
	generationsTotal     *prometheus.CounterVec
	pathDepth            prometheus.Histogram
	pathTruncationsTotal prometheus.Counter
	storageOpsDuration   *prometheus.HistogramVec
	storageOpsErrors     *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Total number of quota reservation attempts.",
		}, []string{"tier", "model", "allowed"}),

		reservationAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reservation_amount_weighted_tokens",
			Help:      "Distribution of reservation amounts in weighted tokens.",
			Buckets:   []float64{10, 100, 500, 1000, 5000, 10000, 50000},
		}, []string{"tier", "model"}),

		reconciliationDelta: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_delta_weighted_tokens",
			Help:      "Distribution of reconciliation deltas (actual minus estimated).",
			Buckets:   []float64{-10000, -1000, -100, -10, 0, 10, 100, 1000, 10000},
		}, []string{"tier"}),

		generationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Duration of generation jobs from request to settlement.",
			Buckets:   []float64{0.5, 1, 5, 15, 60, 120, 300},
		}, []string{"model", "outcome"}),

		generationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of generation jobs by outcome.",
		}, []string{"model", "outcome"}),

		pathDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "path_resolution_depth",
			Help:      "Depth of resolved ancestor paths.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
		}),

		pathTruncationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "path_resolution_truncations_total",
			Help:      "Total number of ancestor walks cut off at the hop cap.",
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordReservation(tier topiary.Tier, modelID string, amount int64, allowed bool) {
	m.reservationsTotal.WithLabelValues(string(tier), modelID, strconv.FormatBool(allowed)).Inc()
	if allowed {
		m.reservationAmount.WithLabelValues(string(tier), modelID).Observe(float64(amount))
	}
}

func (m *Metrics) RecordReconciliation(tier topiary.Tier, delta int64) {
	m.reconciliationDelta.WithLabelValues(string(tier)).Observe(float64(delta))
}

func (m *Metrics) RecordGeneration(modelID string, duration time.Duration, outcome string) {
	m.generationsTotal.WithLabelValues(modelID, outcome).Inc()
	m.generationDuration.WithLabelValues(modelID, outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordPathResolution(depth int, truncated bool) {
	m.pathDepth.Observe(float64(depth))
	if truncated {
		m.pathTruncationsTotal.Inc()
	}
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
