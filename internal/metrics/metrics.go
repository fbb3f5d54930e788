// Package metrics exposes Prometheus instrumentation for the pipeline.
//
// Every method is safe to call on a nil *Metrics, so components take an
// optional observer without guarding each call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for batching, delivery and completion tracking.
type Metrics struct {
	// Batches released by message type and release reason
	BatchesReleased *prometheus.CounterVec

	// Items per released batch
	BatchSize *prometheus.HistogramVec

	// Batches currently inside a handler
	BatchesInFlight *prometheus.GaugeVec

	// Handler duration per batch
	BatchDuration *prometheus.HistogramVec

	// Distinct keys newly recorded by the completion tracker
	KeysRecorded *prometheus.CounterVec

	// Deliveries absorbed because their key was already recorded
	DuplicatesAbsorbed *prometheus.CounterVec

	// Nacked messages scheduled for another attempt
	Redeliveries *prometheus.CounterVec

	// Messages that exhausted the retry policy
	DeadLetters *prometheus.CounterVec
}

// New creates a Metrics instance registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BatchesReleased: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_batches_released_total",
			Help: "Total batches released by message type and reason",
		}, []string{"type", "reason"}), // reason: "count", "time", "flush"

		BatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fanout_batch_size",
			Help:    "Number of items per released batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}, []string{"type"}),

		BatchesInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanout_batches_in_flight",
			Help: "Batches currently being processed",
		}, []string{"type"}),

		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fanout_batch_duration_seconds",
			Help:    "Duration of batch handler calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"type"}),

		KeysRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_keys_recorded_total",
			Help: "Distinct work keys recorded by message type",
		}, []string{"type"}),

		DuplicatesAbsorbed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_duplicates_absorbed_total",
			Help: "Recorded keys that were already present",
		}, []string{"type"}),

		Redeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_redeliveries_total",
			Help: "Messages scheduled for redelivery after a consumer failure",
		}, []string{"type"}),

		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_dead_letters_total",
			Help: "Messages that exhausted the retry policy",
		}, []string{"type"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// BatchReleased records a batch leaving an accumulator.
func (m *Metrics) BatchReleased(messageType, reason string, size int) {
	if m != nil {
		m.BatchesReleased.WithLabelValues(messageType, reason).Inc()
		m.BatchSize.WithLabelValues(messageType).Observe(float64(size))
	}
}

// BatchStarted records a handler call starting.
func (m *Metrics) BatchStarted(messageType string) {
	if m != nil {
		m.BatchesInFlight.WithLabelValues(messageType).Inc()
	}
}

// BatchFinished records a handler call returning.
func (m *Metrics) BatchFinished(messageType string, d time.Duration) {
	if m != nil {
		m.BatchesInFlight.WithLabelValues(messageType).Dec()
		m.BatchDuration.WithLabelValues(messageType).Observe(d.Seconds())
	}
}

// KeysObserved records the outcome of one tracker insert.
func (m *Metrics) KeysObserved(messageType string, added, duplicates int) {
	if m != nil {
		m.KeysRecorded.WithLabelValues(messageType).Add(float64(added))
		m.DuplicatesAbsorbed.WithLabelValues(messageType).Add(float64(duplicates))
	}
}

// MessageRedelivered records a nacked message being retried.
func (m *Metrics) MessageRedelivered(messageType string) {
	if m != nil {
		m.Redeliveries.WithLabelValues(messageType).Inc()
	}
}

// MessageDeadLettered records a message giving up.
func (m *Metrics) MessageDeadLettered(messageType string) {
	if m != nil {
		m.DeadLetters.WithLabelValues(messageType).Inc()
	}
}
