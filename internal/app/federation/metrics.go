package federation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the federation lifecycle.
type Metrics struct {
	// Operation outcomes by operation and result kind ("ok" on success)
	Operations *prometheus.CounterVec

	// Committed state transitions
	Transitions *prometheus.CounterVec

	// Bytes of document images accepted
	DocumentBytes prometheus.Counter

	// Storage step latencies: stage, publish, persist, commit, rollback
	StorageLatency *prometheus.HistogramVec
}

// NewMetrics registers the lifecycle metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_operations_total",
			Help: "Lifecycle operations by operation and result",
		}, []string{"operation", "result"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_transitions_total",
			Help: "Committed federation state transitions",
		}, []string{"from", "to"}),

		DocumentBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "federation_document_bytes_total",
			Help: "Bytes of identity-document images stored",
		}),

		StorageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "federation_storage_duration_seconds",
			Help:    "Duration of storage steps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		}, []string{"step"}),
	}
}

func (m *Metrics) observeOperation(op Operation, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.Operations.WithLabelValues(string(op), result).Inc()
}

func (m *Metrics) observeTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) addDocumentBytes(n int) {
	if m != nil {
		m.DocumentBytes.Add(float64(n))
	}
}

func (m *Metrics) observeStorage(step string, start time.Time) {
	if m != nil {
		m.StorageLatency.WithLabelValues(step).Observe(time.Since(start).Seconds())
	}
}
