package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds embedding-related Prometheus metrics.
type Metrics struct {
	duration  *prometheus.HistogramVec
	batchSize prometheus.Histogram
	errors    *prometheus.CounterVec
}

// NewMetrics creates embedding metrics. A nil registerer skips
// registration, which tests use to avoid default-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "knowledged_embedding_duration_seconds",
			Help:    "Duration of embedding generation by model.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"model"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "knowledged_embedding_batch_size",
			Help:    "Number of texts per Embed call.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledged_embedding_errors_total",
			Help: "Total embedding generation errors by model.",
		}, []string{"model"}),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.batchSize, m.errors)
	}
	return m
}

// RecordEmbed records one Embed call.
func (m *Metrics) RecordEmbed(model string, duration time.Duration, batchSize int, err error) {
	m.duration.WithLabelValues(model).Observe(duration.Seconds())
	if batchSize > 0 {
		m.batchSize.Observe(float64(batchSize))
	}
	if err != nil {
		m.errors.WithLabelValues(model).Inc()
	}
}
