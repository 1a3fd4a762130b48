package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds task-related Prometheus metrics.
type Metrics struct {
	queueDepth  prometheus.Gauge
	rejections  prometheus.Counter
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates task metrics. A nil registerer skips registration,
// which tests use to avoid default-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knowledged_task_queue_depth",
			Help: "Number of tasks waiting in the queue.",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knowledged_task_queue_rejections_total",
			Help: "Submissions rejected because the queue was full.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledged_task_transitions_total",
			Help: "Task state transitions by type and resulting state.",
		}, []string{"type", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "knowledged_task_duration_seconds",
			Help:    "Wall time from start to terminal state by type.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.rejections, m.transitions, m.duration)
	}
	return m
}

// RecordTransition records one state transition.
func (m *Metrics) RecordTransition(typ Type, state State) {
	m.transitions.WithLabelValues(string(typ), string(state)).Inc()
}

// RecordDuration records the run time of a finished task.
func (m *Metrics) RecordDuration(typ Type, d time.Duration) {
	m.duration.WithLabelValues(string(typ)).Observe(d.Seconds())
}
