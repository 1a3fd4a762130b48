package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/knowledged/internal/registry"
	"github.com/fyrsmithlabs/knowledged/internal/task"
)

// Metrics holds health-related Prometheus metrics.
type Metrics struct {
	overall        prometheus.Gauge
	componentUp    *prometheus.GaugeVec
	taskStates     *prometheus.GaugeVec
	cacheHits      prometheus.Gauge
	cacheMisses    prometheus.Gauge
	cacheEvictions prometheus.Gauge
	cacheResident  prometheus.Gauge
	errors         *prometheus.CounterVec
}

// NewMetrics creates health metrics. A nil registerer skips
// registration, which tests use to avoid default-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		overall: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knowledged_health_status",
			Help: "Aggregated health: 0 healthy, 1 degraded, 2 unhealthy.",
		}),
		componentUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "knowledged_component_healthy",
			Help: "Per-component health: 1 healthy, 0 otherwise.",
		}, []string{"component"}),
		taskStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "knowledged_tasks",
			Help: "Task count by state.",
		}, []string{"state"}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knowledged_cache_hits",
			Help: "Cache hit count.",
		}),
		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knowledged_cache_misses",
			Help: "Cache miss count.",
		}),
		cacheEvictions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knowledged_cache_evictions",
			Help: "Cache eviction count.",
		}),
		cacheResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knowledged_cache_resident_bytes",
			Help: "Bytes resident in the cache memory tier.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledged_errors_total",
			Help: "Errors surfaced at the HTTP boundary by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.overall, m.componentUp, m.taskStates,
			m.cacheHits, m.cacheMisses, m.cacheEvictions, m.cacheResident, m.errors)
	}
	return m
}

// RecordSnapshot publishes one health observation.
func (m *Metrics) RecordSnapshot(snap Snapshot) {
	switch snap.Status {
	case registry.StateHealthy:
		m.overall.Set(0)
	case registry.StateDegraded:
		m.overall.Set(1)
	default:
		m.overall.Set(2)
	}

	for name, status := range snap.Components {
		up := 0.0
		if status.State == registry.StateHealthy {
			up = 1
		}
		m.componentUp.WithLabelValues(name).Set(up)
	}

	for _, state := range []task.State{task.StateQueued, task.StateRunning, task.StateSucceeded, task.StateFailed, task.StateCanceled} {
		m.taskStates.WithLabelValues(string(state)).Set(float64(snap.Tasks.ByState[state]))
	}

	m.cacheHits.Set(float64(snap.Cache.Hits))
	m.cacheMisses.Set(float64(snap.Cache.Misses))
	m.cacheEvictions.Set(float64(snap.Cache.Evictions))
	m.cacheResident.Set(float64(snap.Cache.ResidentBytes))
}
