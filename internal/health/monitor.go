// Package health aggregates per-component status into a process-wide
// health state and exports it as Prometheus metrics.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/cache"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
	"github.com/fyrsmithlabs/knowledged/internal/task"
)

// Snapshot is one aggregated health observation.
type Snapshot struct {
	Status     registry.State             `json:"status"`
	Components map[string]registry.Status `json:"components"`
	Cache      cache.Stats                `json:"cache"`
	Tasks      task.Stats                 `json:"tasks"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Monitor polls the component registry on a timer and on demand.
type Monitor struct {
	registry *registry.Registry
	interval time.Duration
	logger   *zap.Logger
	metrics  *Metrics

	// Optional stat sources, wired when the owning components exist.
	cacheStats func() cache.Stats
	taskStats  func() task.Stats

	mu   sync.Mutex
	last Snapshot

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a health monitor polling every interval.
func NewMonitor(reg *registry.Registry, interval time.Duration, logger *zap.Logger, metrics *Metrics) (*Monitor, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Monitor{
		registry: reg,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// WithCacheStats wires the cache stats source.
func (m *Monitor) WithCacheStats(fn func() cache.Stats) { m.cacheStats = fn }

// WithTaskStats wires the task stats source.
func (m *Monitor) WithTaskStats(fn func() task.Stats) { m.taskStats = fn }

// Name implements registry.Component.
func (m *Monitor) Name() string { return "health" }

// Initialize takes a first snapshot and starts the poll loop.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.Check(ctx)
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	return nil
}

// Cleanup stops the poll loop.
func (m *Monitor) Cleanup(ctx context.Context) error {
	if m.done != nil {
		close(m.done)
		m.wg.Wait()
		m.done = nil
	}
	return nil
}

// Status implements registry.Component.
func (m *Monitor) Status(ctx context.Context) registry.Status {
	return registry.Status{State: registry.StateHealthy}
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Check(context.Background())
		}
	}
}

// Check polls every component now, updates metrics and caches the
// snapshot for Snapshot callers.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:     m.registry.Overall(ctx),
		Components: m.registry.Statuses(ctx),
		CheckedAt:  time.Now().UTC(),
	}
	if m.cacheStats != nil {
		snap.Cache = m.cacheStats()
	}
	if m.taskStats != nil {
		snap.Tasks = m.taskStats()
	}

	m.metrics.RecordSnapshot(snap)

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap
}

// Snapshot returns the most recent observation without polling.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// RecordError counts one error by kind, feeding the recent-error-rate
// counter. Called by the HTTP boundary when shaping error responses.
func (m *Monitor) RecordError(kind string) {
	m.metrics.errors.WithLabelValues(kind).Inc()
}
