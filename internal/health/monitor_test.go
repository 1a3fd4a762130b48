package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/cache"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
	"github.com/fyrsmithlabs/knowledged/internal/task"
)

type stubComponent struct {
	name   string
	status registry.Status
}

func (s *stubComponent) Name() string                         { return s.name }
func (s *stubComponent) Initialize(ctx context.Context) error { return nil }
func (s *stubComponent) Cleanup(ctx context.Context) error    { return nil }
func (s *stubComponent) Status(ctx context.Context) registry.Status {
	return s.status
}

func newTestRegistry(t *testing.T, components map[string]*stubComponent, critical map[string]bool) *registry.Registry {
	t.Helper()
	reg := registry.New(nil)
	for name, c := range components {
		require.NoError(t, reg.Register(c, critical[name]))
	}
	require.NoError(t, reg.Initialize(context.Background(), false))
	return reg
}

func TestCheckAggregatesComponentStatus(t *testing.T) {
	vectors := &stubComponent{name: "vectors", status: registry.Status{State: registry.StateHealthy}}
	embedder := &stubComponent{name: "embedder", status: registry.Status{State: registry.StateHealthy}}
	reg := newTestRegistry(t,
		map[string]*stubComponent{"vectors": vectors, "embedder": embedder},
		map[string]bool{"embedder": true})

	m, err := NewMonitor(reg, time.Minute, nil, nil)
	require.NoError(t, err)

	snap := m.Check(context.Background())
	assert.Equal(t, registry.StateHealthy, snap.Status)
	assert.Len(t, snap.Components, 2)
	assert.False(t, snap.CheckedAt.IsZero())

	// A failing non-critical component degrades the process.
	vectors.status = registry.Status{State: registry.StateUnhealthy, Detail: "connection refused"}
	snap = m.Check(context.Background())
	assert.Equal(t, registry.StateDegraded, snap.Status)

	// A failing critical component takes the process down.
	embedder.status = registry.Status{State: registry.StateUnhealthy}
	snap = m.Check(context.Background())
	assert.Equal(t, registry.StateUnhealthy, snap.Status)
}

func TestCheckIncludesStatSources(t *testing.T) {
	reg := newTestRegistry(t, map[string]*stubComponent{
		"kb": {name: "kb", status: registry.Status{State: registry.StateHealthy}},
	}, nil)

	m, err := NewMonitor(reg, time.Minute, nil, nil)
	require.NoError(t, err)
	m.WithCacheStats(func() cache.Stats {
		return cache.Stats{Hits: 7, Misses: 3}
	})
	m.WithTaskStats(func() task.Stats {
		return task.Stats{QueueDepth: 2, ByState: map[task.State]int{task.StateQueued: 2}}
	})

	snap := m.Check(context.Background())
	assert.Equal(t, int64(7), snap.Cache.Hits)
	assert.Equal(t, 2, snap.Tasks.QueueDepth)
}

func TestSnapshotReturnsCachedObservation(t *testing.T) {
	reg := newTestRegistry(t, map[string]*stubComponent{
		"kb": {name: "kb", status: registry.Status{State: registry.StateHealthy}},
	}, nil)

	m, err := NewMonitor(reg, time.Minute, nil, nil)
	require.NoError(t, err)

	assert.True(t, m.Snapshot().CheckedAt.IsZero())
	checked := m.Check(context.Background())
	assert.Equal(t, checked.CheckedAt, m.Snapshot().CheckedAt)
}

func TestInitializeStartsAndCleanupStopsPolling(t *testing.T) {
	reg := newTestRegistry(t, map[string]*stubComponent{
		"kb": {name: "kb", status: registry.Status{State: registry.StateHealthy}},
	}, nil)

	m, err := NewMonitor(reg, 10*time.Millisecond, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Initialize(context.Background()))
	first := m.Snapshot().CheckedAt
	require.Eventually(t, func() bool {
		return m.Snapshot().CheckedAt.After(first)
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cleanup(context.Background()))
	// Cleanup twice is safe.
	require.NoError(t, m.Cleanup(context.Background()))
}

func TestRecordErrorCounts(t *testing.T) {
	reg := newTestRegistry(t, map[string]*stubComponent{
		"kb": {name: "kb", status: registry.Status{State: registry.StateHealthy}},
	}, nil)

	m, err := NewMonitor(reg, time.Minute, nil, nil)
	require.NoError(t, err)

	// Must not panic with the default metrics.
	m.RecordError("not-found")
	m.RecordError("internal-error")
}
