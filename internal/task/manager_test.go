package task

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

const testType Type = "analyze-code"

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()

	cfg := Config{
		Dir:          t.TempDir(),
		Workers:      2,
		QueueDepth:   8,
		RetryBackoff: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg, nil, nil)
	require.NoError(t, err)
	return m
}

func start(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, m.Cleanup(ctx))
	})
}

func waitTerminal(t *testing.T, m *Manager, id string) Task {
	t.Helper()
	var got Task
	require.Eventually(t, func() bool {
		snap, err := m.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = *snap
		return Terminal(got.State)
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func TestSubmitRunsToSuccess(t *testing.T) {
	m := newTestManager(t, nil)
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, json.RawMessage(`{"code":"x"}`))
	require.NoError(t, err)

	got := waitTerminal(t, m, id)
	assert.Equal(t, StateSucceeded, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	// Terminal state is on disk.
	raw, err := os.ReadFile(filepath.Join(m.config.Dir, id+".json"))
	require.NoError(t, err)
	var persisted Task
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, StateSucceeded, persisted.State)
}

func TestSubmitUnknownType(t *testing.T) {
	m := newTestManager(t, nil)
	start(t, m)

	_, err := m.Submit(context.Background(), Type("bogus"), nil)
	require.Error(t, err)
	assert.Equal(t, errkind.ValidationFailed, errkind.KindOf(err))
}

func TestQueueFullRejectsWithoutRecord(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{}, 1)

	m := newTestManager(t, func(c *Config) {
		c.Workers = 1
		c.QueueDepth = 1
	})
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		running <- struct{}{}
		<-release
		return nil, nil
	})
	start(t, m)
	defer close(release)

	// First task occupies the single worker.
	_, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)
	<-running

	// Second fills the queue.
	_, err = m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)

	// Third is rejected before any record or sidecar exists.
	_, err = m.Submit(context.Background(), testType, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.QueueFull, errkind.KindOf(err))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Rejections)
	assert.Len(t, m.tasks, 2)

	entries, err := os.ReadDir(m.config.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCancelQueued(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{}, 1)

	m := newTestManager(t, func(c *Config) {
		c.Workers = 1
	})
	var handled atomic.Int32
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		handled.Add(1)
		running <- struct{}{}
		<-release
		return nil, nil
	})
	start(t, m)

	_, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)
	<-running

	queuedID, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), queuedID))
	got, err := m.Get(context.Background(), queuedID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, got.State)
	require.NotNil(t, got.FinishedAt)

	close(release)

	// The worker dequeues the canceled id and must not execute it.
	require.Eventually(t, func() bool { return m.idle() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
}

func TestCancelRunning(t *testing.T) {
	m := newTestManager(t, nil)
	running := make(chan struct{}, 1)
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		running <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)
	<-running

	require.NoError(t, m.Cancel(context.Background(), id))
	got := waitTerminal(t, m, id)
	assert.Equal(t, StateCanceled, got.State)
}

func TestCancelTerminalIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)
	got := waitTerminal(t, m, id)
	require.Equal(t, StateSucceeded, got.State)

	require.NoError(t, m.Cancel(context.Background(), id))
	after, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, after.State)
}

func TestCancelUnknownTask(t *testing.T) {
	m := newTestManager(t, nil)
	start(t, m)

	err := m.Cancel(context.Background(), uuid.New().String())
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestRetryableErrorRetriesThenSucceeds(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.Retries = map[Type]int{testType: 2}
	})
	var attempts atomic.Int32
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if attempts.Add(1) < 3 {
			return nil, errkind.New(errkind.VectorUnavailable, "index down")
		}
		return json.RawMessage(`"done"`), nil
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)

	got := waitTerminal(t, m, id)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, 3, got.Attempts)
}

func TestRetryLimitExhaustedFails(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.Retries = map[Type]int{testType: 1}
	})
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, errkind.New(errkind.EmbedderUnavailable, "backend down")
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)

	got := waitTerminal(t, m, id)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, string(errkind.EmbedderUnavailable), got.ErrorKind)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.Retries = map[Type]int{testType: 3}
	})
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, errkind.New(errkind.ValidationFailed, "bad input")
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)

	got := waitTerminal(t, m, id)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestHandlerPanicFailsTaskWorkerSurvives(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.Workers = 1
	})
	var calls atomic.Int32
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil, nil
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)
	got := waitTerminal(t, m, id)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, string(errkind.Internal), got.ErrorKind)
	assert.Contains(t, got.Error, "panic")

	// The single worker is still alive to serve the next task.
	id2, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)
	got2 := waitTerminal(t, m, id2)
	assert.Equal(t, StateSucceeded, got2.State)
}

func TestSubscribeStreamsTransitions(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{}, 1)

	m := newTestManager(t, nil)
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		running <- struct{}{}
		<-release
		return json.RawMessage(`1`), nil
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)
	<-running

	ch, cancel, err := m.Subscribe(id)
	require.NoError(t, err)
	defer cancel()

	first := <-ch
	assert.Equal(t, StateRunning, first.State)

	close(release)

	var last Task
	for snap := range ch {
		last = snap
	}
	assert.Equal(t, StateSucceeded, last.State)
	assert.JSONEq(t, `1`, string(last.Result))
}

func TestSubscribeTerminalClosesImmediately(t *testing.T) {
	m := newTestManager(t, nil)
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	start(t, m)

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)
	waitTerminal(t, m, id)

	ch, cancel, err := m.Subscribe(id)
	require.NoError(t, err)
	defer cancel()

	snap, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, snap.State)

	_, ok = <-ch
	assert.False(t, ok)
}

func TestRecoverRewritesInterruptedTasks(t *testing.T) {
	dir := t.TempDir()

	interrupted := Task{
		ID:        uuid.New().String(),
		Type:      testType,
		State:     StateRunning,
		CreatedAt: time.Now().UTC(),
		Attempts:  1,
	}
	done := Task{
		ID:        uuid.New().String(),
		Type:      testType,
		State:     StateSucceeded,
		CreatedAt: time.Now().UTC(),
		Attempts:  1,
	}
	for _, tk := range []Task{interrupted, done} {
		raw, err := json.Marshal(tk)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, tk.ID+".json"), raw, 0o600))
	}

	m := newTestManager(t, func(c *Config) { c.Dir = dir })
	start(t, m)

	got, err := m.Get(context.Background(), interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "interrupted", got.Error)

	kept, err := m.Get(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, kept.State)
}

func TestStatusReflectsLifecycle(t *testing.T) {
	m := newTestManager(t, nil)
	assert.Equal(t, registry.StateUnhealthy, m.Status(context.Background()).State)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, registry.StateHealthy, m.Status(context.Background()).State)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Cleanup(ctx))
	assert.Equal(t, registry.StateDegraded, m.Status(context.Background()).State)
}

func TestCleanupDrainsInFlightWork(t *testing.T) {
	m := newTestManager(t, nil)
	m.RegisterHandler(testType, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	require.NoError(t, m.Initialize(context.Background()))

	id, err := m.Submit(context.Background(), testType, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Cleanup(ctx))

	got, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)

	// Submit after close is refused.
	_, err = m.Submit(context.Background(), testType, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.QueueFull, errkind.KindOf(err))
}
