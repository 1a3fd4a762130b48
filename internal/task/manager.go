package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/knowledged/internal/task")

// subscriberBuffer sizes each subscription channel. A full channel drops
// the oldest snapshot so slow subscribers never block transitions.
const subscriberBuffer = 16

// drainPoll is how often Cleanup re-checks for in-flight work.
const drainPoll = 50 * time.Millisecond

// Handler executes one task type. It must honor ctx cancellation at every
// blocking step; the returned raw message becomes the task result.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Config holds task manager settings.
type Config struct {
	// Dir is where task sidecars live (<kb_dir>/tasks).
	Dir string

	// Workers is the fixed worker pool size.
	Workers int

	// QueueDepth bounds queued tasks; a full queue rejects Submit.
	QueueDepth int

	// Retries maps task type to its retry limit for retryable errors.
	// Missing types get zero retries.
	Retries map[Type]int

	// RetryBackoff delays a re-enqueue, multiplied by the attempt count.
	// Defaults to one second.
	RetryBackoff time.Duration
}

type record struct {
	task            Task
	cancel          context.CancelFunc // set while running
	cancelRequested bool
	subs            []chan Task
}

// Manager is the bounded-queue worker pool. Safe for concurrent use.
//
// Transition discipline: every state change is written to the task
// sidecar before any subscriber is notified, so restart-time state is
// never behind what a subscriber saw.
type Manager struct {
	config   Config
	logger   *zap.Logger
	metrics  *Metrics
	handlers map[Type]Handler

	mu     sync.Mutex
	tasks  map[string]*record
	queued int // ids currently reserved in the queue channel
	closed bool

	queue chan string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool

	rejections int64
}

// NewManager creates a task manager. Handlers are registered before
// Initialize starts the workers.
func NewManager(config Config, logger *zap.Logger, metrics *Metrics) (*Manager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("task dir required")
	}
	if config.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", config.Workers)
	}
	if config.QueueDepth < 1 {
		return nil, fmt.Errorf("queue depth must be at least 1, got %d", config.QueueDepth)
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[Type]Handler),
		tasks:    make(map[string]*record),
		queue:    make(chan string, config.QueueDepth),
	}, nil
}

// RegisterHandler binds a task type to its handler. Must be called
// before Initialize.
func (m *Manager) RegisterHandler(typ Type, h Handler) {
	m.handlers[typ] = h
}

// Name implements registry.Component.
func (m *Manager) Name() string { return "tasks" }

// Initialize recovers interrupted sidecars and starts the worker pool.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(m.config.Dir, 0o700); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	if err := m.recover(); err != nil {
		return err
	}

	// Workers outlive the init context; Cleanup stops them.
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

// Cleanup stops accepting tasks, waits for in-flight work to drain up to
// the ctx deadline, then cancels whatever remains.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
drain:
	for {
		if m.idle() {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}

	m.stop()
	m.wg.Wait()
	return nil
}

// idle reports whether no task is queued or running.
func (m *Manager) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queued > 0 {
		return false
	}
	for _, rec := range m.tasks {
		if rec.task.State == StateRunning {
			return false
		}
	}
	return true
}

// Status implements registry.Component.
func (m *Manager) Status(ctx context.Context) registry.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return registry.Status{State: registry.StateUnhealthy, Detail: "workers not started"}
	}
	if m.closed {
		return registry.Status{State: registry.StateDegraded, Detail: "draining"}
	}
	return registry.Status{State: registry.StateHealthy, Detail: fmt.Sprintf("queue %d/%d", m.queued, m.config.QueueDepth)}
}

// Submit enqueues a new task and returns its id. A full queue rejects
// with queue-full before any record is created.
func (m *Manager) Submit(ctx context.Context, typ Type, input json.RawMessage) (string, error) {
	_, span := tracer.Start(ctx, "task.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("task.type", string(typ)))

	if _, ok := m.handlers[typ]; !ok {
		return "", errkind.Newf(errkind.ValidationFailed, "unknown task type %q", typ)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.queued >= m.config.QueueDepth {
		m.rejections++
		m.metrics.rejections.Inc()
		return "", errkind.New(errkind.QueueFull, "task queue is full")
	}

	t := Task{
		ID:        uuid.New().String(),
		Type:      typ,
		State:     StateQueued,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.writeSidecar(t); err != nil {
		return "", errkind.Wrap(errkind.Internal, "persist task", err)
	}

	m.tasks[t.ID] = &record{task: t}
	m.queued++
	m.metrics.queueDepth.Set(float64(m.queued))
	m.metrics.RecordTransition(typ, StateQueued)

	// Capacity was reserved above, so this never blocks.
	m.queue <- t.ID
	return t.ID, nil
}

// Get returns a task snapshot by id.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "task %s not found", id)
	}
	t := rec.task
	return &t, nil
}

// Cancel cancels a task: queued tasks go straight to canceled, running
// tasks get a cooperative signal, terminal tasks are a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return errkind.Newf(errkind.NotFound, "task %s not found", id)
	}

	switch rec.task.State {
	case StateQueued:
		now := time.Now().UTC()
		rec.task.State = StateCanceled
		rec.task.FinishedAt = &now
		m.persistAndNotifyLocked(rec)
	case StateRunning:
		rec.cancelRequested = true
		if rec.cancel != nil {
			rec.cancel()
		}
	}
	return nil
}

// Subscribe returns a channel of task state snapshots, starting with the
// current one. The channel closes once the task is terminal. The cancel
// function detaches a subscriber that stops listening early.
func (m *Manager) Subscribe(id string) (<-chan Task, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return nil, nil, errkind.Newf(errkind.NotFound, "task %s not found", id)
	}

	ch := make(chan Task, subscriberBuffer)
	ch <- rec.task
	if Terminal(rec.task.State) {
		close(ch)
		return ch, func() {}, nil
	}

	rec.subs = append(rec.subs, ch)
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range rec.subs {
			if sub == ch {
				rec.subs = append(rec.subs[:i], rec.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

// Stats returns the queue depth, rejection count and state histogram.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byState := make(map[State]int)
	for _, rec := range m.tasks {
		byState[rec.task.State]++
	}
	return Stats{QueueDepth: m.queued, Rejections: m.rejections, ByState: byState}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case id := <-m.queue:
			m.mu.Lock()
			m.queued--
			m.metrics.queueDepth.Set(float64(m.queued))
			m.mu.Unlock()
			m.run(id)
		}
	}
}

// run executes one task end to end. The queued → running transition is
// taken under the lock, so no two workers ever run the same id.
func (m *Manager) run(id string) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok || rec.task.State != StateQueued {
		// Canceled while queued; the transition was already persisted.
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	rec.task.State = StateRunning
	rec.task.Attempts++
	rec.task.StartedAt = &now
	runCtx, cancel := context.WithCancel(m.baseCtx)
	rec.cancel = cancel
	typ := rec.task.Type
	input := rec.task.Input
	m.persistAndNotifyLocked(rec)
	m.mu.Unlock()

	result, err := m.invoke(runCtx, typ, input)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec.cancel = nil
	finished := time.Now().UTC()

	switch {
	case rec.cancelRequested:
		rec.task.State = StateCanceled
		rec.task.FinishedAt = &finished
	case err == nil:
		rec.task.State = StateSucceeded
		rec.task.Result = result
		rec.task.FinishedAt = &finished
	case errors.Is(err, context.Canceled):
		rec.task.State = StateFailed
		rec.task.Error = "interrupted"
		rec.task.ErrorKind = string(errkind.Internal)
		rec.task.FinishedAt = &finished
	case errkind.Retryable(err) && rec.task.Attempts <= m.retryLimit(typ) && !m.closed:
		m.requeueLocked(rec, err)
		return
	default:
		rec.task.State = StateFailed
		rec.task.Error = err.Error()
		rec.task.ErrorKind = string(errkind.KindOf(err))
		rec.task.FinishedAt = &finished
	}

	m.metrics.RecordDuration(typ, finished.Sub(now))
	m.persistAndNotifyLocked(rec)
}

// requeueLocked puts a retryable task back at the tail of the queue
// after a backoff. Tail placement avoids starving other tasks. A full
// queue fails the task instead. Caller holds m.mu.
func (m *Manager) requeueLocked(rec *record, cause error) {
	if m.queued >= m.config.QueueDepth {
		finished := time.Now().UTC()
		rec.task.State = StateFailed
		rec.task.Error = cause.Error()
		rec.task.ErrorKind = string(errkind.KindOf(cause))
		rec.task.FinishedAt = &finished
		m.persistAndNotifyLocked(rec)
		return
	}

	m.logger.Info("retrying task",
		zap.String("id", rec.task.ID),
		zap.String("type", string(rec.task.Type)),
		zap.Int("attempts", rec.task.Attempts),
		zap.Error(cause))

	rec.task.State = StateQueued
	rec.task.StartedAt = nil
	m.queued++
	m.metrics.queueDepth.Set(float64(m.queued))
	m.persistAndNotifyLocked(rec)

	// The slot is reserved, so the delayed send cannot block.
	id := rec.task.ID
	backoff := m.config.RetryBackoff * time.Duration(rec.task.Attempts)
	time.AfterFunc(backoff, func() { m.queue <- id })
}

// invoke dispatches to the handler with panic containment. A panicking
// handler fails its task with internal-error; the worker survives.
func (m *Manager) invoke(ctx context.Context, typ Type, input json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task handler panicked",
				zap.String("type", string(typ)),
				zap.Any("panic", r))
			err = errkind.Newf(errkind.Internal, "handler panic: %v", r)
			result = nil
		}
	}()
	return m.handlers[typ](ctx, input)
}

func (m *Manager) retryLimit(typ Type) int {
	return m.config.Retries[typ]
}

// persistAndNotifyLocked writes the sidecar, then broadcasts the
// snapshot. Terminal snapshots close every subscription. Caller holds
// m.mu.
func (m *Manager) persistAndNotifyLocked(rec *record) {
	snapshot := rec.task
	if err := m.writeSidecar(snapshot); err != nil {
		m.logger.Error("task sidecar write failed",
			zap.String("id", snapshot.ID), zap.Error(err))
	}
	m.metrics.RecordTransition(snapshot.Type, snapshot.State)

	for _, sub := range rec.subs {
		select {
		case sub <- snapshot:
		default:
			// Latest-wins: drop the oldest buffered snapshot.
			select {
			case <-sub:
			default:
			}
			sub <- snapshot
		}
	}
	if Terminal(snapshot.State) {
		for _, sub := range rec.subs {
			close(sub)
		}
		rec.subs = nil
	}
}

// recover loads existing sidecars. Tasks left queued or running by a
// previous process are rewritten failed{interrupted}: their side effects
// are at-most-once and cannot be resumed.
func (m *Manager) recover() error {
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		return fmt.Errorf("read tasks dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.config.Dir, name))
		if err != nil {
			m.logger.Warn("skipping unreadable task sidecar", zap.String("file", name), zap.Error(err))
			continue
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			m.logger.Warn("skipping corrupt task sidecar", zap.String("file", name), zap.Error(err))
			continue
		}

		if !Terminal(t.State) {
			now := time.Now().UTC()
			t.State = StateFailed
			t.Error = "interrupted"
			t.ErrorKind = string(errkind.Internal)
			t.FinishedAt = &now
			if err := m.writeSidecar(t); err != nil {
				m.logger.Error("rewriting interrupted task failed",
					zap.String("id", t.ID), zap.Error(err))
			}
			m.logger.Warn("recovered interrupted task", zap.String("id", t.ID))
		}
		m.tasks[t.ID] = &record{task: t}
	}
	return nil
}

func (m *Manager) sidecarPath(id string) string {
	return filepath.Join(m.config.Dir, id+".json")
}

// writeSidecar persists one task atomically (tmp file + rename).
func (m *Manager) writeSidecar(t Task) error {
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.config.Dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(raw)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		if werr == nil {
			werr = cerr
		}
		return werr
	}
	return os.Rename(tmpName, m.sidecarPath(t.ID))
}
