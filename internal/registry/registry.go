// Package registry tracks component lifecycle for knowledged.
//
// Every component registers once at startup with a criticality flag.
// Initialization runs in registration order; teardown runs in reverse with
// best-effort cleanup. Handlers borrow component references through the
// owning server, not through this package.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is a component health state.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status reports a component's current health.
type Status struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Component is the lifecycle contract every knowledged component fulfills.
type Component interface {
	Name() string
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Status(ctx context.Context) Status
}

type entry struct {
	component Component
	critical  bool
	started   bool
}

// Registry holds components in initialization order.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byName: make(map[string]*entry),
		logger: logger,
	}
}

// Register adds a component. Critical components abort startup when their
// Initialize fails; non-critical components leave the process degraded.
func (r *Registry) Register(c Component, critical bool) error {
	if c == nil {
		return fmt.Errorf("component is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("component %q already registered", name)
	}
	e := &entry{component: c, critical: critical}
	r.entries = append(r.entries, e)
	r.byName[name] = e
	return nil
}

// Initialize runs Initialize on every component in registration order.
// A critical component's failure aborts immediately. A non-critical
// failure is logged and skipped unless strict is set, in which case it
// aborts as well (dependency-unavailable startup policy).
func (r *Registry) Initialize(ctx context.Context, strict bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		name := e.component.Name()
		if err := e.component.Initialize(ctx); err != nil {
			if e.critical || strict {
				return fmt.Errorf("initialize %s: %w", name, err)
			}
			r.logger.Warn("component initialization failed, continuing degraded",
				zap.String("component", name),
				zap.Error(err))
			continue
		}
		e.started = true
		r.logger.Info("component initialized", zap.String("component", name))
	}
	return nil
}

// Cleanup tears components down in reverse registration order. Errors are
// logged and collected but never stop the remaining cleanups.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !e.started {
			continue
		}
		e.started = false
		if err := e.component.Cleanup(ctx); err != nil {
			r.logger.Warn("component cleanup failed",
				zap.String("component", e.component.Name()),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Statuses returns the per-component health snapshot.
func (r *Registry) Statuses(ctx context.Context) map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.entries))
	for _, e := range r.entries {
		if !e.started {
			out[e.component.Name()] = Status{State: StateUnhealthy, Detail: "not initialized"}
			continue
		}
		out[e.component.Name()] = e.component.Status(ctx)
	}
	return out
}

// Overall aggregates component health: unhealthy when any critical
// component is unhealthy, degraded when only non-critical components are
// unhealthy or any component reports degraded, healthy otherwise.
func (r *Registry) Overall(ctx context.Context) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := StateHealthy
	for _, e := range r.entries {
		var s Status
		if !e.started {
			s = Status{State: StateUnhealthy}
		} else {
			s = e.component.Status(ctx)
		}
		switch s.State {
		case StateUnhealthy:
			if e.critical {
				return StateUnhealthy
			}
			state = StateDegraded
		case StateDegraded:
			if state == StateHealthy {
				state = StateDegraded
			}
		}
	}
	return state
}

// Started reports whether the named component initialized successfully.
func (r *Registry) Started(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	return ok && e.started
}

// Names returns component names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.component.Name())
	}
	return names
}
