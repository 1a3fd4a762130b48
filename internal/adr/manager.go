package adr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/kb"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/knowledged/internal/adr")

// Indexer is the slice of the knowledge base the ADR manager uses.
type Indexer interface {
	Index(ctx context.Context, p kb.Pattern) (string, error)
	Delete(ctx context.Context, id string) error
}

// Manager owns the ADR directory. One mutex covers number allocation and
// record mutation, keeping numbers dense and monotone.
type Manager struct {
	dir     string
	indexer Indexer
	logger  *zap.Logger

	mu    sync.Mutex
	byID  map[string]*ADR
	files map[string]string // id -> filename on disk

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager creates an ADR manager. The indexer may be nil in tests.
func NewManager(dir string, indexer Indexer, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("adr dir required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:     dir,
		indexer: indexer,
		logger:  logger,
		byID:    make(map[string]*ADR),
		files:   make(map[string]string),
	}, nil
}

// Name implements registry.Component.
func (m *Manager) Name() string { return "adr" }

// Initialize scans the directory, numbers new files, reconciles
// supersession links, indexes every record and starts the file watcher.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create adr dir: %w", err)
	}
	if err := m.scan(ctx); err != nil {
		return err
	}
	m.reconcile()
	m.indexAll(ctx)
	return m.startWatcher()
}

// Cleanup stops the file watcher.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.watcher != nil {
		close(m.done)
		return m.watcher.Close()
	}
	return nil
}

// Status implements registry.Component.
func (m *Manager) Status(ctx context.Context) registry.Status {
	if _, err := os.Stat(m.dir); err != nil {
		return registry.Status{State: registry.StateUnhealthy, Detail: "adr dir missing"}
	}
	return registry.Status{State: registry.StateHealthy}
}

// Create writes a new proposed ADR with the next dense number.
func (m *Manager) Create(ctx context.Context, title, body string, tags []string) (*ADR, error) {
	ctx, span := tracer.Start(ctx, "adr.Create")
	defer span.End()

	if title == "" {
		return nil, errkind.New(errkind.ValidationFailed, "title is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := &ADR{
		ID:     uuid.New().String(),
		Number: m.nextNumberLocked(),
		Title:  title,
		Status: StatusProposed,
		Date:   time.Now().UTC().Truncate(24 * time.Hour),
		Tags:   tags,
		Body:   body,
	}
	if err := m.saveLocked(a); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "write adr file", err)
	}

	m.indexOne(ctx, a)
	out := *a
	return &out, nil
}

// Get returns one ADR by id.
func (m *Manager) Get(ctx context.Context, id string) (*ADR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "adr %s not found", id)
	}
	out := *a
	return &out, nil
}

// List returns ADRs sorted by number, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status string) ([]ADR, error) {
	if status != "" && !validStatus(status) {
		return nil, errkind.Newf(errkind.ValidationFailed, "unknown status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ADR, 0, len(m.byID))
	for _, a := range m.byID {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Transition moves an ADR to a new status. Illegal moves leave the
// record unchanged and fail with adr-illegal-transition. Superseded is
// never a direct target; use Supersede.
func (m *Manager) Transition(ctx context.Context, id, to string) (*ADR, error) {
	ctx, span := tracer.Start(ctx, "adr.Transition")
	defer span.End()

	if !validStatus(to) {
		return nil, errkind.Newf(errkind.ValidationFailed, "unknown status %q", to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "adr %s not found", id)
	}
	if to == StatusSuperseded {
		return nil, errkind.Newf(errkind.ADRIllegalTransition,
			"adr %s: superseded is only reachable through supersession", id)
	}
	if !CanTransition(a.Status, to) {
		return nil, errkind.Newf(errkind.ADRIllegalTransition,
			"adr %s: cannot move %s to %s", id, a.Status, to)
	}

	previous := a.Status
	a.Status = to
	if err := m.saveLocked(a); err != nil {
		a.Status = previous
		return nil, errkind.Wrap(errkind.Internal, "write adr file", err)
	}

	// Status-only changes keep the embedded text intact, so the vector
	// is not touched.
	out := *a
	return &out, nil
}

// Supersede replaces an ADR with a new proposed record. The successor is
// written before the predecessor is marked, so a crash in between leaves
// a dangling citation for startup reconciliation rather than a record
// that points at nothing.
func (m *Manager) Supersede(ctx context.Context, oldID, title, body string, tags []string) (*ADR, error) {
	ctx, span := tracer.Start(ctx, "adr.Supersede")
	defer span.End()

	if title == "" {
		return nil, errkind.New(errkind.ValidationFailed, "title is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.byID[oldID]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "adr %s not found", oldID)
	}
	if Terminal(old.Status) {
		return nil, errkind.Newf(errkind.ADRIllegalTransition,
			"adr %s is %s and cannot be superseded", oldID, old.Status)
	}

	successor := &ADR{
		ID:         uuid.New().String(),
		Number:     m.nextNumberLocked(),
		Title:      title,
		Status:     StatusProposed,
		Date:       time.Now().UTC().Truncate(24 * time.Hour),
		Tags:       tags,
		Supersedes: oldID,
		Body:       body,
	}
	if err := m.saveLocked(successor); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "write successor", err)
	}

	previous := old.Status
	old.Status = StatusSuperseded
	if err := m.saveLocked(old); err != nil {
		old.Status = previous
		return nil, errkind.Wrap(errkind.Internal, "mark predecessor superseded", err)
	}

	m.indexOne(ctx, successor)
	out := *successor
	return &out, nil
}

// nextNumberLocked returns max+1 over known records. Caller holds m.mu.
func (m *Manager) nextNumberLocked() int {
	max := 0
	for _, a := range m.byID {
		if a.Number > max {
			max = a.Number
		}
	}
	return max + 1
}

// saveLocked writes the ADR file atomically and updates the in-memory
// maps. The file is renamed when the canonical name changed. Caller
// holds m.mu.
func (m *Manager) saveLocked(a *ADR) error {
	raw, err := a.Marshal()
	if err != nil {
		return err
	}

	name := a.Filename()
	path := filepath.Join(m.dir, name)

	tmp, err := os.CreateTemp(m.dir, ".tmp-*")
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
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if old, ok := m.files[a.ID]; ok && old != name {
		_ = os.Remove(filepath.Join(m.dir, old))
	}
	m.files[a.ID] = name
	m.byID[a.ID] = a
	return nil
}

// scan loads every .md file, assigning ids and dense numbers to files
// that arrived without them.
func (m *Manager) scan(ctx context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read adr dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	m.mu.Lock()
	defer m.mu.Unlock()

	var unnumbered []*ADR
	seen := make(map[int]bool)
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			m.logger.Warn("skipping unreadable adr file", zap.String("file", name), zap.Error(err))
			continue
		}
		a, err := Parse(raw)
		if err != nil {
			m.logger.Warn("skipping malformed adr file", zap.String("file", name), zap.Error(err))
			continue
		}
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.Number <= 0 || seen[a.Number] {
			a.Number = 0
			unnumbered = append(unnumbered, a)
		} else {
			seen[a.Number] = true
		}
		m.byID[a.ID] = a
		m.files[a.ID] = name
	}

	// New or conflicting files get the next dense numbers in filename
	// order, then are rewritten under their canonical names.
	for _, a := range unnumbered {
		a.Number = m.nextNumberLocked()
		if err := m.saveLocked(a); err != nil {
			return fmt.Errorf("renumber adr %s: %w", a.Title, err)
		}
	}

	return nil
}

// reconcile logs superseded records no successor cites.
func (m *Manager) reconcile() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cited := make(map[string]bool)
	for _, a := range m.byID {
		if a.Supersedes != "" {
			cited[a.Supersedes] = true
		}
	}
	for _, a := range m.byID {
		if a.Status == StatusSuperseded && !cited[a.ID] {
			m.logger.Warn("superseded adr has no citing successor",
				zap.String("id", a.ID), zap.Int("number", a.Number))
		}
	}
}

// indexAll pushes every record into the knowledge base.
func (m *Manager) indexAll(ctx context.Context) {
	m.mu.Lock()
	records := make([]*ADR, 0, len(m.byID))
	for _, a := range m.byID {
		rec := *a
		records = append(records, &rec)
	}
	m.mu.Unlock()

	for _, a := range records {
		m.indexOne(ctx, a)
	}
}

// indexOne mirrors an ADR into the knowledge base, best effort: ADR
// files are authoritative and must stay writable while the vector index
// is down.
func (m *Manager) indexOne(ctx context.Context, a *ADR) {
	if m.indexer == nil {
		return
	}
	_, err := m.indexer.Index(ctx, kb.Pattern{
		ID:    a.ID,
		Kind:  kb.KindADR,
		Title: a.Title,
		Body:  a.Body,
		Tags:  a.Tags,
	})
	if err != nil {
		m.logger.Warn("adr indexing failed", zap.String("id", a.ID), zap.Error(err))
	}
}

// startWatcher re-indexes ADR files edited outside the API.
func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch adr dir: %w", err)
	}
	m.watcher = watcher
	m.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-m.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				name := filepath.Base(event.Name)
				if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
					continue
				}
				m.handleExternalEdit(name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("adr watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// handleExternalEdit reloads one file and re-indexes its record.
func (m *Manager) handleExternalEdit(name string) {
	raw, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return
	}
	a, err := Parse(raw)
	if err != nil {
		m.logger.Warn("ignoring malformed adr edit", zap.String("file", name), zap.Error(err))
		return
	}

	m.mu.Lock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if existing, ok := m.byID[a.ID]; ok && a.Number <= 0 {
		a.Number = existing.Number
	}
	if a.Number <= 0 {
		a.Number = m.nextNumberLocked()
	}
	m.byID[a.ID] = a
	m.files[a.ID] = name
	rec := *a
	m.mu.Unlock()

	m.indexOne(context.Background(), &rec)
}
