package adr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/kb"
)

type recordingIndexer struct {
	mu       sync.Mutex
	patterns []kb.Pattern
}

func (r *recordingIndexer) Index(ctx context.Context, p kb.Pattern) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, p)
	return p.ID, nil
}

func (r *recordingIndexer) Delete(ctx context.Context, id string) error { return nil }

func (r *recordingIndexer) indexed() []kb.Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kb.Pattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

func newTestManager(t *testing.T) (*Manager, *recordingIndexer, string) {
	t.Helper()
	dir := t.TempDir()
	indexer := &recordingIndexer{}
	m, err := NewManager(dir, indexer, nil)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Cleanup(context.Background()) })
	return m, indexer, dir
}

func TestCreateAssignsDenseNumbers(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "First decision", "body", nil)
	require.NoError(t, err)
	second, err := m.Create(ctx, "Second decision", "body", nil)
	require.NoError(t, err)
	third, err := m.Create(ctx, "Third decision", "body", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Number)
	assert.Equal(t, 2, second.Number)
	assert.Equal(t, 3, third.Number)

	_, err = os.Stat(filepath.Join(dir, "001-first-decision.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "002-second-decision.md"))
	assert.NoError(t, err)
}

func TestCreateIndexesIntoKB(t *testing.T) {
	m, indexer, _ := newTestManager(t)

	a, err := m.Create(context.Background(), "Indexed decision", "the body", []string{"infra"})
	require.NoError(t, err)

	patterns := indexer.indexed()
	require.Len(t, patterns, 1)
	assert.Equal(t, a.ID, patterns[0].ID)
	assert.Equal(t, kb.KindADR, patterns[0].Kind)
	assert.Equal(t, "Indexed decision", patterns[0].Title)
}

func TestTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "Lifecycle", "body", nil)
	require.NoError(t, err)

	got, err := m.Transition(ctx, a.ID, StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)

	got, err = m.Transition(ctx, a.ID, StatusImplemented)
	require.NoError(t, err)
	assert.Equal(t, StatusImplemented, got.Status)

	got, err = m.Transition(ctx, a.ID, StatusDeprecated)
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, got.Status)
}

func TestIllegalTransitionLeavesRecordUnchanged(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "Strict machine", "body", nil)
	require.NoError(t, err)

	_, err = m.Transition(ctx, a.ID, StatusImplemented)
	require.Error(t, err)
	assert.Equal(t, errkind.ADRIllegalTransition, errkind.KindOf(err))

	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, got.Status)
}

func TestDeprecateProposedRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "Never adopted", "body", nil)
	require.NoError(t, err)

	_, err = m.Transition(ctx, a.ID, StatusDeprecated)
	require.Error(t, err)
	assert.Equal(t, errkind.ADRIllegalTransition, errkind.KindOf(err))

	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, got.Status)
}

func TestDirectSupersededTransitionRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "No shortcut", "body", nil)
	require.NoError(t, err)

	_, err = m.Transition(ctx, a.ID, StatusSuperseded)
	require.Error(t, err)
	assert.Equal(t, errkind.ADRIllegalTransition, errkind.KindOf(err))
}

func TestSupersede(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	old, err := m.Create(ctx, "Original", "body", nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, old.ID, StatusAccepted)
	require.NoError(t, err)

	successor, err := m.Supersede(ctx, old.ID, "Replacement", "new body", nil)
	require.NoError(t, err)
	assert.Equal(t, old.ID, successor.Supersedes)
	assert.Equal(t, StatusProposed, successor.Status)
	assert.Equal(t, old.Number+1, successor.Number)

	oldAfter, err := m.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, oldAfter.Status)

	// A terminal record cannot be superseded again.
	_, err = m.Supersede(ctx, old.ID, "Again", "body", nil)
	assert.Equal(t, errkind.ADRIllegalTransition, errkind.KindOf(err))
}

func TestListFilterAndOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "Alpha", "body", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "Beta", "body", nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, a.ID, StatusAccepted)
	require.NoError(t, err)

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Number)
	assert.Equal(t, 2, all[1].Number)

	accepted, err := m.List(ctx, StatusAccepted)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, a.ID, accepted[0].ID)

	_, err = m.List(ctx, "bogus")
	assert.Equal(t, errkind.ValidationFailed, errkind.KindOf(err))
}

func TestInitializeScansAndNumbersExistingFiles(t *testing.T) {
	dir := t.TempDir()

	// A pre-numbered file and a bare one dropped in by hand.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001-existing.md"),
		[]byte("---\nid: 7b1e9a14-91c7-4e25-9a5a-111111111111\nnumber: 1\ntitle: Existing\nstatus: accepted\n---\n\nold body\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new-idea.md"),
		[]byte("---\ntitle: New idea\n---\n\nfresh body\n"), 0o600))

	indexer := &recordingIndexer{}
	m, err := NewManager(dir, indexer, nil)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Cleanup(context.Background()) })

	all, err := m.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Number)
	assert.Equal(t, "Existing", all[0].Title)
	assert.Equal(t, 2, all[1].Number)
	assert.Equal(t, "New idea", all[1].Title)

	// The bare file was rewritten under its canonical name.
	_, err = os.Stat(filepath.Join(dir, "002-new-idea.md"))
	assert.NoError(t, err)

	// Both records were pushed to the knowledge base.
	assert.Len(t, indexer.indexed(), 2)
}

func TestGetUnknownIsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "na")
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}
