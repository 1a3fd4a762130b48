package kb

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/cache"
	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeEmbedder) Dim() int { return 4 }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls += len(texts)
	f.mu.Unlock()
	if f.fail {
		return nil, errkind.New(errkind.EmbedderUnavailable, "backend down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePoint struct {
	vector  []float32
	payload map[string]any
}

type fakeStore struct {
	mu         sync.Mutex
	points     map[string]fakePoint
	degraded   bool
	failUpsert bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{points: map[string]fakePoint{}}
}

func (f *fakeStore) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert {
		return errkind.New(errkind.VectorUnavailable, "upsert refused")
	}
	f.points[id] = fakePoint{vector: vector, payload: payload}
	return nil
}

func (f *fakeStore) Search(ctx context.Context, vector []float32, k int, filter *vectorstore.Filter) ([]vectorstore.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []vectorstore.Result
	for id, p := range f.points {
		if filter != nil && len(filter.Kinds) > 0 {
			kind, _ := p.payload["kind"].(string)
			match := false
			for _, want := range filter.Kinds {
				if kind == want {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		results = append(results, vectorstore.Result{ID: id, Score: 1, Payload: p.payload})
	}
	// Stable order by id, capped at k.
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].ID < results[i].ID {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "vector %s not found", id)
	}
	return p.payload, nil
}

func (f *fakeStore) Vector(ctx context.Context, id string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "vector %s not found", id)
	}
	return p.vector, nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.points, id)
	return nil
}

func (f *fakeStore) ListIDs(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.points))
	for id := range f.points {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *fakeStore) setDegraded(v bool) {
	f.mu.Lock()
	f.degraded = v
	f.mu.Unlock()
}

type kbFixture struct {
	kb       *KnowledgeBase
	embedder *fakeEmbedder
	store    *fakeStore
	cache    *cache.Cache
}

func newFixture(t *testing.T) *kbFixture {
	t.Helper()
	embedder := &fakeEmbedder{}
	store := newFakeStore()
	c := cache.New(cache.Config{MemBytes: 1 << 20}, nil)
	require.NoError(t, c.Initialize(context.Background()))

	k, err := New(Config{Dir: t.TempDir(), Model: "test-model"}, embedder, store, c, nil)
	require.NoError(t, err)
	require.NoError(t, k.Initialize(context.Background()))

	return &kbFixture{kb: k, embedder: embedder, store: store, cache: c}
}

func samplePattern() Pattern {
	return Pattern{
		Kind:     KindCode,
		Title:    "Striped LRU cache",
		Body:     "Shard the cache by key hash to cut lock contention.",
		Tags:     []string{"cache", "concurrency"},
		Language: "go",
	}
}

func TestIndexRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	got, err := fx.kb.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Striped LRU cache", got.Title)
	assert.False(t, got.CreatedAt.IsZero())

	results, fromCache, err := fx.kb.Search(ctx, "lock contention", 5, nil)
	require.NoError(t, err)
	assert.False(t, fromCache)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Pattern.ID)

	// Vector payload mirrors the sidecar metadata.
	payload, err := fx.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, KindCode, payload["kind"])
}

func TestIndexValidation(t *testing.T) {
	fx := newFixture(t)

	p := samplePattern()
	p.Kind = "poem"
	_, err := fx.kb.Index(context.Background(), p)
	assert.Equal(t, errkind.ValidationFailed, errkind.KindOf(err))

	p = samplePattern()
	p.Title = ""
	_, err = fx.kb.Index(context.Background(), p)
	assert.Equal(t, errkind.ValidationFailed, errkind.KindOf(err))
}

func TestIndexRollbackOnVectorFailure(t *testing.T) {
	fx := newFixture(t)
	fx.store.failUpsert = true

	_, err := fx.kb.Index(context.Background(), samplePattern())
	require.Error(t, err)
	assert.Equal(t, errkind.IndexFailed, errkind.KindOf(err))

	// No sidecar survives the rollback.
	ids, err := fx.kb.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	require.NoError(t, fx.kb.Delete(ctx, id))

	_, err = fx.kb.Get(ctx, id)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))

	results, _, err := fx.kb.Search(ctx, "lock contention", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchDegradedReturnsEmpty(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)
	_ = id

	fx.store.setDegraded(true)

	results, fromCache, err := fx.kb.Search(ctx, "anything", 5, nil)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Empty(t, results)

	_, err = fx.kb.Index(ctx, samplePattern())
	assert.Equal(t, errkind.VectorUnavailable, errkind.KindOf(err))
}

func TestSearchQueryCache(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	_, fromCache, err := fx.kb.Search(ctx, "cache design", 5, nil)
	require.NoError(t, err)
	assert.False(t, fromCache)

	_, fromCache, err = fx.kb.Search(ctx, "cache design", 5, nil)
	require.NoError(t, err)
	assert.True(t, fromCache)

	// Indexing a pattern of the same kind invalidates the cached query.
	_, err = fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	_, fromCache, err = fx.kb.Search(ctx, "cache design", 5, nil)
	require.NoError(t, err)
	assert.False(t, fromCache)
}

func TestSearchKindFilter(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	adr := samplePattern()
	adr.Kind = KindADR
	adrID, err := fx.kb.Index(ctx, adr)
	require.NoError(t, err)

	results, _, err := fx.kb.Search(ctx, "q", 10, &vectorstore.Filter{Kinds: []string{KindADR}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, adrID, results[0].Pattern.ID)
}

func TestUpdateMetadataOnlySkipsReembed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)
	before := fx.embedder.callCount()

	tags := []string{"retagged"}
	updated, err := fx.kb.Update(ctx, id, UpdatePatch{Tags: &tags})
	require.NoError(t, err)
	assert.Equal(t, []string{"retagged"}, updated.Tags)
	assert.Equal(t, before, fx.embedder.callCount())

	title := "A different title"
	_, err = fx.kb.Update(ctx, id, UpdatePatch{Title: &title})
	require.NoError(t, err)
	assert.Greater(t, fx.embedder.callCount(), before)
}

func TestUpdateRollbackKeepsPrevious(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	fx.store.failUpsert = true
	title := "Broken update"
	_, err = fx.kb.Update(ctx, id, UpdatePatch{Title: &title})
	require.Error(t, err)
	assert.Equal(t, errkind.IndexFailed, errkind.KindOf(err))

	got, err := fx.kb.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Striped LRU cache", got.Title)
}

func TestHydrationDropsOrphans(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	// A vector with no sidecar must never surface.
	orphan := uuid.New().String()
	require.NoError(t, fx.store.Upsert(ctx, orphan, []float32{1, 0, 0, 0}, map[string]any{"kind": KindCode}))

	results, _, err := fx.kb.Search(ctx, "q", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEqual(t, orphan, results[0].Pattern.ID)
}

func TestInitializeSweepsOrphans(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	orphan := uuid.New().String()
	require.NoError(t, fx.store.Upsert(ctx, orphan, []float32{1, 0, 0, 0}, nil))

	require.NoError(t, fx.kb.Initialize(ctx))

	ids, err := fx.store.ListIDs(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestSimilarToExcludesSelf(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	other := samplePattern()
	other.Title = "Write-through disk spill"
	second, err := fx.kb.Index(ctx, other)
	require.NoError(t, err)

	results, err := fx.kb.SimilarTo(ctx, first, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, second, results[0].Pattern.ID)
}

func TestGetRejectsNonUUID(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.kb.Get(context.Background(), "../../etc/passwd")
	assert.Equal(t, errkind.ValidationFailed, errkind.KindOf(err))
}

func TestCorruptSidecarIsNotFound(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.kb.Index(ctx, samplePattern())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(fx.kb.sidecarPath(id), []byte("{broken"), 0o600))

	_, err = fx.kb.Get(ctx, id)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}
