package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

// teiServer fakes a TEI backend returning deterministic vectors.
func teiServer(t *testing.T, dim int) (*httptest.Server, *[]int) {
	t.Helper()
	var mu sync.Mutex
	var batches []int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)

		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		batches = append(batches, len(req.Inputs))
		mu.Unlock()

		vectors := make([][]float32, len(req.Inputs))
		for i := range vectors {
			v := make([]float32, dim)
			v[0] = float32(len(req.Inputs[i]))
			vectors[i] = v
		}
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
	t.Cleanup(srv.Close)
	return srv, &batches
}

func newTestService(t *testing.T, endpoint string, dim int) *Service {
	t.Helper()
	svc, err := NewService(Config{Endpoint: endpoint, Model: "test-model", Dim: dim}, nil, NewMetrics(nil))
	require.NoError(t, err)
	return svc
}

func TestEmbedPreservesOrder(t *testing.T) {
	srv, _ := teiServer(t, 4)
	svc := newTestService(t, srv.URL, 4)

	vectors, err := svc.Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	// The fake encodes input length in the first element.
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
	assert.Equal(t, float32(3), vectors[2][0])
}

func TestEmbedBatches(t *testing.T) {
	srv, batches := teiServer(t, 4)
	svc := newTestService(t, srv.URL, 4)

	texts := make([]string, 70)
	for i := range texts {
		texts[i] = "text"
	}

	vectors, err := svc.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vectors, 70)
	assert.Equal(t, []int{32, 32, 6}, *batches)
}

func TestEmbedEmptyInput(t *testing.T) {
	srv, _ := teiServer(t, 4)
	svc := newTestService(t, srv.URL, 4)

	_, err := svc.Embed(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errkind.ValidationFailed, errkind.KindOf(err))

	_, err = svc.Embed(context.Background(), []string{"ok", ""})
	require.Error(t, err)
	assert.Equal(t, errkind.ValidationFailed, errkind.KindOf(err))
}

func TestEmbedDimMismatch(t *testing.T) {
	srv, _ := teiServer(t, 4)
	svc := newTestService(t, srv.URL, 8)

	_, err := svc.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, errkind.Internal, errkind.KindOf(err))
}

func TestEmbedBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	svc := newTestService(t, srv.URL, 4)

	_, err := svc.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, errkind.EmbedderUnavailable, errkind.KindOf(err))
	assert.Equal(t, registry.StateUnhealthy, svc.Status(context.Background()).State)
}

func TestWarmAndStatus(t *testing.T) {
	srv, _ := teiServer(t, 4)
	svc := newTestService(t, srv.URL, 4)

	require.NoError(t, svc.Initialize(context.Background()))
	assert.Equal(t, registry.StateHealthy, svc.Status(context.Background()).State)
	assert.Equal(t, 4, svc.Dim())
	assert.Equal(t, "embedder", svc.Name())
	assert.NoError(t, svc.Cleanup(context.Background()))
}

func TestWarmUnreachable(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", 4)

	err := svc.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.EmbedderUnavailable, errkind.KindOf(err))
}
