package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/cache"
	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/knowledged/internal/kb")

// sweepLimit bounds how many vector ids the startup orphan sweep pulls.
const sweepLimit = 10000

// Embedder is the embedding contract the knowledge base consumes.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Config holds knowledge base settings.
type Config struct {
	// Dir is kb_dir; sidecars live under Dir/patterns.
	Dir string

	// Model is the embedding model identifier, part of embedding cache
	// keys so a model change never reuses stale vectors.
	Model string
}

// KnowledgeBase indexes and searches patterns.
//
// Writes go sidecar-first: the sidecar is written, then the vector is
// embedded and upserted; an index failure rolls the sidecar back so the
// two stores never diverge in the success path. Orphan vectors left by
// crashes are reaped by the startup sweep.
type KnowledgeBase struct {
	config   Config
	embedder Embedder
	vectors  vectorstore.Store
	cache    *cache.Cache
	logger   *zap.Logger
}

// New creates a knowledge base.
func New(config Config, embedder Embedder, vectors vectorstore.Store, c *cache.Cache, logger *zap.Logger) (*KnowledgeBase, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("kb dir required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeBase{
		config:   config,
		embedder: embedder,
		vectors:  vectors,
		cache:    c,
		logger:   logger,
	}, nil
}

// Name implements registry.Component.
func (kb *KnowledgeBase) Name() string { return "kb" }

// Initialize creates the sidecar directory and reaps orphan vectors.
func (kb *KnowledgeBase) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(kb.patternsDir(), 0o700); err != nil {
		return fmt.Errorf("create patterns dir: %w", err)
	}
	if !kb.vectors.Degraded() {
		kb.sweepOrphans(ctx)
	}
	return nil
}

// Cleanup implements registry.Component.
func (kb *KnowledgeBase) Cleanup(ctx context.Context) error { return nil }

// Status implements registry.Component. The sidecar store is the
// authoritative half, so kb health is directory writability.
func (kb *KnowledgeBase) Status(ctx context.Context) registry.Status {
	probe := filepath.Join(kb.patternsDir(), ".probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return registry.Status{State: registry.StateUnhealthy, Detail: "patterns dir not writable"}
	}
	_ = os.Remove(probe)
	return registry.Status{State: registry.StateHealthy}
}

func (kb *KnowledgeBase) patternsDir() string {
	return filepath.Join(kb.config.Dir, "patterns")
}

func (kb *KnowledgeBase) sidecarPath(id string) string {
	return filepath.Join(kb.patternsDir(), id+".json")
}

// Index stores a pattern and returns its id. New patterns get a UUID.
func (kb *KnowledgeBase) Index(ctx context.Context, p Pattern) (string, error) {
	ctx, span := tracer.Start(ctx, "kb.Index")
	defer span.End()

	if err := p.Validate(); err != nil {
		return "", err
	}
	if kb.vectors.Degraded() {
		return "", errkind.New(errkind.VectorUnavailable, "vector index is unavailable")
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	span.SetAttributes(attribute.String("pattern.id", p.ID), attribute.String("pattern.kind", p.Kind))

	previous, hadPrevious := kb.readSidecar(p.ID)

	if err := kb.writeSidecar(&p); err != nil {
		return "", errkind.Wrap(errkind.IndexFailed, "write sidecar", err)
	}

	if err := kb.upsertVector(ctx, &p); err != nil {
		kb.rollbackSidecar(p.ID, previous, hadPrevious)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return "", errkind.Wrap(errkind.IndexFailed, "index pattern "+p.ID, err)
	}

	kb.invalidateQueries(p.Kind)
	return p.ID, nil
}

// Get reads one pattern from its sidecar.
func (kb *KnowledgeBase) Get(ctx context.Context, id string) (*Pattern, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errkind.Newf(errkind.ValidationFailed, "id must be a UUID: %q", id)
	}
	p, ok := kb.readSidecar(id)
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "pattern %s not found", id)
	}
	return p, nil
}

// Update merges patch into the stored pattern. The vector is re-embedded
// only when title or body changed; metadata-only updates refresh the
// payload through a fresh upsert of the stored vector.
func (kb *KnowledgeBase) Update(ctx context.Context, id string, patch UpdatePatch) (*Pattern, error) {
	ctx, span := tracer.Start(ctx, "kb.Update")
	defer span.End()

	current, err := kb.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if kb.vectors.Degraded() {
		return nil, errkind.New(errkind.VectorUnavailable, "vector index is unavailable")
	}

	updated := *current
	reembed := false
	if patch.Title != nil && *patch.Title != updated.Title {
		updated.Title = *patch.Title
		reembed = true
	}
	if patch.Body != nil && *patch.Body != updated.Body {
		updated.Body = *patch.Body
		reembed = true
	}
	if patch.Tags != nil {
		updated.Tags = *patch.Tags
	}
	if patch.Language != nil {
		updated.Language = *patch.Language
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := kb.writeSidecar(&updated); err != nil {
		return nil, errkind.Wrap(errkind.IndexFailed, "write sidecar", err)
	}

	var indexErr error
	if reembed {
		indexErr = kb.upsertVector(ctx, &updated)
	} else {
		var vector []float32
		vector, indexErr = kb.vectors.Vector(ctx, updated.ID)
		if indexErr == nil {
			indexErr = kb.vectors.Upsert(ctx, updated.ID, vector, updated.payload())
		}
	}
	if indexErr != nil {
		kb.rollbackSidecar(updated.ID, current, true)
		span.RecordError(indexErr)
		span.SetStatus(otelcodes.Error, indexErr.Error())
		return nil, errkind.Wrap(errkind.IndexFailed, "update pattern "+id, indexErr)
	}

	kb.invalidateQueries(updated.Kind)
	return &updated, nil
}

// Delete removes the sidecar and the vector. A failed vector delete is
// logged and left to the startup sweep.
func (kb *KnowledgeBase) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "kb.Delete")
	defer span.End()

	p, err := kb.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := os.Remove(kb.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.Internal, "remove sidecar", err)
	}

	if err := kb.vectors.Delete(ctx, id); err != nil {
		kb.logger.Warn("vector delete failed, orphan left for sweep",
			zap.String("id", id), zap.Error(err))
	}

	kb.invalidateQueries(p.Kind)
	return nil
}

// Search embeds the query and returns hydrated results. The second
// return reports whether the response came from the query cache. A
// degraded vector index yields an empty result set, not an error.
func (kb *KnowledgeBase) Search(ctx context.Context, query string, k int, filter *vectorstore.Filter) ([]SearchResult, bool, error) {
	ctx, span := tracer.Start(ctx, "kb.Search")
	defer span.End()

	if query == "" {
		return nil, false, errkind.New(errkind.ValidationFailed, "query is required")
	}
	if k <= 0 {
		k = 10
	}
	span.SetAttributes(attribute.Int("k", k))

	cacheKey := kb.queryCacheKey(query, k, filter)
	if kb.cache != nil {
		if raw, ok := kb.cache.Get(cacheKey); ok {
			var results []SearchResult
			if err := json.Unmarshal(raw, &results); err == nil {
				return results, true, nil
			}
			kb.cache.Invalidate(cacheKey)
		}
	}

	if kb.vectors.Degraded() {
		kb.logger.Warn("search served empty: vector index degraded")
		return []SearchResult{}, false, nil
	}

	vector, err := kb.embedQuery(ctx, query)
	if err != nil {
		return nil, false, err
	}

	hits, err := kb.vectors.Search(ctx, vector, k, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, false, err
	}

	results := kb.hydrate(hits)

	if kb.cache != nil {
		if raw, err := json.Marshal(results); err == nil {
			kb.cache.Set(cacheKey, raw, 0)
		}
	}
	return results, false, nil
}

// SimilarTo searches with the stored vector of an existing pattern. The
// pattern itself is excluded from the results.
func (kb *KnowledgeBase) SimilarTo(ctx context.Context, id string, k int) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "kb.SimilarTo")
	defer span.End()

	if _, err := kb.Get(ctx, id); err != nil {
		return nil, err
	}
	if kb.vectors.Degraded() {
		return []SearchResult{}, nil
	}
	if k <= 0 {
		k = 10
	}

	vector, err := kb.vectors.Vector(ctx, id)
	if err != nil {
		return nil, err
	}

	hits, err := kb.vectors.Search(ctx, vector, k+1, nil)
	if err != nil {
		return nil, err
	}

	filtered := hits[:0]
	for _, h := range hits {
		if h.ID != id {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) > k {
		filtered = filtered[:k]
	}
	return kb.hydrate(filtered), nil
}

// hydrate resolves hits against sidecars, dropping orphans.
func (kb *KnowledgeBase) hydrate(hits []vectorstore.Result) []SearchResult {
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		p, ok := kb.readSidecar(h.ID)
		if !ok {
			kb.logger.Warn("dropping orphan search hit", zap.String("id", h.ID))
			continue
		}
		results = append(results, SearchResult{Pattern: *p, Score: h.Score})
	}
	return results
}

// embedQuery embeds one query text through the embedding cache.
func (kb *KnowledgeBase) embedQuery(ctx context.Context, text string) ([]float32, error) {
	key := kb.embeddingCacheKey(text)
	if kb.cache != nil {
		if raw, ok := kb.cache.Get(key); ok {
			var vector []float32
			if err := json.Unmarshal(raw, &vector); err == nil && len(vector) == kb.embedder.Dim() {
				return vector, nil
			}
			kb.cache.Invalidate(key)
		}
	}

	vectors, err := kb.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	vector := vectors[0]

	if kb.cache != nil {
		if raw, err := json.Marshal(vector); err == nil {
			kb.cache.Set(key, raw, 0)
		}
	}
	return vector, nil
}

func (kb *KnowledgeBase) upsertVector(ctx context.Context, p *Pattern) error {
	vector, err := kb.embedQuery(ctx, p.embeddingText())
	if err != nil {
		return err
	}
	return kb.vectors.Upsert(ctx, p.ID, vector, p.payload())
}

// queryCacheKey tags the key with the kind when the filter pins exactly
// one, so Index/Update/Delete can invalidate by kind prefix.
func (kb *KnowledgeBase) queryCacheKey(query string, k int, filter *vectorstore.Filter) string {
	kindTag := "any"
	if filter != nil && len(filter.Kinds) == 1 {
		kindTag = filter.Kinds[0]
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00", query, k)
	if filter != nil {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d",
			strings.Join(filter.Kinds, ","), filter.Tag, filter.Language, filter.UpdatedAfter.Unix())
	}
	return "q:" + kindTag + ":" + hex.EncodeToString(h.Sum(nil))
}

func (kb *KnowledgeBase) embeddingCacheKey(text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s", kb.config.Model, text)
	return "e:" + hex.EncodeToString(h.Sum(nil))
}

// invalidateQueries drops cached queries scoped to kind and the
// unscoped ones.
func (kb *KnowledgeBase) invalidateQueries(kind string) {
	if kb.cache == nil {
		return
	}
	kb.cache.InvalidatePrefix("q:" + kind + ":")
	kb.cache.InvalidatePrefix("q:any:")
}

// sweepOrphans deletes vectors whose sidecar is gone.
func (kb *KnowledgeBase) sweepOrphans(ctx context.Context) {
	ids, err := kb.vectors.ListIDs(ctx, sweepLimit)
	if err != nil {
		kb.logger.Warn("orphan sweep skipped", zap.Error(err))
		return
	}
	reaped := 0
	for _, id := range ids {
		if _, ok := kb.readSidecar(id); ok {
			continue
		}
		if err := kb.vectors.Delete(ctx, id); err != nil {
			kb.logger.Warn("orphan vector delete failed", zap.String("id", id), zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		kb.logger.Info("orphan vectors reaped", zap.Int("count", reaped))
	}
}

// readSidecar loads one sidecar; ok is false when absent or unreadable.
func (kb *KnowledgeBase) readSidecar(id string) (*Pattern, bool) {
	raw, err := os.ReadFile(kb.sidecarPath(id))
	if err != nil {
		return nil, false
	}
	var p Pattern
	if err := json.Unmarshal(raw, &p); err != nil {
		kb.logger.Warn("corrupt sidecar", zap.String("id", id), zap.Error(err))
		return nil, false
	}
	return &p, true
}

// writeSidecar persists a pattern atomically (tmp file + rename).
func (kb *KnowledgeBase) writeSidecar(p *Pattern) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(kb.patternsDir(), ".tmp-*")
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
	return os.Rename(tmpName, kb.sidecarPath(p.ID))
}

// rollbackSidecar restores the pre-write sidecar state after an index
// failure.
func (kb *KnowledgeBase) rollbackSidecar(id string, previous *Pattern, hadPrevious bool) {
	if hadPrevious {
		if err := kb.writeSidecar(previous); err != nil {
			kb.logger.Error("sidecar rollback failed", zap.String("id", id), zap.Error(err))
		}
		return
	}
	if err := os.Remove(kb.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		kb.logger.Error("sidecar rollback failed", zap.String("id", id), zap.Error(err))
	}
}

// ListIDs returns all sidecar ids, used by callers that need a full scan.
func (kb *KnowledgeBase) ListIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(kb.patternsDir())
	if err != nil {
		return nil, fmt.Errorf("read patterns dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
