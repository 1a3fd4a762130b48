package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/knowledged/internal/vectorstore")

// errNotFound marks a point lookup miss inside retry closures.
var errNotFound = errors.New("point not found")

// QdrantStore implements Store against a Qdrant gRPC endpoint.
//
// Transient failures are retried with exponential backoff behind a
// circuit breaker; while the breaker is open or retries are exhausted the
// store reports degraded and operations fail with vector-unavailable.
type QdrantStore struct {
	client  *qdrant.Client
	config  Config
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker

	// probe checks endpoint liveness without touching the collection.
	probe func(ctx context.Context) error

	degraded atomic.Bool
}

// statusProbeTimeout bounds the liveness probe a degraded store runs
// during Status.
const statusProbeTimeout = 2 * time.Second

// NewQdrantStore creates a store. The connection is dialed lazily; use
// Initialize to verify reachability and the collection schema.
func NewQdrantStore(config Config, logger *zap.Logger) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	host, portStr, err := net.SplitHostPort(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", config.Endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint port %q: %w", portStr, err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	s := &QdrantStore{
		client: client,
		config: config,
		logger: logger,
	}
	s.probe = func(ctx context.Context) error {
		_, err := client.HealthCheck(ctx)
		return err
	}
	s.degraded.Store(true)

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "qdrant",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only transient faults count against the breaker; lookup
		// misses and schema conflicts are not connectivity problems.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("qdrant circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return s, nil
}

// Name implements registry.Component.
func (s *QdrantStore) Name() string { return "vectorstore" }

// Initialize verifies connectivity and the collection schema.
func (s *QdrantStore) Initialize(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return errkind.Wrap(errkind.VectorUnavailable, "qdrant health check", err)
	}
	return s.EnsureCollection(ctx)
}

// Cleanup implements registry.Component.
func (s *QdrantStore) Cleanup(ctx context.Context) error {
	return s.client.Close()
}

// Status implements registry.Component. A degraded store probes the
// endpoint here, so the health poll clears the flag once the index is
// reachable again even when no traffic is flowing through do.
func (s *QdrantStore) Status(ctx context.Context) registry.Status {
	if s.Degraded() {
		probeCtx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
		defer cancel()
		if err := s.probe(probeCtx); err != nil {
			return registry.Status{State: registry.StateUnhealthy, Detail: "vector index unreachable"}
		}
		s.logger.Info("vector index reachable again")
		s.degraded.Store(false)
	}
	return registry.Status{State: registry.StateHealthy}
}

// Degraded reports whether the last operation failed on connectivity.
func (s *QdrantStore) Degraded() bool { return s.degraded.Load() }

// EnsureCollection creates the collection when absent. An existing
// collection with a different vector dimension is vector-schema-mismatch.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection))

	return s.do(ctx, "ensure collection", func() error {
		info, err := s.client.GetCollectionInfo(ctx, s.config.Collection)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: s.config.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(s.config.Dim),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		}

		size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if size != uint64(s.config.Dim) {
			return errkind.Newf(errkind.VectorSchemaMismatch,
				"collection %s has dimension %d, config wants %d",
				s.config.Collection, size, s.config.Dim)
		}
		return nil
	})
}

// Upsert writes one point. The id must be a UUID.
func (s *QdrantStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	if len(vector) != s.config.Dim {
		return errkind.Newf(errkind.ValidationFailed, "vector has dimension %d, want %d", len(vector), s.config.Dim)
	}

	return recordErr(span, s.do(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(id),
				Vectors: qdrant.NewVectors(vector...),
				Payload: toQdrantPayload(payload),
			}},
		})
		return err
	}))
}

// Search returns up to k hits sorted by score descending, ties broken by
// id ascending. Scores are cosine similarity mapped onto [0,1].
func (s *QdrantStore) Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	var points []*qdrant.ScoredPoint
	err := s.do(ctx, "search", func() error {
		var qerr error
		points, qerr = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         toQdrantFilter(filter),
		})
		return qerr
	})
	if err != nil {
		return nil, recordErr(span, err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		results = append(results, Result{
			ID:      p.GetId().GetUuid(),
			Score:   normalizeScore(p.GetScore()),
			Payload: fromQdrantPayload(p.GetPayload()),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// Get returns the payload of one point, not-found when absent.
func (s *QdrantStore) Get(ctx context.Context, id string) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Get")
	defer span.End()

	var payload map[string]any
	err := s.do(ctx, "get", func() error {
		points, gerr := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if gerr != nil {
			return gerr
		}
		if len(points) == 0 {
			return errNotFound
		}
		payload = fromQdrantPayload(points[0].GetPayload())
		return nil
	})
	if errors.Is(err, errNotFound) {
		return nil, errkind.Newf(errkind.NotFound, "vector %s not found", id)
	}
	if err != nil {
		return nil, recordErr(span, err)
	}
	return payload, nil
}

// Vector returns the stored vector of one point.
func (s *QdrantStore) Vector(ctx context.Context, id string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Vector")
	defer span.End()

	var vector []float32
	err := s.do(ctx, "vector", func() error {
		points, gerr := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if gerr != nil {
			return gerr
		}
		if len(points) == 0 {
			return errNotFound
		}
		vector = points[0].GetVectors().GetVector().GetData()
		return nil
	})
	if errors.Is(err, errNotFound) {
		return nil, errkind.Newf(errkind.NotFound, "vector %s not found", id)
	}
	if err != nil {
		return nil, recordErr(span, err)
	}
	return vector, nil
}

// Delete removes one point. Deleting an absent id is a no-op.
func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()

	return recordErr(span, s.do(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(id)),
		})
		return err
	}))
}

// ListIDs returns up to limit point ids, used by the startup orphan sweep.
func (s *QdrantStore) ListIDs(ctx context.Context, limit int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.ListIDs")
	defer span.End()

	var ids []string
	err := s.do(ctx, "list ids", func() error {
		points, serr := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.config.Collection,
			Limit:          qdrant.PtrOf(uint32(limit)),
			WithPayload:    qdrant.NewWithPayload(false),
		})
		if serr != nil {
			return serr
		}
		ids = make([]string, 0, len(points))
		for _, p := range points {
			ids = append(ids, p.GetId().GetUuid())
		}
		return nil
	})
	if err != nil {
		return nil, recordErr(span, err)
	}
	return ids, nil
}

// do runs fn behind the breaker with exponential backoff on transient
// errors. Errors carrying a Kind pass through unchanged.
func (s *QdrantStore) do(ctx context.Context, op string, fn func() error) error {
	backoff := s.config.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		_, err := s.breaker.Execute(func() (any, error) { return nil, fn() })
		if err == nil {
			s.degraded.Store(false)
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.degraded.Store(true)
			return errkind.Wrap(errkind.VectorUnavailable, op+": circuit open", err)
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		s.degraded.Store(true)
		if attempt == s.config.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.VectorUnavailable, op+" canceled", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return errkind.Wrap(errkind.VectorUnavailable,
		fmt.Sprintf("%s failed after %d retries", op, s.config.MaxRetries), lastErr)
}

// recordErr records err on span and passes it through.
func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	return err
}

// IsTransientError reports whether err is a connectivity-class gRPC
// failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// normalizeScore maps cosine similarity from [-1,1] onto [0,1].
func normalizeScore(score float32) float32 {
	s := (score + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// toQdrantFilter translates a Filter into payload conditions. The tag
// condition matches any element of the stored tags list.
func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	var must []*qdrant.Condition
	if len(f.Kinds) > 0 {
		must = append(must, qdrant.NewMatchKeywords("kind", f.Kinds...))
	}
	if f.Tag != "" {
		must = append(must, qdrant.NewMatchKeyword("tags", f.Tag))
	}
	if f.Language != "" {
		must = append(must, qdrant.NewMatchKeyword("language", f.Language))
	}
	if !f.UpdatedAfter.IsZero() {
		must = append(must, qdrant.NewRange("updated_at_unix", &qdrant.Range{
			Gt: qdrant.PtrOf(float64(f.UpdatedAfter.Unix())),
		}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// toQdrantPayload converts a payload map to Qdrant values. Supported
// types: string, bool, int, int64, float64, []string.
func toQdrantPayload(payload map[string]any) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case bool:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		case int:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case []string:
			values := make([]*qdrant.Value, len(val))
			for i, s := range val {
				values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
			}
			out[k] = &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
		}
	}
	return out
}

// fromQdrantPayload converts Qdrant values back to a payload map.
func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = kind.StringValue
		case *qdrant.Value_BoolValue:
			out[k] = kind.BoolValue
		case *qdrant.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *qdrant.Value_ListValue:
			items := make([]string, 0, len(kind.ListValue.GetValues()))
			for _, item := range kind.ListValue.GetValues() {
				if s, ok := item.GetKind().(*qdrant.Value_StringValue); ok {
					items = append(items, s.StringValue)
				}
			}
			out[k] = items
		}
	}
	return out
}
