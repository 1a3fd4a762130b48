// Package embeddings provides embedding generation via a TEI-compatible
// HTTP service.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

const instrumentationName = "github.com/fyrsmithlabs/knowledged/internal/embeddings"

// maxBatchSize bounds texts per upstream request. TEI truncates batches
// larger than its own limit; 32 keeps request latency predictable.
const maxBatchSize = 32

// warmProbe is embedded once at Initialize to load the model and verify
// the dimension contract.
const warmProbe = "knowledged warmup probe"

// Config holds configuration for the embedding service.
type Config struct {
	// Endpoint is the base URL for the TEI API.
	Endpoint string

	// Model is the embedding model identifier, used in metric labels.
	Model string

	// Dim is the expected vector dimension.
	Dim int

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds a single upstream request. Defaults to 30s.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint required")
	}
	if c.Dim <= 0 {
		return fmt.Errorf("dim must be positive, got %d", c.Dim)
	}
	return nil
}

// Service generates embeddings over HTTP. Safe for concurrent callers.
type Service struct {
	config  Config
	client  *http.Client
	logger  *zap.Logger
	metrics *Metrics

	// healthy tracks the outcome of the most recent upstream call.
	healthy atomic.Bool
}

// NewService creates a new embedding service.
func NewService(config Config, logger *zap.Logger, metrics *Metrics) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Service{
		config:  config,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Dim returns the vector dimension this service produces.
func (s *Service) Dim() int { return s.config.Dim }

// Name implements registry.Component.
func (s *Service) Name() string { return "embedder" }

// Initialize warms the model with a probe embedding. Failure here means
// the backend cannot serve and is embedder-unavailable.
func (s *Service) Initialize(ctx context.Context) error {
	return s.Warm(ctx)
}

// Cleanup implements registry.Component.
func (s *Service) Cleanup(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

// Status implements registry.Component.
func (s *Service) Status(ctx context.Context) registry.Status {
	if s.healthy.Load() {
		return registry.Status{State: registry.StateHealthy}
	}
	return registry.Status{State: registry.StateUnhealthy, Detail: "embedding backend unreachable"}
}

// Warm embeds a probe text, loading the model upstream and checking that
// the returned dimension matches configuration.
func (s *Service) Warm(ctx context.Context) error {
	vectors, err := s.Embed(ctx, []string{warmProbe})
	if err != nil {
		return err
	}
	if len(vectors) != 1 {
		return errkind.Newf(errkind.EmbedderUnavailable, "warmup returned %d vectors, want 1", len(vectors))
	}
	return nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// Embed generates one vector per input text, order preserved. Inputs are
// split into batches of at most maxBatchSize upstream requests.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "embeddings.Embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", s.config.Model),
		attribute.Int("texts", len(texts)),
	)

	start := time.Now()
	var embedErr error
	defer func() {
		s.metrics.RecordEmbed(s.config.Model, time.Since(start), len(texts), embedErr)
		if embedErr != nil {
			span.RecordError(embedErr)
			span.SetStatus(codes.Error, embedErr.Error())
		}
	}()

	if len(texts) == 0 {
		embedErr = errkind.New(errkind.ValidationFailed, "texts cannot be empty")
		return nil, embedErr
	}
	for i, t := range texts {
		if t == "" {
			embedErr = errkind.Newf(errkind.ValidationFailed, "text %d is empty", i)
			return nil, embedErr
		}
	}

	out := make([][]float32, 0, len(texts))
	for offset := 0; offset < len(texts); offset += maxBatchSize {
		end := offset + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := s.embedBatch(ctx, texts[offset:end])
		if err != nil {
			embedErr = err
			return nil, err
		}
		out = append(out, vectors...)
	}

	return out, nil
}

func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.healthy.Store(false)
		return nil, errkind.Wrap(errkind.EmbedderUnavailable, "embed request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.healthy.Store(false)
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errkind.Newf(errkind.EmbedderUnavailable, "embed status %d: %s", resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		s.healthy.Store(false)
		return nil, errkind.Wrap(errkind.EmbedderUnavailable, "decoding response", err)
	}

	if len(vectors) != len(texts) {
		return nil, errkind.Newf(errkind.Internal, "embed returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != s.config.Dim {
			return nil, errkind.Newf(errkind.Internal, "vector %d has dimension %d, want %d", i, len(v), s.config.Dim)
		}
	}

	s.healthy.Store(true)
	return vectors, nil
}
