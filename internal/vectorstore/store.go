// Package vectorstore wraps the external Qdrant index behind a small
// store interface.
package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Result is a single search hit.
type Result struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Filter narrows a search by payload fields. Zero values mean "no
// constraint".
type Filter struct {
	Kinds        []string
	Tag          string
	Language     string
	UpdatedAfter time.Time
}

// Store is the vector index contract consumed by the knowledge base.
type Store interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]Result, error)
	Get(ctx context.Context, id string) (map[string]any, error)
	Vector(ctx context.Context, id string) ([]float32, error)
	Delete(ctx context.Context, id string) error
	ListIDs(ctx context.Context, limit int) ([]string, error)
	Degraded() bool
}

// Config holds Qdrant connection settings.
type Config struct {
	// Endpoint is the gRPC endpoint, host:port.
	Endpoint string

	// APIKey is sent with each request when set.
	APIKey string

	// Collection is the logical namespace for knowledged vectors.
	Collection string

	// Dim is the vector dimension the collection must carry.
	Dim int

	// UseTLS enables TLS on the gRPC channel.
	UseTLS bool

	// MaxRetries bounds transient-error retries per operation.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration
}

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,255}$`)

// ApplyDefaults sets defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint required")
	}
	if !collectionNamePattern.MatchString(c.Collection) {
		return fmt.Errorf("invalid collection name %q", c.Collection)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("dim must be positive, got %d", c.Dim)
	}
	return nil
}
