// Package cache implements the two-tier (memory + disk) cache used for
// query results and embeddings.
//
// The memory tier is striped LRU with a resident-byte budget. Overflow
// and writes spill to a content-addressed disk tier bounded by its own
// budget. Disk faults degrade the cache to memory-only behavior; they are
// logged and counted, never surfaced to callers.
package cache

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

const numStripes = 16

// stripeCapacity bounds entry count per stripe; the byte budget is the
// real limit, this only sizes the underlying LRU.
const stripeCapacity = 16384

// Config holds cache budgets.
type Config struct {
	// Dir is the disk tier root. Empty disables the disk tier.
	Dir string

	// MemBytes bounds resident bytes across all memory stripes.
	MemBytes int64

	// DiskBytes bounds bytes on disk.
	DiskBytes int64

	// TTL is the default entry lifetime; zero means no expiry.
	TTL time.Duration
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Evictions      int64 `json:"evictions"`
	ResidentBytes  int64 `json:"resident_bytes"`
	DiskBytes      int64 `json:"disk_bytes"`
	DegradedEvents int64 `json:"degraded_events"`
}

type memEntry struct {
	value     []byte
	size      int64
	expiresAt time.Time // zero means no expiry
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a two-tier byte cache. Safe for concurrent use.
type Cache struct {
	config  Config
	stripes [numStripes]*stripe
	disk    *diskTier
	logger  *zap.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	degraded  atomic.Int64
}

// New creates a cache. The disk tier index is rebuilt at Initialize.
func New(config Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache{config: config, logger: logger}
	budget := config.MemBytes / numStripes
	for i := range c.stripes {
		c.stripes[i] = newStripe(budget, &c.evictions)
	}
	if config.Dir != "" && config.DiskBytes > 0 {
		c.disk = newDiskTier(config.Dir, config.DiskBytes, logger, &c.degraded)
	}
	return c
}

// Name implements registry.Component.
func (c *Cache) Name() string { return "cache" }

// Initialize rebuilds the disk index from the cache directory.
func (c *Cache) Initialize(ctx context.Context) error {
	if c.disk != nil {
		c.disk.load()
	}
	return nil
}

// Cleanup implements registry.Component. Disk entries persist across
// restarts, so there is nothing to flush.
func (c *Cache) Cleanup(ctx context.Context) error { return nil }

// Status implements registry.Component.
func (c *Cache) Status(ctx context.Context) registry.Status {
	if c.degraded.Load() > 0 {
		return registry.Status{State: registry.StateDegraded, Detail: "disk tier errors"}
	}
	return registry.Status{State: registry.StateHealthy}
}

func (c *Cache) stripe(key string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.stripes[h.Sum32()%numStripes]
}

// Get returns the cached value for key. Disk hits are promoted into the
// memory tier. Expired entries are reaped lazily on access.
func (c *Cache) Get(key string) ([]byte, bool) {
	now := time.Now()

	if value, ok := c.stripe(key).get(key, now); ok {
		c.hits.Add(1)
		return value, true
	}

	if c.disk != nil {
		if value, expiresAt, ok := c.disk.read(key, now); ok {
			c.stripe(key).set(key, value, expiresAt)
			c.hits.Add(1)
			return value, true
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Set stores value under key. A non-positive ttl uses the configured
// default. The write goes to memory and spills through to disk.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.stripe(key).set(key, value, expiresAt)
	if c.disk != nil {
		c.disk.write(key, value, expiresAt)
	}
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(key string) {
	c.stripe(key).remove(key)
	if c.disk != nil {
		c.disk.remove(key)
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix from
// both tiers. Used for kind-scoped query cache invalidation.
func (c *Cache) InvalidatePrefix(prefix string) {
	for _, s := range c.stripes {
		s.removePrefix(prefix)
	}
	if c.disk != nil {
		c.disk.removePrefix(prefix)
	}
}

// Stats returns the counter snapshot.
func (c *Cache) Stats() Stats {
	var resident int64
	for _, s := range c.stripes {
		resident += s.residentBytes()
	}
	var diskBytes int64
	if c.disk != nil {
		diskBytes = c.disk.residentBytes()
	}
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Evictions:      c.evictions.Load(),
		ResidentBytes:  resident,
		DiskBytes:      diskBytes,
		DegradedEvents: c.degraded.Load(),
	}
}
