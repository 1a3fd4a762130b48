package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Dir == "" && cfg.DiskBytes > 0 {
		cfg.Dir = t.TempDir()
	}
	if cfg.MemBytes == 0 {
		cfg.MemBytes = 1 << 20
	}
	c := New(cfg, nil)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("q:code:abc", []byte("result"), 0)

	value, ok := c.Get("q:code:abc")
	require.True(t, ok)
	assert.Equal(t, []byte("result"), value)

	_, ok = c.Get("q:code:missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Greater(t, stats.ResidentBytes, int64(0))
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("k", []byte("v"), 10*time.Millisecond)

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestMemoryEviction(t *testing.T) {
	// One stripe gets MemBytes/16; values below land in distinct
	// stripes, so force collisions by keeping the budget tiny.
	c := newTestCache(t, Config{MemBytes: 16 * 64})

	for i := 0; i < 200; i++ {
		c.Set(fmt.Sprintf("key-%03d", i), []byte("0123456789012345678901234567890123456789"), 0)
	}

	stats := c.Stats()
	assert.Greater(t, stats.Evictions, int64(0))
	assert.LessOrEqual(t, stats.ResidentBytes, int64(16*64))
}

func TestDiskSpillAndPromotion(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, DiskBytes: 1 << 20})

	c.Set("persisted", []byte("survives"), 0)

	// A fresh cache over the same directory sees the entry after the
	// startup index rebuild.
	c2 := New(Config{Dir: dir, MemBytes: 1 << 20, DiskBytes: 1 << 20}, nil)
	require.NoError(t, c2.Initialize(context.Background()))

	value, ok := c2.Get("persisted")
	require.True(t, ok)
	assert.Equal(t, []byte("survives"), value)
}

func TestDiskLayout(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, DiskBytes: 1 << 20})

	c.Set("some-key", []byte("v"), 0)

	hash := hashKey("some-key")
	_, err := os.Stat(filepath.Join(dir, hash[:2], hash+".bin"))
	assert.NoError(t, err)
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, DiskBytes: 1 << 20})

	c.Set("gone", []byte("v"), 0)
	c.Invalidate("gone")

	_, ok := c.Get("gone")
	assert.False(t, ok)

	hash := hashKey("gone")
	_, err := os.Stat(filepath.Join(dir, hash[:2], hash+".bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidatePrefix(t *testing.T) {
	c := newTestCache(t, Config{DiskBytes: 1 << 20})

	c.Set("q:code:one", []byte("1"), 0)
	c.Set("q:code:two", []byte("2"), 0)
	c.Set("q:adr:three", []byte("3"), 0)
	c.Set("e:embed", []byte("4"), 0)

	c.InvalidatePrefix("q:code:")

	_, ok := c.Get("q:code:one")
	assert.False(t, ok)
	_, ok = c.Get("q:code:two")
	assert.False(t, ok)

	_, ok = c.Get("q:adr:three")
	assert.True(t, ok)
	_, ok = c.Get("e:embed")
	assert.True(t, ok)
}

func TestDiskEvictionUnderBudget(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, DiskBytes: 500})

	for i := 0; i < 20; i++ {
		c.Set(fmt.Sprintf("disk-%02d", i), make([]byte, 100), 0)
		// Keep access times strictly ordered for deterministic LRU.
		time.Sleep(time.Millisecond)
	}

	assert.LessOrEqual(t, c.disk.residentBytes(), int64(500))
}

func TestDiskFailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, DiskBytes: 1 << 20})

	// Break the disk tier out from under the cache.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a dir"), 0o600))

	c.Set("still-works", []byte("v"), 0)

	value, ok := c.Get("still-works")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	assert.Greater(t, c.Stats().DegradedEvents, int64(0))
	assert.Equal(t, registry.StateDegraded, c.Status(context.Background()).State)
}

func TestCorruptDiskFileSkippedOnLoad(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "aa")
	require.NoError(t, os.MkdirAll(sub, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "aaaa.bin"), []byte("garbage"), 0o600))

	c := New(Config{Dir: dir, MemBytes: 1 << 20, DiskBytes: 1 << 20}, nil)
	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, int64(0), c.Stats().DiskBytes)
	_, err := os.Stat(filepath.Join(sub, "aaaa.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestComponentContract(t *testing.T) {
	c := newTestCache(t, Config{})
	assert.Equal(t, "cache", c.Name())
	assert.NoError(t, c.Cleanup(context.Background()))
	assert.Equal(t, registry.StateHealthy, c.Status(context.Background()).State)
}
