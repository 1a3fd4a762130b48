package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// stripe is one shard of the memory tier. The LRU is count-capped far
// above realistic entry counts; the byte budget is enforced here.
type stripe struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, *memEntry]
	bytes     int64
	budget    int64
	evictions *atomic.Int64
}

func newStripe(budget int64, evictions *atomic.Int64) *stripe {
	s := &stripe{budget: budget, evictions: evictions}
	// The eviction callback runs under s.mu for every removal path.
	s.entries, _ = lru.NewWithEvict[string, *memEntry](stripeCapacity, func(_ string, e *memEntry) {
		s.bytes -= e.size
	})
	return s
}

func (s *stripe) get(key string, now time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Get(key)
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		s.entries.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (s *stripe) set(key string, value []byte, expiresAt time.Time) {
	e := &memEntry{value: value, size: int64(len(key) + len(value)), expiresAt: expiresAt}
	if e.size > s.budget {
		// Oversized values bypass the memory tier entirely.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Remove(key)
	s.entries.Add(key, e)
	s.bytes += e.size

	for s.bytes > s.budget {
		if _, _, ok := s.entries.RemoveOldest(); !ok {
			break
		}
		s.evictions.Add(1)
	}
}

func (s *stripe) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
}

func (s *stripe) removePrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.entries.Remove(key)
		}
	}
}

func (s *stripe) residentBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
