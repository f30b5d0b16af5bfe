package dedupe

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps seen keys in process. Keys expire after their TTL.
type MemoryStore struct {
	cache  *gocache.Cache
	prefix string
}

// NewMemoryStore creates a store whose expired keys are swept every ttl.
func NewMemoryStore(prefix string, ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{cache: gocache.New(ttl, ttl), prefix: prefix}
}

// MarkIfNew implements Store. Add fails when the key is already present, which
// makes the check and the write atomic.
func (s *MemoryStore) MarkIfNew(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.cache.Add(s.prefix+key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.cache.Delete(s.prefix + key)
	return nil
}

// Close drops all keys.
func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
