package flows

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps correlations in process. Expired entries are evicted by
// the cache janitor.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (s *MemoryStore) Put(_ context.Context, stateToken string, c Correlation, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(stateToken, c, ttl)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, stateToken string) (Correlation, error) {
	v, ok := s.cache.Get(stateToken)
	if !ok {
		return Correlation{}, ErrCorrelationNotFound
	}
	return v.(Correlation), nil
}

func (s *MemoryStore) Take(_ context.Context, stateToken string) (Correlation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(stateToken)
	if !ok {
		return Correlation{}, ErrCorrelationNotFound
	}
	s.cache.Delete(stateToken)
	return v.(Correlation), nil
}

func (s *MemoryStore) Delete(_ context.Context, stateToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(stateToken)
	return nil
}

func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
